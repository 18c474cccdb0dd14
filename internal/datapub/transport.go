package datapub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"Datapub-Apps/internal/core/network"
	"Datapub-Apps/internal/slotstore"
)

type (
	ProducerID = slotstore.ProducerID
	Payload    = slotstore.Payload
)

var (
	ErrPayloadTooLarge  = slotstore.ErrPayloadTooLarge
	ErrUnknownProducer  = slotstore.ErrUnknownProducer
	ErrTransportFailure = errors.New("transport failure")
	ErrHandleClosed     = errors.New("producer handle closed")
)

// Transport moves an envelope from a producer to the slot store. Delivery may
// drop or reorder earlier envelopes of a producer; the store keeps the one
// with the highest stamp. Send must not wait on other producers.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	// Close releases the transport. An error wrapping ErrTransportFailure
	// means some producer's last value was not delivered.
	Close() error
}

// Direct applies envelopes to a store in the calling goroutine.
type Direct struct {
	store *slotstore.Store
}

func NewDirect(store *slotstore.Store) *Direct {
	return &Direct{store: store}
}

func (d *Direct) Send(_ context.Context, env Envelope) error {
	_, err := d.store.Apply(env.Producer, env.Stamp(), env.Payload)
	return err
}

func (d *Direct) Close() error { return nil }

// Ingest decodes envelopes arriving on a wire transport and applies them.
type Ingest struct {
	store   *slotstore.Store
	codec   Codec
	log     *zap.Logger
	metrics *Metrics
}

func NewIngest(store *slotstore.Store, c Codec, logger *zap.Logger, m *Metrics) *Ingest {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics(nil, nil)
	}
	return &Ingest{store: store, codec: c, log: logger.Named("ingest"), metrics: m}
}

// Accept reports whether the envelope in b replaced the producer's value.
func (in *Ingest) Accept(b []byte) (bool, error) {
	env, err := in.Decode(b)
	if err != nil {
		return false, err
	}
	return in.Apply(env)
}

func (in *Ingest) Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := in.codec.Unmarshal(b, &env); err != nil {
		in.metrics.DecodeErrors.Inc()
		return Envelope{}, fmt.Errorf("decode %s envelope: %w", in.codec.Name(), err)
	}
	in.metrics.Received.Inc()
	return env, nil
}

// Apply stores env unless the producer already holds a newer value.
func (in *Ingest) Apply(env Envelope) (bool, error) {
	applied, err := in.store.Apply(env.Producer, env.Stamp(), env.Payload)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			in.metrics.PayloadTooLarge.Inc()
		}
		return false, err
	}
	if !applied {
		in.metrics.Stale.Inc()
	}
	return applied, nil
}

// TopicName is the broadcast topic for a named channel.
func TopicName(channel string) string {
	return "datapub." + channel
}

// PubSubSender broadcasts envelopes on a network.PubSub topic.
type PubSubSender struct {
	ps       network.PubSub
	topic    string
	codec    Codec
	maxBytes int
}

// NewPubSubSender rejects encoded envelopes over maxBytes when maxBytes > 0.
func NewPubSubSender(ps network.PubSub, topic string, c Codec, maxBytes int) *PubSubSender {
	return &PubSubSender{ps: ps, topic: topic, codec: c, maxBytes: maxBytes}
}

func (s *PubSubSender) Send(_ context.Context, env Envelope) error {
	b, err := encode(s.codec, env, s.maxBytes)
	if err != nil {
		return err
	}
	if err := s.ps.Publish(s.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w: %w", s.topic, ErrTransportFailure, err)
	}
	return nil
}

// Close is a no-op; the PubSub belongs to the caller.
func (s *PubSubSender) Close() error { return nil }

func encode(c Codec, env Envelope, maxBytes int) ([]byte, error) {
	b, err := c.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", c.Name(), err)
	}
	if maxBytes > 0 && len(b) > maxBytes {
		return nil, fmt.Errorf("producer %d: %d bytes exceeds %d: %w", env.Producer, len(b), maxBytes, ErrPayloadTooLarge)
	}
	return b, nil
}

// Receiver feeds a store from a network.PubSub topic until closed. Decoded
// envelopes wait in a per-producer mailbox that keeps only the newest one, so
// a slow store never backs up the subscription and one producer's flood
// cannot push out another producer's value.
type Receiver struct {
	ingest *Ingest
	log    *zap.Logger
	cancel func()

	mu      sync.Mutex
	pending map[ProducerID]Envelope
	wake    chan struct{}
	drained chan struct{}
	done    chan struct{}
}

func NewReceiver(ps network.PubSub, topic string, in *Ingest) (*Receiver, error) {
	ch, cancel, err := ps.Subscribe(topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	r := &Receiver{
		ingest:  in,
		log:     in.log.With(zap.String("topic", topic)),
		cancel:  cancel,
		pending: make(map[ProducerID]Envelope),
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.read(ch)
	go r.apply()
	return r, nil
}

func (r *Receiver) read(ch <-chan network.Message) {
	defer close(r.drained)
	for msg := range ch {
		env, err := r.ingest.Decode(msg.Payload)
		if err != nil {
			r.log.Warn("drop envelope", zap.Error(err))
			continue
		}
		r.stash(env)
	}
}

func (r *Receiver) stash(env Envelope) {
	r.mu.Lock()
	cur, ok := r.pending[env.Producer]
	switch {
	case !ok:
		r.pending[env.Producer] = env
	case env.Stamp().Supersedes(cur.Stamp()):
		r.pending[env.Producer] = env
		r.ingest.metrics.Coalesced.Inc()
	default:
		r.ingest.metrics.Stale.Inc()
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Receiver) apply() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			r.flush()
		case <-r.drained:
			r.flush()
			return
		}
	}
}

func (r *Receiver) flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[ProducerID]Envelope, len(batch))
	r.mu.Unlock()
	for _, id := range slices.Sorted(maps.Keys(batch)) {
		if _, err := r.ingest.Apply(batch[id]); err != nil {
			r.log.Warn("drop envelope", zap.Int("producer", int(id)), zap.Error(err))
		}
	}
}

// Close unsubscribes and waits until everything received has been applied.
func (r *Receiver) Close() error {
	r.cancel()
	<-r.done
	return nil
}
