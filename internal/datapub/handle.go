package datapub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandleOptions configures a producer Handle.
type HandleOptions struct {
	// SendTimeout bounds one transport send. Defaults to 5s.
	SendTimeout time.Duration
	// RefreshInterval re-sends the latest envelope periodically when > 0, so
	// a value lost in transit is eventually redelivered. Re-sends carry the
	// stamp of their first send and so never undo a deregistration.
	RefreshInterval time.Duration
	Logger          *zap.Logger
	Metrics         *Metrics
}

// Handle publishes values for one producer. Each publish overwrites the
// previous one; nothing is queued. Transport failures are logged and counted,
// never returned, so a simulation loop keeps running.
type Handle struct {
	id        ProducerID
	session   string
	transport Transport
	opts      HandleOptions
	log       *zap.Logger
	metrics   *Metrics

	mu         sync.Mutex
	seq        uint64
	last       *Envelope
	lastFailed bool
	closed     bool
	stop       chan struct{}
	done       chan struct{}
}

func NewHandle(id ProducerID, t Transport, opts HandleOptions) *Handle {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil, nil)
	}
	h := &Handle{
		id:        id,
		session:   uuid.NewString(),
		transport: t,
		opts:      opts,
		metrics:   opts.Metrics,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.log = opts.Logger.With(zap.Int("producer", int(id)), zap.String("session", h.session))
	if opts.RefreshInterval > 0 {
		go h.refresh()
	} else {
		close(h.done)
	}
	return h
}

func (h *Handle) ID() ProducerID { return h.id }

// Session identifies this handle's incarnation on the wire.
func (h *Handle) Session() string { return h.session }

// Publish replaces this producer's value. It fails only with
// ErrPayloadTooLarge or ErrHandleClosed.
func (h *Handle) Publish(v Payload) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.seq++
	env := Envelope{
		Producer: h.id,
		Session:  h.session,
		Seq:      h.seq,
		SentAt:   time.Now().UnixNano(),
		Payload:  v.Clone(),
	}
	h.mu.Unlock()

	err := h.send(env)
	if errors.Is(err, ErrPayloadTooLarge) {
		h.metrics.PayloadTooLarge.Inc()
		return err
	}
	h.metrics.Published.Inc()

	h.mu.Lock()
	if h.last == nil || env.Seq >= h.last.Seq {
		h.last = &env
		h.lastFailed = err != nil
	}
	h.mu.Unlock()
	return nil
}

// Close stops refreshing. If the transport rejected the final value it is
// sent once more; an error means the final value may be lost. Transports that
// deliver in the background report such losses from their own Close.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.stop)
	h.mu.Unlock()

	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	last, failed := h.last, h.lastFailed
	h.mu.Unlock()
	if last == nil || !failed {
		return nil
	}
	if err := h.sendContext(ctx, *last); err != nil {
		return fmt.Errorf("redeliver final value of producer %d: %w", h.id, err)
	}
	return nil
}

func (h *Handle) send(env Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.SendTimeout)
	defer cancel()
	return h.sendContext(ctx, env)
}

func (h *Handle) sendContext(ctx context.Context, env Envelope) error {
	err := h.transport.Send(ctx, env)
	if err == nil || errors.Is(err, ErrPayloadTooLarge) {
		return err
	}
	h.metrics.TransportFailures.Inc()
	h.log.Warn("publish not delivered", zap.Uint64("seq", env.Seq), zap.Error(err))
	return err
}

func (h *Handle) refresh() {
	defer close(h.done)
	ticker := time.NewTicker(h.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
		h.mu.Lock()
		last := h.last
		h.mu.Unlock()
		if last == nil {
			continue
		}
		err := h.send(*last)
		h.mu.Lock()
		if h.last != nil && h.last.Seq == last.Seq {
			h.lastFailed = err != nil
		}
		h.mu.Unlock()
	}
}
