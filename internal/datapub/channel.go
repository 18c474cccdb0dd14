// Package datapub is a latest-value publication channel: many producers
// publish structured values, one consumer pulls a snapshot of the newest value
// from each. Producers never block on the consumer and the consumer never
// blocks on producers.
//
// A Channel wires everything for a single process. Across processes, engines
// build a Handle over a PubSubSender or WebsocketSender, and the coordinator
// feeds its store with a Receiver or a WebsocketHandler.
package datapub

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"Datapub-Apps/internal/slotstore"
)

// Options configures a Channel.
type Options struct {
	Store      slotstore.Options
	Handle     HandleOptions
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Channel owns a slot store and hands out producer handles and consumer views
// bound to it.
type Channel struct {
	store   *slotstore.Store
	direct  *Direct
	metrics *Metrics
	log     *zap.Logger
	opts    Options
}

func New(opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Store.Logger == nil {
		opts.Store.Logger = opts.Logger
	}
	store := slotstore.New(opts.Store)
	m := NewMetrics(opts.Registerer, store)
	if opts.Handle.Logger == nil {
		opts.Handle.Logger = opts.Logger
	}
	opts.Handle.Metrics = m
	return &Channel{
		store:   store,
		direct:  NewDirect(store),
		metrics: m,
		log:     opts.Logger.Named("datapub"),
		opts:    opts,
	}
}

func (c *Channel) Store() *slotstore.Store { return c.store }

func (c *Channel) Metrics() *Metrics { return c.metrics }

// Producer returns a handle that publishes straight into the store.
func (c *Channel) Producer(id ProducerID) *Handle {
	return NewHandle(id, c.direct, c.opts.Handle)
}

// View returns a new consumer view.
func (c *Channel) View() *View {
	return NewView(c.store)
}

// Ingest returns an ingest path that decodes envelopes with codec.
func (c *Channel) Ingest(codec Codec) *Ingest {
	return NewIngest(c.store, codec, c.opts.Logger, c.metrics)
}

// Deregister drops a producer's slot until it publishes again.
func (c *Channel) Deregister(id ProducerID) error {
	if err := c.store.Deregister(id); err != nil {
		return err
	}
	c.log.Info("producer deregistered", zap.Int("producer", int(id)))
	return nil
}
