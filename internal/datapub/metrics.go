package datapub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"Datapub-Apps/internal/slotstore"
)

// Metrics counts channel activity. A nil Registerer yields working but
// unregistered collectors.
type Metrics struct {
	Published         prometheus.Counter
	TransportFailures prometheus.Counter
	PayloadTooLarge   prometheus.Counter
	Received          prometheus.Counter
	Stale             prometheus.Counter
	Coalesced         prometheus.Counter
	DecodeErrors      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, store *slotstore.Store) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datapub", Name: "published_total",
			Help: "Publishes handed to a transport by producer handles.",
		}),
		TransportFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datapub", Name: "transport_failures_total",
			Help: "Publishes a transport could not deliver.",
		}),
		PayloadTooLarge: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datapub", Name: "payload_too_large_total",
			Help: "Publishes rejected by the payload size cap.",
		}),
		Received: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datapub", Name: "received_total",
			Help: "Envelopes decoded by the coordinator.",
		}),
		Stale: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datapub", Name: "stale_total",
			Help: "Envelopes discarded because a newer value was already stored.",
		}),
		Coalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datapub", Name: "coalesced_total",
			Help: "Pending envelopes replaced by a newer one from the same producer before delivery.",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datapub", Name: "decode_errors_total",
			Help: "Messages that could not be decoded as envelopes.",
		}),
	}
	if store != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "datapub", Name: "producers",
			Help: "Producers currently holding a slot.",
		}, func() float64 { return float64(store.Len()) })
	}
	return m
}
