// Package network provides the broadcast fabrics that carry published values
// between engine processes and the coordinator.
package network

import "strings"

// Message is the transport envelope delivered to subscribers.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication.
// Delivery is best effort: a subscriber that falls behind loses its oldest
// queued messages, never the newest one.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}

// subscriberBuffer bounds each subscriber queue.
const subscriberBuffer = 64

// offerLatest enqueues msg, evicting queued messages until it fits. The caller
// must guarantee ch is not closed concurrently.
func offerLatest(ch chan Message, msg Message) (evicted int) {
	for {
		select {
		case ch <- msg:
			return evicted
		default:
		}
		select {
		case <-ch:
			evicted++
		default:
		}
	}
}

// SplitAddrs splits a comma separated flag value, dropping blanks.
func SplitAddrs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
