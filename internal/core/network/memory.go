package network

import (
	"sync"
	"sync/atomic"
)

// MemoryPubSub is a process-local transport for single-process deployments
// and tests.
type MemoryPubSub struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[string]map[int]chan Message
	evicted atomic.Int64
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]chan Message)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[topic] {
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		if n := offerLatest(ch, msg); n > 0 {
			m.evicted.Add(int64(n))
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]chan Message)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, subscriberBuffer)
	m.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subsByTopic, ok := m.subs[topic]; ok {
				if sub, exists := subsByTopic[id]; exists {
					delete(subsByTopic, id)
					close(sub)
				}
				if len(subsByTopic) == 0 {
					delete(m.subs, topic)
				}
			}
		})
	}
	return ch, cancel, nil
}

// Evicted returns how many queued messages were discarded to make room.
func (m *MemoryPubSub) Evicted() int64 {
	return m.evicted.Load()
}
