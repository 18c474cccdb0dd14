// Package slotstore keeps the most recent payload published by each producer
// and serves point-in-time snapshots of all of them.
//
// Every producer owns one slot. A slot holds an immutable entry that is swapped
// atomically, so snapshot readers never see a half-written value and writers to
// different slots never wait on each other. The slot map itself is only locked
// exclusively when a slot is created or removed.
package slotstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrUnknownProducer = errors.New("unknown producer")
)

// Stamp orders publishes from one producer. Within a session Seq decides;
// across sessions the later SentAt wins. A zero Stamp always wins.
type Stamp struct {
	Session string `json:"session,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	// SentAt is the sender's clock in unix nanoseconds.
	SentAt int64 `json:"sent_at,omitempty"`
}

// Supersedes reports whether a value stamped st may replace one stamped prev.
func (st Stamp) Supersedes(prev Stamp) bool {
	switch {
	case st.Session == "":
		return true
	case st.Session == prev.Session:
		return st.Seq > prev.Seq
	case st.SentAt != 0 && prev.SentAt != 0:
		return st.SentAt > prev.SentAt
	default:
		return true
	}
}

// Entry is the content of one slot.
type Entry struct {
	Producer  ProducerID `json:"producer"`
	Value     Payload    `json:"value"`
	Stamp     Stamp      `json:"stamp"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Snapshot is a copy of every slot, ordered by producer.
type Snapshot struct {
	Version uint64  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Values returns the payloads in producer order.
func (s Snapshot) Values() []Payload {
	out := make([]Payload, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Value)
	}
	return out
}

// Options configures a Store.
type Options struct {
	// MaxPayloadBytes caps the size reported by Sizer. Zero means unbounded.
	MaxPayloadBytes int
	// Sizer defaults to JSONSize.
	Sizer  Sizer
	Logger *zap.Logger
}

type slot struct {
	cur atomic.Pointer[Entry]
}

func (sl *slot) offer(next *Entry) bool {
	for {
		cur := sl.cur.Load()
		if cur != nil && !next.Stamp.Supersedes(cur.Stamp) {
			return false
		}
		if sl.cur.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Store holds one slot per producer.
type Store struct {
	opts Options
	log  *zap.Logger

	mu    sync.RWMutex
	slots map[ProducerID]*slot
	// retired keeps the last stamp of deregistered producers so late
	// deliveries of older values cannot bring them back.
	retired map[ProducerID]Stamp
	version atomic.Uint64

	waiting atomic.Int64
	waitMu  sync.Mutex
	waitCh  chan struct{}
}

func New(opts Options) *Store {
	if opts.Sizer == nil {
		opts.Sizer = JSONSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		opts:    opts,
		log:     opts.Logger.Named("slotstore"),
		slots:   make(map[ProducerID]*slot),
		retired: make(map[ProducerID]Stamp),
	}
}

// Publish replaces the value held for id unconditionally.
func (s *Store) Publish(id ProducerID, v Payload) error {
	_, err := s.Apply(id, Stamp{}, v)
	return err
}

// Apply stores v for id unless the slot already holds a value whose stamp st
// does not supersede. The same holds for the last value of a deregistered
// producer. It reports whether v was stored.
func (s *Store) Apply(id ProducerID, st Stamp, v Payload) (bool, error) {
	if err := s.checkSize(id, v); err != nil {
		return false, err
	}
	next := &Entry{Producer: id, Value: v.Clone(), Stamp: st, UpdatedAt: time.Now().UTC()}

	s.mu.RLock()
	sl := s.slots[id]
	if sl == nil {
		s.mu.RUnlock()
		s.mu.Lock()
		if sl = s.slots[id]; sl == nil {
			if last, ok := s.retired[id]; ok {
				if !st.Supersedes(last) {
					s.mu.Unlock()
					return false, nil
				}
				delete(s.retired, id)
			}
			sl = &slot{}
			s.slots[id] = sl
		}
		applied := sl.offer(next)
		s.mu.Unlock()
		if applied {
			s.bump()
		}
		return applied, nil
	}
	applied := sl.offer(next)
	s.mu.RUnlock()
	if applied {
		s.bump()
	}
	return applied, nil
}

// Get returns the current entry for id.
func (s *Store) Get(id ProducerID) (Entry, bool) {
	s.mu.RLock()
	sl := s.slots[id]
	s.mu.RUnlock()
	if sl == nil {
		return Entry{}, false
	}
	e := sl.cur.Load()
	if e == nil {
		return Entry{}, false
	}
	cp := *e
	cp.Value = e.Value.Clone()
	return cp, true
}

// Snapshot copies every slot. Concurrent publishes to other slots may or may
// not be included; no single entry is ever partially updated.
func (s *Store) Snapshot() Snapshot {
	version := s.version.Load()
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.slots))
	for _, sl := range s.slots {
		if e := sl.cur.Load(); e != nil {
			entries = append(entries, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Producer < entries[j].Producer
	})
	for i := range entries {
		entries[i].Value = entries[i].Value.Clone()
	}
	return Snapshot{Version: version, Entries: entries}
}

// Deregister removes the slot for id. The producer reappears on its next
// publish; values stamped no later than the removed one stay rejected.
func (s *Store) Deregister(id ProducerID) error {
	s.mu.Lock()
	sl, ok := s.slots[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("deregister producer %d: %w", id, ErrUnknownProducer)
	}
	if e := sl.cur.Load(); e != nil && e.Stamp.Session != "" {
		s.retired[id] = e.Stamp
	}
	delete(s.slots, id)
	s.mu.Unlock()
	s.log.Debug("producer deregistered", zap.Int("producer", int(id)))
	s.bump()
	return nil
}

// Len returns the number of slots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Version increases on every stored publish and every deregistration.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Wait blocks until Version exceeds after or ctx is done. It returns the
// version it observed and whether that version is past after.
func (s *Store) Wait(ctx context.Context, after uint64) (uint64, bool) {
	s.waiting.Add(1)
	defer s.waiting.Add(-1)
	for {
		s.waitMu.Lock()
		if v := s.version.Load(); v > after {
			s.waitMu.Unlock()
			return v, true
		}
		if s.waitCh == nil {
			s.waitCh = make(chan struct{})
		}
		ch := s.waitCh
		s.waitMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			v := s.version.Load()
			return v, v > after
		}
	}
}

func (s *Store) bump() {
	s.version.Add(1)
	// Publishers skip the wait lock entirely while nobody is waiting.
	if s.waiting.Load() == 0 {
		return
	}
	s.waitMu.Lock()
	if s.waitCh != nil {
		close(s.waitCh)
		s.waitCh = nil
	}
	s.waitMu.Unlock()
}

func (s *Store) checkSize(id ProducerID, v Payload) error {
	if s.opts.MaxPayloadBytes <= 0 {
		return nil
	}
	n, err := s.opts.Sizer(v)
	if err != nil {
		return fmt.Errorf("size payload for producer %d: %w", id, err)
	}
	if n > s.opts.MaxPayloadBytes {
		return fmt.Errorf("producer %d: %d bytes exceeds %d: %w", id, n, s.opts.MaxPayloadBytes, ErrPayloadTooLarge)
	}
	return nil
}
