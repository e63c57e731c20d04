// Package inbox is the single authoritative in-memory sequence of notification
// records. Both the live channel and the fallback poller write into it; it
// de-duplicates by id, keeps newest-first order, caps its size, and owns the
// poll cursor and connection stats so Clear can reset all of them at once.
package inbox

import (
	"sort"
	"sync"
	"time"

	"notifd/internal/eventbus"
	"notifd/internal/notification"
)

// DefaultCapacity is the number of records kept before oldest-first eviction.
const DefaultCapacity = 100

// Listener receives the records an Insert added (never updates of known ids).
// It is called outside the store lock, in insertion order.
type Listener func(added []notification.Record)

// Stats is observational connection bookkeeping; it is not authoritative.
type Stats struct {
	LastPollAt     time.Time `json:"lastPollAt"`
	MissedCount    int       `json:"missedCount"`
	FallbackActive bool      `json:"fallbackActive"`
}

// InsertedEvent is published on eventbus.TopicInboxInserted.
type InsertedEvent struct {
	Added   int    `json:"added"`
	Updated int    `json:"updated"`
	Evicted int    `json:"evicted"`
	Source  string `json:"source"`
}

type Option func(*Store)

func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithListener(l Listener) Option {
	return func(s *Store) { s.listeners = append(s.listeners, l) }
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Store) {
		if b != nil {
			s.bus = b
		}
	}
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	records  []notification.Record // newest first
	index    map[string]int        // id -> position in records
	keys     map[string]string     // event key -> id of the newest record carrying it
	capacity int
	cursor   int64
	stats    Stats

	listeners []Listener
	bus       eventbus.Bus
}

func New(opts ...Option) *Store {
	s := &Store{
		index:    map[string]int{},
		keys:     map[string]string{},
		capacity: DefaultCapacity,
		bus:      eventbus.Nop{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddListener registers l for subsequent inserts.
func (s *Store) AddListener(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Insert merges records by id and returns the ones that were not known before.
//
// For a known id every field is replaced by the incoming one except Read,
// which stays true once set, and Source, which stays first-seen. Within one
// batch the last occurrence of an id wins.
//
// An order update without a matching id is still known when it is the same
// event (notification.SameEvent) as a stored record. The merged record keeps
// the server's id: a polled id replaces a live one, never the other way round.
func (s *Store) Insert(records []notification.Record) []notification.Record {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	var (
		added   []notification.Record
		updated int
		pending = map[string]int{} // id -> position in added
	)
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		pos, ok := s.index[r.ID]
		if !ok {
			pos, ok = s.findEventLocked(r)
		}
		if ok {
			prev := s.records[pos]
			if prev.ID != r.ID {
				if r.Source == notification.SourceLive {
					r.ID = prev.ID
				}
				s.index[r.ID] = pos
			}
			r.Read = r.Read || prev.Read
			if prev.Source != "" {
				r.Source = prev.Source
			}
			s.records[pos] = r
			updated++
			continue
		}
		if pos, ok := pending[r.ID]; ok {
			r.Read = r.Read || added[pos].Read
			added[pos] = r
			continue
		}
		pending[r.ID] = len(added)
		added = append(added, r)
	}

	s.records = append(s.records, added...)
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].ArrivedAt > s.records[j].ArrivedAt
	})
	evicted := 0
	if len(s.records) > s.capacity {
		evicted = len(s.records) - s.capacity
		for _, r := range s.records[s.capacity:] {
			delete(pending, r.ID)
		}
		s.records = append([]notification.Record(nil), s.records[:s.capacity]...)
	}
	s.reindexLocked()

	// Records evicted in the same batch they arrived in are not announced.
	out := make([]notification.Record, 0, len(added))
	for _, r := range added {
		if _, ok := pending[r.ID]; ok {
			out = append(out, r)
		}
	}
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	src := ""
	if len(records) > 0 {
		src = string(records[0].Source)
	}
	s.bus.Publish(eventbus.Event{Topic: eventbus.TopicInboxInserted, Data: InsertedEvent{
		Added: len(out), Updated: updated, Evicted: evicted, Source: src,
	}})

	if len(out) > 0 {
		for _, l := range listeners {
			l(out)
		}
	}
	return out
}

func (s *Store) reindexLocked() {
	s.index = make(map[string]int, len(s.records))
	s.keys = map[string]string{}
	for i, r := range s.records {
		s.index[r.ID] = i
		for _, k := range r.EventKeys() {
			if _, ok := s.keys[k]; !ok {
				s.keys[k] = r.ID
			}
		}
	}
}

func (s *Store) findEventLocked(r notification.Record) (int, bool) {
	for _, k := range r.EventKeys() {
		id, ok := s.keys[k]
		if !ok {
			continue
		}
		if pos, ok := s.index[id]; ok && notification.SameEvent(s.records[pos], r) {
			return pos, true
		}
	}
	return 0, false
}

// MarkRead sets the read flag for id. It reports false if id is unknown.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.records[pos].Read = true
	return true
}

// Clear drops every record and resets the cursor and stats atomically.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = nil
	s.index = map[string]int{}
	s.keys = map[string]string{}
	s.cursor = 0
	s.stats = Stats{}
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Topic: eventbus.TopicInboxCleared})
}

// List returns a copy of the records, newest first.
func (s *Store) List() []notification.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Record(nil), s.records...)
}

func (s *Store) Get(id string) (notification.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[id]
	if !ok {
		return notification.Record{}, false
	}
	return s.records[pos], true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if !r.Read {
			n++
		}
	}
	return n
}

// Cursor is the arrival watermark used to bound poll requests.
func (s *Store) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// AdvanceCursor moves the cursor to ts if ts is newer. It never moves backwards.
func (s *Store) AdvanceCursor(ts int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.cursor {
		s.cursor = ts
	}
	return s.cursor
}

// NotePoll records a completed poll and the number of records it recovered.
func (s *Store) NotePoll(at time.Time, missed int) {
	s.mu.Lock()
	s.stats.LastPollAt = at
	if missed > 0 {
		s.stats.MissedCount += missed
	}
	s.mu.Unlock()
}

func (s *Store) NoteFallback(active bool) {
	s.mu.Lock()
	s.stats.FallbackActive = active
	s.mu.Unlock()
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
