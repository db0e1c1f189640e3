// Package store holds the normalized, de-duplicated records of every live
// group query, keyed by subscription key and then by entity id.
//
// Notes are stored under their event id and group metadata under the group
// id, so store[key][entityID] is the only shape. Writes come from the
// subscription registry's delivery path; everything else reads.
package store

import (
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync"

	"nostr-groups/internal/nip29"
)

type Store struct {
	buckets *xsync.MapOf[string, *bucket]
	logger  *slog.Logger

	// lifecycle serializes bucket creation and removal.
	lifecycle sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	watchers map[string]map[uint64]func()
}

// bucket is the record set of one subscription key, in first-insert order.
// A closed bucket drops every write.
type bucket struct {
	mu      sync.RWMutex
	closed  bool
	ids     []string
	records map[string]nip29.Record
}

func newBucket() *bucket {
	return &bucket{records: make(map[string]nip29.Record)}
}

func (b *bucket) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		buckets:  xsync.NewMapOf[*bucket](),
		logger:   logger,
		watchers: make(map[string]map[uint64]func()),
	}
}

// Writer writes the records of one subscription lifecycle. After Close, or
// once another lifecycle opens the same key, its writes are dropped.
type Writer struct {
	s   *Store
	key string
	b   *bucket
}

// Open starts a new lifecycle for key with an empty bucket, closing any
// bucket still held under key.
func (s *Store) Open(key string) *Writer {
	b := newBucket()

	s.lifecycle.Lock()
	old, ok := s.buckets.Load(key)
	s.buckets.Store(key, b)
	s.lifecycle.Unlock()

	if ok {
		old.close()
		s.notify(key)
	}
	return &Writer{s: s, key: key, b: b}
}

func (w *Writer) AddGroupNote(groupID string, note nip29.Note) {
	w.s.addGroupNote(w.b, w.key, groupID, note)
}

func (w *Writer) UpdateGroupMetadata(groupID string, md nip29.Metadata) {
	w.s.updateGroupMetadata(w.b, w.key, groupID, md)
}

// Close drops the lifecycle's records unless another lifecycle already
// replaced them.
func (w *Writer) Close() {
	w.s.lifecycle.Lock()
	cur, ok := w.s.buckets.Load(w.key)
	if ok && cur == w.b {
		w.s.buckets.Delete(w.key)
	}
	w.s.lifecycle.Unlock()

	w.b.close()
	if ok && cur == w.b {
		w.s.notify(w.key)
	}
}

// current returns the bucket under key, creating it if needed.
func (s *Store) current(key string) *bucket {
	if b, ok := s.buckets.Load(key); ok {
		return b
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if b, ok := s.buckets.Load(key); ok {
		return b
	}
	b := newBucket()
	s.buckets.Store(key, b)
	return b
}

// AddGroupNote inserts note under key, or replaces the record with the same
// id in place. groupID only scopes the log line; notes are not nested a
// second time under their group.
func (s *Store) AddGroupNote(key, groupID string, note nip29.Note) {
	s.addGroupNote(s.current(key), key, groupID, note)
}

func (s *Store) addGroupNote(b *bucket, key, groupID string, note nip29.Note) {
	if note.ID == "" {
		s.logger.Debug("dropping note without id", "key", key, "group", groupID)
		return
	}
	s.put(b, key, note.ID, note, nil)
}

// UpdateGroupMetadata fully replaces the metadata record of groupID under key.
// A kind 39000 event carries the whole tag set, so fields missing from md
// are cleared rather than kept. Updates older than the held record are
// ignored.
func (s *Store) UpdateGroupMetadata(key, groupID string, md nip29.Metadata) {
	s.updateGroupMetadata(s.current(key), key, groupID, md)
}

func (s *Store) updateGroupMetadata(b *bucket, key, groupID string, md nip29.Metadata) {
	s.put(b, key, groupID, md, func(old nip29.Record) bool {
		prev, ok := old.(nip29.Metadata)
		return !ok || md.CreatedAt >= prev.CreatedAt
	})
}

func (s *Store) put(b *bucket, key, id string, rec nip29.Record, accept func(old nip29.Record) bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.logger.Debug("dropping write to closed lifecycle", "key", key, "id", id)
		return
	}
	old, exists := b.records[id]
	if exists && accept != nil && !accept(old) {
		b.mu.Unlock()
		s.logger.Debug("ignoring stale record", "key", key, "id", id)
		return
	}
	if !exists {
		b.ids = append(b.ids, id)
	}
	b.records[id] = rec
	b.mu.Unlock()

	s.notify(key)
}

// Notes returns the notes under key in first-insert order, or nil.
func (s *Store) Notes(key string) []nip29.Note {
	b, ok := s.buckets.Load(key)
	if !ok {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var notes []nip29.Note
	for _, id := range b.ids {
		if note, ok := b.records[id].(nip29.Note); ok {
			notes = append(notes, note)
		}
	}
	return notes
}

func (s *Store) Metadata(key, groupID string) (nip29.Metadata, bool) {
	b, ok := s.buckets.Load(key)
	if !ok {
		return nip29.Metadata{}, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	md, ok := b.records[groupID].(nip29.Metadata)
	return md, ok
}

// Len is the number of records under key.
func (s *Store) Len(key string) int {
	b, ok := s.buckets.Load(key)
	if !ok {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

// Evict drops every record under key.
func (s *Store) Evict(key string) {
	s.lifecycle.Lock()
	b, loaded := s.buckets.LoadAndDelete(key)
	s.lifecycle.Unlock()

	if loaded {
		b.close()
		s.notify(key)
	}
}

// Reset empties the store, e.g. on logout.
func (s *Store) Reset() {
	var keys []string
	s.buckets.Range(func(key string, _ *bucket) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		s.Evict(key)
	}
}

// Watch calls fn after every write to key until cancel is called. fn runs on
// the writer's goroutine, outside any store lock.
func (s *Store) Watch(key string, fn func()) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[uint64]func())
	}
	s.watchers[key][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers[key], id)
			if len(s.watchers[key]) == 0 {
				delete(s.watchers, key)
			}
		})
	}
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.watchers[key]))
	for _, fn := range s.watchers[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
