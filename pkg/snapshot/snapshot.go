package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultMaxEntries is the history length used by New when maxEntries is not positive.
const DefaultMaxEntries = 100

var ErrNotObject = errors.New("snapshot must be a JSON object")

// Entry is one recorded payload.
type Entry struct {
	ID         string
	ReceivedAt time.Time
	Fields     map[string]json.RawMessage
}

// DetectionCount returns the number of elements in the entry's detections array, or zero if it
// is missing or malformed.
func (e *Entry) DetectionCount() int {
	raw, ok := e.Fields["detections"]
	if !ok {
		return 0
	}
	var detections []json.RawMessage
	if err := json.Unmarshal(raw, &detections); err != nil {
		return 0
	}
	return len(detections)
}

// MarshalJSON renders the producer's fields plus "id" and "received_at" (Unix seconds).
func (e *Entry) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		fields[k] = v
	}
	if e.ID != "" {
		fields["id"] = e.ID
	}
	fields["received_at"] = e.ReceivedUnix()
	return json.Marshal(fields)
}

// ReceivedUnix returns ReceivedAt in fractional Unix seconds, or zero if unset.
func (e *Entry) ReceivedUnix() float64 {
	if e.ReceivedAt.IsZero() {
		return 0
	}
	return float64(e.ReceivedAt.Unix()) + float64(e.ReceivedAt.Nanosecond())/float64(time.Second)
}

// Store holds the latest Entry and a bounded history. It is safe for concurrent use.
type Store struct {
	MaxEntries int

	lock    sync.Mutex
	latest  *Entry
	history []*Entry
}

// New returns a Store that keeps up to maxEntries entries of history.
func New(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{MaxEntries: maxEntries}
}

// Put records body, which must be a JSON object, as the latest entry. The oldest history entry is
// evicted once MaxEntries is reached.
func (s *Store) Put(id string, body []byte, receivedAt time.Time) (*Entry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotObject, err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	entry := &Entry{ID: id, ReceivedAt: receivedAt, Fields: fields}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.latest = entry
	s.history = append(s.history, entry)
	if over := len(s.history) - s.MaxEntries; s.MaxEntries > 0 && over > 0 {
		s.history = append([]*Entry(nil), s.history[over:]...)
	}
	return entry, nil
}

// Latest returns the most recent entry.
func (s *Store) Latest() (*Entry, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.latest, s.latest != nil
}

// DetectionCount returns the number of detections in the latest entry.
func (s *Store) DetectionCount() int {
	if latest, ok := s.Latest(); ok {
		return latest.DetectionCount()
	}
	return 0
}

// History returns the recorded entries, oldest first.
func (s *Store) History() []*Entry {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*Entry(nil), s.history...)
}

// Clear removes the latest entry and the history.
func (s *Store) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.latest = nil
	s.history = nil
}

// Export writes the history to w as {"history": [...]}.
func (s *Store) Export(w io.Writer) error {
	history := s.History()
	if history == nil {
		history = []*Entry{}
	}
	return json.NewEncoder(w).Encode(struct {
		History []*Entry `json:"history"`
	}{history})
}
