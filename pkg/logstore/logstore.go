// Package logstore retains this node's recent log lines in memory so peers
// can read them through the log fan-out.
package logstore

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry is one retained log line.
type Entry struct {
	Time    time.Time      `json:"-"`
	Level   string         `json:"level"`
	Logger  string         `json:"logger,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		plain
	}{FormatTimestamp(e.Time), plain(e)})
}

func (e *Entry) size() int {
	n := len(e.Level) + len(e.Logger) + len(e.Message) + 32
	if len(e.Fields) > 0 {
		if b, err := json.Marshal(e.Fields); err == nil {
			n += len(b)
		}
	}
	return n
}

// Store is a bounded in-memory log buffer. The oldest lines are evicted once
// the retained bytes exceed capacity; lines older than maxAge are dropped
// on read.
type Store struct {
	mu     sync.RWMutex
	ll     *list.List // front is newest
	used   int
	cap    int
	maxAge time.Duration
	now    func() time.Time
}

// NewStore returns a store retaining up to capacityBytes of log lines. A
// zero maxAge keeps lines until they are evicted for space.
func NewStore(capacityBytes int, maxAge time.Duration) *Store {
	return &Store{
		ll:     list.New(),
		cap:    capacityBytes,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Append retains e.
func (s *Store) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = s.now()
	}
	s.ll.PushFront(&e)
	s.used += e.size()
	s.evictIfNeeded()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ll.Len()
}

// Query selects retained lines. Zero bounds are open.
type Query struct {
	MaxLength int       `json:"max_length,omitempty"`
	Min       time.Time `json:"min_timestamp"`
	Max       time.Time `json:"max_timestamp"`
}

// Read returns the matching lines oldest first. With MaxLength set only the
// newest MaxLength matches are returned.
func (s *Store) Read(q Query) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire()

	out := make([]Entry, 0)
	for el := s.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if !q.Max.IsZero() && e.Time.After(q.Max) {
			continue
		}
		if !q.Min.IsZero() && e.Time.Before(q.Min) {
			break
		}
		out = append(out, *e)
		if q.MaxLength > 0 && len(out) == q.MaxLength {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// HandleQuery answers a log query arriving over the mailbox.
func (s *Store) HandleQuery(_ context.Context, args json.RawMessage) (any, error) {
	var q Query
	if len(args) > 0 {
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, fmt.Errorf("bad log query: %w", err)
		}
	}
	return s.Read(q), nil
}

func (s *Store) expire() {
	if s.maxAge <= 0 {
		return
	}
	cutoff := s.now().Add(-s.maxAge)
	for el := s.ll.Back(); el != nil && el.Value.(*Entry).Time.Before(cutoff); el = s.ll.Back() {
		s.removeElement(el)
	}
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*Entry)
	s.used -= e.size()
	s.ll.Remove(el)
}

// FormatTimestamp renders t as seconds.nanoseconds since the epoch.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

// ParseTimestamp parses seconds[.fraction] since the epoch with up to
// nanosecond precision.
func ParseTimestamp(s string) (time.Time, error) {
	secPart, fracPart, hasFrac := strings.Cut(s, ".")
	if secPart == "" || (hasFrac && (fracPart == "" || len(fracPart) > 9)) {
		return time.Time{}, fmt.Errorf("malformed timestamp %q", s)
	}
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, fmt.Errorf("malformed timestamp %q", s)
	}
	var nsec int64
	if hasFrac {
		for _, c := range fracPart {
			if c < '0' || c > '9' {
				return time.Time{}, fmt.Errorf("malformed timestamp %q", s)
			}
		}
		nsec, _ = strconv.ParseInt(fracPart+strings.Repeat("0", 9-len(fracPart)), 10, 64)
	}
	return time.Unix(sec, nsec).UTC(), nil
}
