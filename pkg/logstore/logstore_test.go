package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func at(sec int, msg string) Entry {
	return Entry{Time: t0.Add(time.Duration(sec) * time.Second), Level: "info", Message: msg}
}

func messages(es []Entry) string {
	var parts []string
	for _, e := range es {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, ",")
}

func TestAppendRead_OldestFirst(t *testing.T) {
	s := NewStore(1<<20, 0)
	for i, m := range []string{"a", "b", "c"} {
		s.Append(at(i, m))
	}
	if got := s.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	if got := messages(s.Read(Query{})); got != "a,b,c" {
		t.Fatalf("Read = %q, want a,b,c", got)
	}
}

func TestReadBoundsAndMaxLength(t *testing.T) {
	s := NewStore(1<<20, 0)
	for i := range 10 {
		s.Append(at(i, fmt.Sprint(i)))
	}

	cases := []struct {
		name string
		q    Query
		want string
	}{
		{"max length keeps newest", Query{MaxLength: 3}, "7,8,9"},
		{"min bound inclusive", Query{Min: t0.Add(8 * time.Second)}, "8,9"},
		{"max bound inclusive", Query{Max: t0.Add(1 * time.Second)}, "0,1"},
		{"window", Query{Min: t0.Add(3 * time.Second), Max: t0.Add(6 * time.Second), MaxLength: 2}, "5,6"},
		{"empty window", Query{Min: t0.Add(20 * time.Second)}, ""},
	}
	for _, c := range cases {
		if got := messages(s.Read(c.q)); got != c.want {
			t.Fatalf("%s: Read = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestEvictionByCapacity_OldestFirst(t *testing.T) {
	one := at(0, strings.Repeat("x", 40))
	s := NewStore(3*one.size(), 0)

	s.Append(at(0, strings.Repeat("a", 40)))
	s.Append(at(1, strings.Repeat("b", 40)))
	s.Append(at(2, strings.Repeat("c", 40)))
	if s.Len() != 3 {
		t.Fatalf("precondition: Len = %d, want 3", s.Len())
	}
	s.Append(at(3, strings.Repeat("d", 40)))

	got := s.Read(Query{})
	if len(got) != 3 || got[0].Message[0] != 'b' || got[2].Message[0] != 'd' {
		t.Fatalf("expected a to be evicted, got %q", messages(got))
	}
}

func TestMaxAgeExpiry(t *testing.T) {
	s := NewStore(1<<20, time.Minute)
	now := t0
	s.now = func() time.Time { return now }

	s.Append(at(0, "old"))
	s.Append(at(50, "new"))
	now = t0.Add(90 * time.Second)

	if got := messages(s.Read(Query{})); got != "new" {
		t.Fatalf("Read after expiry = %q, want new", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len after expiry = %d, want 1", s.Len())
	}
}

func TestConcurrentAppendRead_NoRaces(t *testing.T) {
	s := NewStore(1<<16, 0)
	var wg sync.WaitGroup
	const G = 16
	const N = 500
	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				s.Append(Entry{Level: "info", Message: fmt.Sprintf("g%d-%d", gid, i)})
				if i%10 == 0 {
					_ = s.Read(Query{MaxLength: 5})
				}
			}
		}(gid)
	}
	wg.Wait()
	if s.Len() == 0 {
		t.Fatal("store empty after concurrent appends")
	}
}

func TestTimestamps(t *testing.T) {
	ok := map[string]time.Time{
		"1700000000":           t0,
		"1700000000.5":         t0.Add(500 * time.Millisecond),
		"1700000000.000000001": t0.Add(1),
		"1700000000.123456789": t0.Add(123456789),
	}
	for in, want := range ok {
		got, err := ParseTimestamp(in)
		if err != nil || !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, in := range []string{"", ".5", "1.", "1.1234567890", "-1.0", "1.2x", "abc"} {
		if _, err := ParseTimestamp(in); err == nil {
			t.Fatalf("ParseTimestamp(%q) succeeded, want error", in)
		}
	}
	if got := FormatTimestamp(t0.Add(1500 * time.Millisecond)); got != "1700000001.500000000" {
		t.Fatalf("FormatTimestamp = %q", got)
	}
}

func TestEntryJSON(t *testing.T) {
	b, err := json.Marshal(Entry{Time: t0, Level: "warn", Logger: "wire", Message: "hi", Fields: map[string]any{"n": 1}})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["timestamp"] != "1700000000.000000000" || got["level"] != "warn" || got["logger"] != "wire" || got["message"] != "hi" {
		t.Fatalf("unexpected entry JSON %s", b)
	}
}

func TestHandleQuery(t *testing.T) {
	s := NewStore(1<<20, 0)
	s.Append(at(0, "a"))
	s.Append(at(1, "b"))

	args, _ := json.Marshal(Query{MaxLength: 1})
	v, err := s.HandleQuery(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if got := messages(v.([]Entry)); got != "b" {
		t.Fatalf("HandleQuery = %q, want b", got)
	}
	if _, err := s.HandleQuery(context.Background(), json.RawMessage(`{`)); err == nil {
		t.Fatal("malformed query accepted")
	}
}

func TestCoreRetainsLogs(t *testing.T) {
	s := NewStore(1<<20, 0)
	logger := zap.New(NewCore(s, zapcore.InfoLevel)).Named("wire").With(zap.String("conn", "c1"))

	logger.Debug("dropped")
	logger.Info("accepted", zap.Int("n", 2))

	got := s.Read(Query{})
	if len(got) != 1 {
		t.Fatalf("retained %d entries, want 1", len(got))
	}
	e := got[0]
	if e.Message != "accepted" || e.Logger != "wire" || e.Level != "info" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Fields["conn"] != "c1" || e.Fields["n"] != int64(2) {
		t.Fatalf("unexpected fields %v", e.Fields)
	}
}
