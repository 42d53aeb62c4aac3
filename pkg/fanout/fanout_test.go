package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
	"github.com/ryandielhenn/zephyradmin/pkg/directory"
	"github.com/ryandielhenn/zephyradmin/pkg/logstore"
	"github.com/ryandielhenn/zephyradmin/pkg/mailbox"
	"github.com/ryandielhenn/zephyradmin/pkg/progress"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// scripted answers each mailbox with a canned behaviour.
type scripted struct {
	answers map[string]func(ctx context.Context, req mailbox.Request) (json.RawMessage, error)
	calls   atomic.Int32
	last    atomic.Value // mailbox.Request
}

func (s *scripted) Request(ctx context.Context, box string, req mailbox.Request) (json.RawMessage, error) {
	s.calls.Add(1)
	s.last.Store(req)
	f, ok := s.answers[box]
	if !ok {
		return nil, fmt.Errorf("mailbox %q: %w", box, mailbox.ErrLostContact)
	}
	return f(ctx, req)
}

func answer(v string) func(context.Context, mailbox.Request) (json.RawMessage, error) {
	return func(context.Context, mailbox.Request) (json.RawMessage, error) {
		return json.RawMessage(v), nil
	}
}

func blockUntilDone(ctx context.Context, _ mailbox.Request) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func peer(name string) directory.Peer {
	return directory.Peer{ID: uuid.New(), Name: name, Mailbox: "mbox-" + name}
}

func decode(t *testing.T, resp *wire.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	return out
}

func TestGatherIsFullBarrier(t *testing.T) {
	p1, p2, p3 := peer("one"), peer("two"), peer("three")
	tr := &scripted{answers: map[string]func(context.Context, mailbox.Request) (json.RawMessage, error){
		p1.Mailbox: answer(`["a"]`),
		p2.Mailbox: blockUntilDone,
		p3.Mailbox: answer(`["c"]`),
	}}
	timeout := 50 * time.Millisecond

	start := time.Now()
	out, err := Gather(context.Background(), tr, []directory.Peer{p1, p2, p3}, timeout, mailbox.Request{Kind: mailbox.KindLogs})
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, out, 3)
	assert.Equal(t, Timeout, out[p2.ID.String()])
	assert.JSONEq(t, `["a"]`, string(out[p1.ID.String()].(json.RawMessage)))
	assert.JSONEq(t, `["c"]`, string(out[p3.ID.String()].(json.RawMessage)))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.EqualValues(t, 3, tr.calls.Load())
}

func TestGatherRecordsFailuresAsStrings(t *testing.T) {
	gone, failing, silent := peer("gone"), peer("failing"), peer("silent")
	tr := &scripted{answers: map[string]func(context.Context, mailbox.Request) (json.RawMessage, error){
		failing.Mailbox: func(context.Context, mailbox.Request) (json.RawMessage, error) {
			return nil, &mailbox.RemoteError{Msg: "backfiller not found"}
		},
		silent.Mailbox: answer(""),
	}}

	out, err := Gather(context.Background(), tr, []directory.Peer{gone, failing, silent}, time.Second, mailbox.Request{Kind: mailbox.KindProgress})
	require.NoError(t, err)
	assert.Equal(t, LostContact, out[gone.ID.String()])
	assert.Equal(t, "backfiller not found", out[failing.ID.String()])
	v, ok := out[silent.ID.String()]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestGatherParentCancelDiscardsResults(t *testing.T) {
	fast, slow := peer("fast"), peer("slow")
	tr := &scripted{answers: map[string]func(context.Context, mailbox.Request) (json.RawMessage, error){
		fast.Mailbox: answer(`1`),
		slow.Mailbox: blockUntilDone,
	}}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out, err := Gather(ctx, tr, []directory.Peer{fast, slow}, time.Minute, mailbox.Request{Kind: mailbox.KindLogs})
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, apierr.IsCancellation(err))
}

func TestGatherNoPeers(t *testing.T) {
	out, err := Gather(context.Background(), &scripted{}, nil, 0, mailbox.Request{Kind: mailbox.KindLogs})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func get(path string, query map[string]string) *wire.Request {
	if query == nil {
		query = map[string]string{}
	}
	return &wire.Request{Method: wire.MethodGet, Path: wire.MustPath(path), Query: query, Header: wire.Header{}}
}

func TestLogsAppEndToEnd(t *testing.T) {
	a, b := peer("a"), peer("b")
	local := mailbox.NewLocal()
	for i, p := range []directory.Peer{a, b} {
		store := logstore.NewStore(1<<20, 0)
		base := time.Unix(1700000000, 0)
		for j := 0; j < 3; j++ {
			store.Append(logstore.Entry{Time: base.Add(time.Duration(j) * time.Second), Level: "info", Message: fmt.Sprintf("%d-%d", i, j)})
		}
		mux := mailbox.NewMux(zap.NewNop())
		mux.Handle(mailbox.KindLogs, store.HandleQuery)
		local.Bind(p.Mailbox, mux)
	}
	app := NewLogsApp(directory.New(a, b), local, time.Second)

	resp, err := app.Handle(context.Background(), get("/_", map[string]string{"max_length": "2"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	out := decode(t, resp)
	require.Len(t, out, 2)
	lines := out[a.ID.String()].([]any)
	require.Len(t, lines, 2)
	assert.Equal(t, "0-1", lines[0].(map[string]any)["message"])
	assert.Equal(t, "0-2", lines[1].(map[string]any)["message"])

	resp, err = app.Handle(context.Background(), get("/"+b.ID.String(), map[string]string{"min_timestamp": "1700000002"}))
	require.NoError(t, err)
	out = decode(t, resp)
	require.Len(t, out, 1)
	lines = out[b.ID.String()].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, "1-2", lines[0].(map[string]any)["message"])

	resp, err = app.Handle(context.Background(), get("/"+a.ID.String()+"+"+b.ID.String(), nil))
	require.NoError(t, err)
	assert.Len(t, decode(t, resp), 2)
}

func TestLogsAppForwardsQuery(t *testing.T) {
	a := peer("a")
	tr := &scripted{answers: map[string]func(context.Context, mailbox.Request) (json.RawMessage, error){
		a.Mailbox: answer(`[]`),
	}}
	app := NewLogsApp(directory.New(a), tr, time.Second)

	_, err := app.Handle(context.Background(), get("/", map[string]string{
		"max_length":    "7",
		"min_timestamp": "10.5",
		"max_timestamp": "20",
	}))
	require.NoError(t, err)

	sent := tr.last.Load().(mailbox.Request)
	assert.Equal(t, mailbox.KindLogs, sent.Kind)
	var q logstore.Query
	require.NoError(t, json.Unmarshal(sent.Args, &q))
	assert.Equal(t, 7, q.MaxLength)
	assert.True(t, q.Min.Equal(time.Unix(10, 500000000)))
	assert.True(t, q.Max.Equal(time.Unix(20, 0)))
}

func TestLogsAppRejects(t *testing.T) {
	a := peer("a")
	tr := &scripted{}
	app := NewLogsApp(directory.New(a), tr, time.Second)

	tests := []struct {
		name  string
		req   *wire.Request
		class apierr.Kind
	}{
		{"negative max_length", get("/_", map[string]string{"max_length": "-1"}), apierr.BadRequest},
		{"non-numeric max_length", get("/_", map[string]string{"max_length": "lots"}), apierr.BadRequest},
		{"bad min_timestamp", get("/_", map[string]string{"min_timestamp": "yesterday"}), apierr.BadRequest},
		{"bad max_timestamp", get("/_", map[string]string{"max_timestamp": "1.2.3"}), apierr.BadRequest},
		{"bad peer id", get("/not-a-uuid", nil), apierr.NotFound},
		{"unknown peer", get("/"+uuid.NewString(), nil), apierr.NotFound},
		{"one bad peer among many", get("/"+a.ID.String()+"+"+uuid.NewString(), nil), apierr.NotFound},
		{"too deep", get("/_/extra", nil), apierr.NotFound},
		{"post", &wire.Request{Method: wire.MethodPost, Path: wire.MustPath("/_")}, apierr.MethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := app.Handle(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.class, apierr.KindOf(err))
		})
	}
	assert.Zero(t, tr.calls.Load())
}

func TestProgressApp(t *testing.T) {
	a, b := peer("a"), peer("b")
	res := uuid.New()
	local := mailbox.NewLocal()

	ta := progress.NewTracker()
	ta.Update(res, "table-copy", 0.5)
	mux := mailbox.NewMux(zap.NewNop())
	mux.Handle(mailbox.KindProgress, ta.HandleQuery)
	local.Bind(a.Mailbox, mux)

	mux = mailbox.NewMux(zap.NewNop())
	mux.Handle(mailbox.KindProgress, progress.NewTracker().HandleQuery)
	local.Bind(b.Mailbox, mux)

	app := NewProgressApp(directory.New(a, b), local, time.Second)

	resp, err := app.Handle(context.Background(), get("/_/"+res.String(), nil))
	require.NoError(t, err)
	out := decode(t, resp)
	assert.Equal(t, map[string]any{res.String(): map[string]any{"table-copy": 0.5}}, out[a.ID.String()])
	assert.Equal(t, map[string]any{res.String(): "backfiller not found"}, out[b.ID.String()])

	resp, err = app.Handle(context.Background(), get("/"+a.ID.String(), nil))
	require.NoError(t, err)
	out = decode(t, resp)
	require.Len(t, out, 1)
	assert.Equal(t, map[string]any{res.String(): map[string]any{"table-copy": 0.5}}, out[a.ID.String()])

	for _, path := range []string{"/" + a.ID.String() + "+" + b.ID.String(), "/_/nope", "/_/_/_"} {
		_, err = app.Handle(context.Background(), get(path, nil))
		assert.True(t, apierr.Is(err, apierr.NotFound), path)
	}
}

func TestProgressAppTimesOut(t *testing.T) {
	a := peer("a")
	tr := &scripted{answers: map[string]func(context.Context, mailbox.Request) (json.RawMessage, error){
		a.Mailbox: blockUntilDone,
	}}
	app := NewProgressApp(directory.New(a), tr, 10*time.Millisecond)

	resp, err := app.Handle(context.Background(), get("/_/_", nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{a.ID.String(): Timeout}, decode(t, resp))
}
