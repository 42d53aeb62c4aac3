package fanout

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
	"github.com/ryandielhenn/zephyradmin/pkg/directory"
	"github.com/ryandielhenn/zephyradmin/pkg/logstore"
	"github.com/ryandielhenn/zephyradmin/pkg/mailbox"
	"github.com/ryandielhenn/zephyradmin/pkg/progress"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// Wildcard selects every known peer or resource.
const Wildcard = "_"

// LogsApp serves /<peer-id>[+<peer-id>...]|_ with the query parameters
// max_length, min_timestamp and max_timestamp.
type LogsApp struct {
	dir     *directory.Directory
	tr      mailbox.Transport
	timeout time.Duration
}

func NewLogsApp(dir *directory.Directory, tr mailbox.Transport, timeout time.Duration) *LogsApp {
	return &LogsApp{dir: dir, tr: tr, timeout: timeout}
}

func (a *LogsApp) Handle(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if err := readOnly(req); err != nil {
		return nil, err
	}
	if req.Path.Len() > 1 {
		return nil, apierr.New(apierr.NotFound, "no resource at %s", req.Path.String())
	}
	seg, _ := req.Path.Head()
	peers, err := selectPeers(a.dir.Snapshot(), seg, true)
	if err != nil {
		return nil, err
	}
	q, err := parseLogQuery(req.Query)
	if err != nil {
		return nil, err
	}
	args, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}

	out, err := Gather(ctx, a.tr, peers, a.timeout, mailbox.Request{Kind: mailbox.KindLogs, Args: args})
	if err != nil {
		return nil, err
	}
	return wire.JSONResponse(out)
}

func parseLogQuery(params map[string]string) (logstore.Query, error) {
	var q logstore.Query
	if s, ok := params["max_length"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, apierr.New(apierr.BadRequest, "max_length must be a non-negative integer, got %q", s)
		}
		q.MaxLength = n
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"min_timestamp", &q.Min}, {"max_timestamp", &q.Max}} {
		s, ok := params[p.name]
		if !ok {
			continue
		}
		t, err := logstore.ParseTimestamp(s)
		if err != nil {
			return q, apierr.Wrap(apierr.BadRequest, err, p.name)
		}
		*p.dst = t
	}
	return q, nil
}

// ProgressApp serves /<peer-id>|_/<resource-id>|_.
type ProgressApp struct {
	dir     *directory.Directory
	tr      mailbox.Transport
	timeout time.Duration
}

func NewProgressApp(dir *directory.Directory, tr mailbox.Transport, timeout time.Duration) *ProgressApp {
	return &ProgressApp{dir: dir, tr: tr, timeout: timeout}
}

func (a *ProgressApp) Handle(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if err := readOnly(req); err != nil {
		return nil, err
	}
	segs := req.Path.Segments()
	if len(segs) > 2 {
		return nil, apierr.New(apierr.NotFound, "no resource at %s", req.Path.String())
	}
	var peerSeg, resSeg string
	if len(segs) > 0 {
		peerSeg = segs[0]
	}
	if len(segs) > 1 {
		resSeg = segs[1]
	}
	peers, err := selectPeers(a.dir.Snapshot(), peerSeg, false)
	if err != nil {
		return nil, err
	}
	var q progress.Query
	if resSeg != "" && resSeg != Wildcard {
		id, err := uuid.Parse(resSeg)
		if err != nil {
			return nil, apierr.New(apierr.NotFound, "bad resource id %q", resSeg)
		}
		q.Resource = &id
	}
	args, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}

	out, err := Gather(ctx, a.tr, peers, a.timeout, mailbox.Request{Kind: mailbox.KindProgress, Args: args})
	if err != nil {
		return nil, err
	}
	if q.Resource != nil {
		// nest each peer's answer under the resource it is about
		res := q.Resource.String()
		for id, v := range out {
			out[id] = map[string]any{res: v}
		}
	}
	return wire.JSONResponse(out)
}

func readOnly(req *wire.Request) error {
	if req.Method != wire.MethodGet && req.Method != wire.MethodHead {
		return apierr.New(apierr.MethodNotAllowed, "%s not allowed here", req.Method)
	}
	return nil
}

// selectPeers resolves a peer segment: empty or the wildcard select every
// peer in snap; otherwise each id must parse and name a known peer. With
// multi set the segment may list several '+'-separated ids.
func selectPeers(snap directory.Snapshot, seg string, multi bool) ([]directory.Peer, error) {
	if seg == "" || seg == Wildcard {
		peers := make([]directory.Peer, 0, len(snap))
		for _, p := range snap {
			peers = append(peers, p)
		}
		sort.Slice(peers, func(i, j int) bool { return peers[i].ID.String() < peers[j].ID.String() })
		return peers, nil
	}
	ids := []string{seg}
	if multi {
		ids = strings.Split(seg, "+")
	}
	var peers []directory.Peer
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, apierr.New(apierr.NotFound, "bad peer id %q", s)
		}
		p, ok := snap[id]
		if !ok {
			return nil, apierr.New(apierr.NotFound, "no reachable peer %s", id)
		}
		if !seen[id] {
			seen[id] = true
			peers = append(peers, p)
		}
	}
	return peers, nil
}
