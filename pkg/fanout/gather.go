// Package fanout answers telemetry queries by asking every selected peer
// through its mailbox and collecting the answers under a full barrier.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyradmin/internal/telemetry"
	"github.com/ryandielhenn/zephyradmin/pkg/directory"
	"github.com/ryandielhenn/zephyradmin/pkg/mailbox"
)

// Markers recorded in place of a peer's answer.
const (
	Timeout     = "Timeout"
	LostContact = "lost contact with peer"
)

// DefaultTimeout is the per-peer timeout used when none is configured.
const DefaultTimeout = 5 * time.Second

// Gather sends req to every peer and waits until each one has answered,
// failed, or run out its own timeout. Answers are raw JSON; failures are
// recorded as descriptive strings. If ctx ends first the partial results
// are discarded and ctx's error is returned.
func Gather(ctx context.Context, tr mailbox.Transport, peers []directory.Peer, timeout time.Duration, req mailbox.Request) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	results := make([]any, len(peers))
	var g errgroup.Group
	for i, p := range peers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			out, err := tr.Request(pctx, p.Mailbox, req)
			results[i] = outcome(pctx, out, err)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(peers))
	for i, p := range peers {
		merged[p.ID.String()] = results[i]
		telemetry.ObserveFanout(req.Kind, label(results[i]))
	}
	return merged, nil
}

func outcome(pctx context.Context, out json.RawMessage, err error) any {
	var remote *mailbox.RemoteError
	switch {
	case err == nil:
		if len(out) == 0 {
			return nil
		}
		return out
	case errors.Is(err, context.DeadlineExceeded), errors.Is(pctx.Err(), context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, mailbox.ErrLostContact):
		return LostContact
	case errors.As(err, &remote):
		return remote.Msg
	default:
		return err.Error()
	}
}

func label(v any) string {
	switch v {
	case Timeout:
		return "timeout"
	case LostContact:
		return "lost"
	}
	if _, ok := v.(string); ok {
		return "error"
	}
	return "ok"
}
