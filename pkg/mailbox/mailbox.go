// Package mailbox carries point-to-point queries between cluster peers. Each
// peer listens on the mailbox subject advertised in its business card.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Query kinds understood by every peer.
const (
	KindLogs     = "logs"
	KindProgress = "progress"
)

// ErrLostContact is returned when a peer's mailbox cannot be reached.
var ErrLostContact = errors.New("lost contact with peer")

// Request is one query addressed to a peer.
type Request struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply carries either a result or the error the peer's handler returned.
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemoteError is a handler error reported back by a peer.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

// Transport sends a request to a mailbox and waits for its reply.
type Transport interface {
	Request(ctx context.Context, mailbox string, req Request) (json.RawMessage, error)
}

// Handler answers one kind of query.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Mux routes requests to handlers by kind.
type Mux struct {
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewMux(logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{handlers: make(map[string]Handler), logger: logger.Named("mailbox")}
}

// Handle registers h for kind, replacing any earlier handler.
func (m *Mux) Handle(kind string, h Handler) { m.handlers[kind] = h }

// Dispatch runs the handler for req and packages its outcome.
func (m *Mux) Dispatch(ctx context.Context, req Request) Reply {
	h, ok := m.handlers[req.Kind]
	if !ok {
		return Reply{Error: fmt.Sprintf("unknown query kind %q", req.Kind)}
	}
	v, err := h(ctx, req.Args)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	b, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("reply encoding failed", zap.String("kind", req.Kind), zap.Error(err))
		return Reply{Error: "reply encoding failed"}
	}
	return Reply{Result: b}
}

func unpack(data []byte) (json.RawMessage, error) {
	var rep Reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("mailbox: malformed reply: %w", err)
	}
	if rep.Error != "" {
		return nil, &RemoteError{Msg: rep.Error}
	}
	return rep.Result, nil
}

// Local delivers requests to muxes registered in the same process.
type Local struct {
	boxes map[string]*Mux
}

func NewLocal() *Local { return &Local{boxes: make(map[string]*Mux)} }

// Bind makes mux reachable at mailbox. Bind before use; Local is not safe
// for concurrent Bind and Request.
func (l *Local) Bind(mailbox string, mux *Mux) { l.boxes[mailbox] = mux }

func (l *Local) Request(ctx context.Context, mailbox string, req Request) (json.RawMessage, error) {
	mux, ok := l.boxes[mailbox]
	if !ok {
		return nil, fmt.Errorf("mailbox %q: %w", mailbox, ErrLostContact)
	}
	type result struct {
		b   []byte
		err error
	}
	out := make(chan result, 1)
	go func() {
		// round-trip through JSON so local and remote peers behave alike
		b, err := json.Marshal(mux.Dispatch(ctx, req))
		out <- result{b, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-out:
		if r.err != nil {
			return nil, r.err
		}
		return unpack(r.b)
	}
}
