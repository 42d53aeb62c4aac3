package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NATS sends requests over NATS request/reply. Each mailbox gets its own
// circuit breaker so an unreachable peer fails fast instead of costing every
// query its full timeout.
type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewNATS(conn *nats.Conn, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{conn: conn, logger: logger.Named("mailbox"), breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (n *NATS) breaker(mailbox string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cb, ok := n.breakers[mailbox]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        mailbox,
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		// the caller going away says nothing about the peer
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, context.Canceled) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Info("mailbox breaker state changed",
				zap.String("mailbox", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	n.breakers[mailbox] = cb
	return cb
}

func (n *NATS) Request(ctx context.Context, mailbox string, req Request) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mailbox.NATS.Request: encode failed: %w", err)
	}
	out, err := n.breaker(mailbox).Execute(func() (interface{}, error) {
		msg, err := n.conn.RequestWithContext(ctx, mailbox, payload)
		if err != nil {
			return nil, err
		}
		return msg.Data, nil
	})
	switch {
	case err == nil:
		return unpack(out.([]byte))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrConnectionClosed):
		return nil, fmt.Errorf("mailbox %q: %v: %w", mailbox, err, ErrLostContact)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("mailbox.NATS.Request: %s failed: %w", mailbox, err)
	}
}

// Serve answers requests arriving at mailbox with mux until ctx ends.
func Serve(ctx context.Context, conn *nats.Conn, mailbox string, mux *Mux) error {
	sub, err := conn.Subscribe(mailbox, func(msg *nats.Msg) {
		var req Request
		var rep Reply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			rep = Reply{Error: "malformed request"}
		} else {
			rep = mux.Dispatch(ctx, req)
		}
		b, err := json.Marshal(rep)
		if err != nil {
			mux.logger.Error("reply encoding failed", zap.Error(err))
			return
		}
		if err := msg.Respond(b); err != nil {
			mux.logger.Warn("reply failed", zap.String("mailbox", mailbox), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("mailbox.Serve: subscribe %s failed: %w", mailbox, err)
	}
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("mailbox.Serve: unsubscribe failed: %w", err)
	}
	return ctx.Err()
}
