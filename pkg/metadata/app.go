package metadata

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyradmin/pkg/adapter"
	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// DefaultMaxRetries bounds how often a mutation is replayed after losing a
// commit race on unrelated fields.
const DefaultMaxRetries = 3

type Config struct {
	// Actor is stamped onto every field this node changes.
	Actor      string
	MaxRetries int
	Validator  Validator
	Clock      func() time.Time
}

// App serves the configuration held by a Store.
type App struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

func NewApp(store Store, cfg Config, logger *zap.Logger) *App {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Validator == nil {
		cfg.Validator = DefaultValidator
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{store: store, cfg: cfg, logger: logger.Named("metadata")}
}

// Handle implements wire.App. GET reads the latest snapshot; POST, PUT and
// DELETE go through validation and a conditional commit.
func (a *App) Handle(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	switch req.Method {
	case wire.MethodGet, wire.MethodHead:
		snap, err := a.store.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		v, err := render(snap.Config, req.Path)
		if err != nil {
			return nil, err
		}
		return wire.JSONResponse(v)
	case wire.MethodPost, wire.MethodPut:
		if !isJSON(req.Header.Get("content-type")) {
			return nil, apierr.New(apierr.UnsupportedMediaType, "expected Content-Type: application/json")
		}
	case wire.MethodDelete:
	default:
		return nil, apierr.New(apierr.MethodNotAllowed, "%s not allowed here", req.Method)
	}

	next, err := a.mutate(ctx, req)
	if err != nil {
		return nil, err
	}
	v, err := render(next, req.Path)
	if apierr.Is(err, apierr.Gone) || apierr.Is(err, apierr.NotFound) || (err == nil && v == nil) {
		return wire.NewResponse(http.StatusNoContent), nil
	}
	if err != nil {
		return nil, err
	}
	return wire.JSONResponse(v)
}

// RootJSON implements route.JSONApp.
func (a *App) RootJSON(ctx context.Context) (any, error) {
	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return render(snap.Config, wire.Path{})
}

func (a *App) mutate(ctx context.Context, req *wire.Request) (*Cluster, error) {
	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	hint := Hint{Method: req.Method, Path: req.Path}
	for attempt := 0; ; attempt++ {
		next, err := snap.Config.Clone()
		if err != nil {
			return nil, err
		}
		if err := a.apply(snap.Config, next, req); err != nil {
			return nil, err
		}
		if err := a.cfg.Validator(ctx, next, hint); err != nil {
			var ae *apierr.Error
			if !errors.As(err, &ae) && !apierr.IsCancellation(err) {
				err = apierr.Wrap(apierr.ValidationFailed, err, "validation failed")
			}
			return nil, err
		}

		rev, err := a.store.Commit(ctx, snap.Revision, next)
		if err == nil {
			a.logger.Info("configuration committed",
				zap.String("method", string(req.Method)),
				zap.String("path", req.Path.String()),
				zap.Int64("revision", rev))
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		latest, err := a.store.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if raced := concurrentWrites(snap.Config, next, latest.Config); len(raced) > 0 {
			return nil, apierr.New(apierr.ConcurrentWrite,
				"%s was changed concurrently; re-read and retry", raced[0])
		}
		if attempt+1 >= a.cfg.MaxRetries {
			return nil, apierr.New(apierr.ConcurrentWrite,
				"gave up after %d conflicting commits; re-read and retry", attempt+1)
		}
		a.logger.Debug("replaying mutation on newer revision",
			zap.Int64("base", snap.Revision),
			zap.Int64("latest", latest.Revision))
		snap = latest
	}
}

// apply runs the request against next, a private copy of base.
func (a *App) apply(base, next *Cluster, req *wire.Request) error {
	env := &adapter.Env{Actor: a.cfg.Actor, Clock: a.cfg.Clock}
	node, err := adapter.Resolve(adapter.Reflect(next, env), req.Path)
	if err != nil {
		return err
	}
	if _, err := adapter.Serve(node, req.Method, req.Body); err != nil {
		return err
	}
	settleStamps(base, next)
	return nil
}

func render(c *Cluster, path wire.Path) (any, error) {
	node, err := adapter.Resolve(adapter.ReflectReadOnly(c, nil), path)
	if err != nil {
		return nil, err
	}
	return node.Render()
}

// concurrentWrites lists the fields this mutation changed that some other
// writer restamped after base was read.
func concurrentWrites(base, next, latest *Cluster) []string {
	b, n, l := Stamps(base), Stamps(next), Stamps(latest)
	var out []string
	for path, s := range n {
		if s.Equal(b[path]) {
			continue
		}
		if !l[path].Equal(b[path]) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
