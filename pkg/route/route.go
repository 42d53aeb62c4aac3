// Package route dispatches admin requests between applications by path
// segment and merges the root views of several JSON applications.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// Routing consumes one path segment and hands the rest of the request to
// the application registered under it.
type Routing struct {
	def    wire.App
	routes map[string]wire.App
}

// NewRouting builds a router. def receives the original, unadvanced request
// when the next segment names no route; a nil def answers 404 instead.
// Route names must not contain '/'.
func NewRouting(def wire.App, routes map[string]wire.App) *Routing {
	r := &Routing{def: def, routes: make(map[string]wire.App, len(routes))}
	for name, app := range routes {
		if strings.Contains(name, "/") {
			panic(fmt.Sprintf("route: route name %q contains '/'", name))
		}
		r.routes[name] = app
	}
	return r
}

// Handle implements wire.App.
func (r *Routing) Handle(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if seg, ok := req.Path.Head(); ok {
		if app, ok := r.routes[seg]; ok {
			return app.Handle(ctx, req.WithPath(req.Path.Advance(1)))
		}
	}
	if r.def == nil {
		return nil, apierr.New(apierr.NotFound, "no resource at %s", req.Path.String())
	}
	return r.def.Handle(ctx, req)
}

// JSONApp is an application whose root can be read as a JSON value.
type JSONApp interface {
	wire.App
	RootJSON(ctx context.Context) (any, error)
}

// Combining serves the merged root of several JSON applications.
type Combining struct {
	components map[string]JSONApp
	logger     *zap.Logger
}

// NewCombining returns a combining application over components.
func NewCombining(components map[string]JSONApp, logger *zap.Logger) *Combining {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Combining{components: components, logger: logger.Named("combining")}
}

// Handle implements wire.App. Only GET and POST at the root are served.
func (c *Combining) Handle(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if !req.Path.Empty() {
		return nil, apierr.New(apierr.NotFound, "no resource at %s", req.Path.String())
	}
	switch req.Method {
	case wire.MethodGet:
	case wire.MethodPost:
		if err := c.post(ctx, req); err != nil {
			return nil, err
		}
	default:
		return nil, apierr.New(apierr.MethodNotAllowed, "%s not allowed here", req.Method)
	}

	root, err := c.RootJSON(ctx)
	if err != nil {
		return nil, err
	}
	return wire.JSONResponse(root)
}

// post offers each component the part of the body addressed to it. Every
// component is offered its part and per component results, failures
// included, are discarded; the combined view is re-read afterwards. Only
// cancellation stops the round.
func (c *Combining) post(ctx context.Context, req *wire.Request) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &body); err != nil || body == nil {
		return apierr.New(apierr.BadRequest, "POST body must be a JSON object")
	}
	for name, sub := range body {
		app, ok := c.components[name]
		if !ok {
			continue
		}
		synthetic := *req
		synthetic.Body = sub
		synthetic.Path = wire.MustPath("/")
		if _, err := app.Handle(ctx, &synthetic); err != nil {
			if apierr.IsCancellation(err) {
				return err
			}
			c.logger.Debug("component rejected combined POST", zap.String("component", name), zap.Error(err))
		}
	}
	return nil
}

// RootJSON reads every component's root afresh.
func (c *Combining) RootJSON(ctx context.Context) (any, error) {
	out := make(map[string]any, len(c.components))
	for name, app := range c.components {
		v, err := app.RootJSON(ctx)
		if err != nil {
			return nil, fmt.Errorf("route.Combining.RootJSON: %s failed: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
