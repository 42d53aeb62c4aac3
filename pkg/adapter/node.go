// Package adapter exposes fields of typed in-memory values as a tree of
// JSON nodes that can be rendered, merged into, replaced and erased through
// a resource path.
//
// A Node never owns the value it describes. Nodes are built per request over
// a private copy of the data and must not outlive it.
package adapter

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
)

// Node is one addressable field.
type Node interface {
	// Render returns the field as a JSON value.
	Render() (any, error)
	// Apply merges a decoded JSON value into the field. Fields the value
	// does not mention are left alone.
	Apply(v any) error
	// Erase removes the field, leaving its default value.
	Erase() error
	// Reset clears the field ahead of a replacing Apply.
	Reset() error
	// Subfields returns the children addressable below this node.
	Subfields() (map[string]Node, error)
}

// Adaptable is implemented by types that describe themselves with a custom
// Node instead of the reflective default.
type Adaptable interface {
	AdapterNode(env *Env) Node
}

// Env carries per-request context into node construction.
type Env struct {
	// Actor identifies the local writer stamped onto changed fields.
	Actor string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Now returns the env's current time.
func (e *Env) Now() time.Time {
	if e == nil || e.Clock == nil {
		return time.Now()
	}
	return e.Clock()
}

// ReadOnly wraps n so that every mutation fails with PermissionDenied.
func ReadOnly(n Node) Node {
	if _, ok := n.(readOnly); ok {
		return n
	}
	return readOnly{n}
}

type readOnly struct{ n Node }

func (r readOnly) Render() (any, error) { return r.n.Render() }

func (r readOnly) Apply(any) error {
	return apierr.New(apierr.PermissionDenied, "field is read-only")
}

func (r readOnly) Erase() error {
	return apierr.New(apierr.PermissionDenied, "field is read-only")
}

func (r readOnly) Reset() error {
	return apierr.New(apierr.PermissionDenied, "field is read-only")
}

func (r readOnly) Subfields() (map[string]Node, error) {
	subs, err := r.n.Subfields()
	if err != nil {
		return nil, err
	}
	for k, c := range subs {
		subs[k] = ReadOnly(c)
	}
	return subs, nil
}

// IsReadOnly reports whether n was produced by ReadOnly.
func IsReadOnly(n Node) bool {
	_, ok := n.(readOnly)
	return ok
}

// AfterWrite wraps n so that fn runs after every successful Apply, Erase or
// Reset on n or on any node below it.
func AfterWrite(n Node, fn func()) Node {
	return afterWrite{n: n, fn: fn}
}

type afterWrite struct {
	n  Node
	fn func()
}

func (a afterWrite) Render() (any, error) { return a.n.Render() }

func (a afterWrite) Apply(v any) error { return a.done(a.n.Apply(v)) }

func (a afterWrite) Erase() error { return a.done(a.n.Erase()) }

func (a afterWrite) Reset() error { return a.done(a.n.Reset()) }

func (a afterWrite) Subfields() (map[string]Node, error) {
	subs, err := a.n.Subfields()
	if err != nil {
		return nil, err
	}
	for k, c := range subs {
		subs[k] = AfterWrite(c, a.fn)
	}
	return subs, nil
}

func (a afterWrite) done(err error) error {
	if err == nil {
		a.fn()
	}
	return err
}

// Func is a read-only computed node.
type Func func() (any, error)

func (f Func) Render() (any, error) { return f() }

func (f Func) Apply(v any) error { return ReadOnly(f).Apply(v) }

func (f Func) Erase() error { return ReadOnly(f).Erase() }

func (f Func) Reset() error { return ReadOnly(f).Reset() }

func (f Func) Subfields() (map[string]Node, error) { return map[string]Node{}, nil }

func sameJSON(a, b any) bool {
	x, err := json.Marshal(a)
	if err != nil {
		return false
	}
	y, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var nx, ny any
	if json.Unmarshal(x, &nx) != nil || json.Unmarshal(y, &ny) != nil {
		return false
	}
	x, _ = json.Marshal(nx)
	y, _ = json.Marshal(ny)
	return bytes.Equal(x, y)
}
