package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// UnresolvedError names the first path segment that matched no subfield.
type UnresolvedError struct {
	Segment  string
	Consumed []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("no field %q below /%s", e.Segment, strings.Join(e.Consumed, "/"))
}

// Resolve walks path from head, one subfield per segment.
func Resolve(head Node, path wire.Path) (Node, error) {
	it := path.Iter()
	node := head
	for {
		seg, ok := it.Next()
		if !ok {
			return node, nil
		}
		subs, err := node.Subfields()
		if err != nil {
			return nil, err
		}
		child, ok := subs[seg]
		if !ok {
			consumed := it.Consumed()
			return nil, &apierr.Error{
				Kind: apierr.NotFound,
				Err:  &UnresolvedError{Segment: seg, Consumed: consumed[:len(consumed)-1]},
			}
		}
		node = child
	}
}

// DecodeBody parses a request body into a JSON value. Numbers are kept as
// json.Number.
func DecodeBody(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apierr.Wrap(apierr.BadRequest, err, "malformed JSON body")
	}
	if dec.More() {
		return nil, apierr.New(apierr.BadRequest, "malformed JSON body: trailing data")
	}
	return v, nil
}

// Serve runs method against node and returns the node's resulting value:
// GET renders, POST merges the body, PUT replaces with the body, DELETE
// erases.
func Serve(node Node, method wire.Method, body []byte) (any, error) {
	switch method {
	case wire.MethodGet, wire.MethodHead:
		return node.Render()
	case wire.MethodPost:
		v, err := DecodeBody(body)
		if err != nil {
			return nil, err
		}
		if err := node.Apply(v); err != nil {
			return nil, err
		}
		return node.Render()
	case wire.MethodPut:
		v, err := DecodeBody(body)
		if err != nil {
			return nil, err
		}
		if err := node.Reset(); err != nil {
			return nil, err
		}
		if err := node.Apply(v); err != nil {
			return nil, err
		}
		return node.Render()
	case wire.MethodDelete:
		if err := node.Erase(); err != nil {
			return nil, err
		}
		v, err := node.Render()
		if apierr.Is(err, apierr.Gone) {
			return nil, nil
		}
		return v, err
	default:
		return nil, apierr.New(apierr.MethodNotAllowed, "%s not allowed here", method)
	}
}
