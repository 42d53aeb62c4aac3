// Package metadata serves the cluster's versioned configuration through the
// adapter protocol and commits validated changes to a versioned store.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyradmin/pkg/adapter"
)

// Stamp records which actor last wrote a field, and when.
type Stamp struct {
	Actor string    `json:"actor,omitempty"`
	Time  time.Time `json:"time,omitempty"`
}

// Equal compares stamps independently of time zone representation.
func (s Stamp) Equal(o Stamp) bool {
	return s.Actor == o.Actor && s.Time.Equal(o.Time)
}

// Versioned is a user-settable field together with its last-writer stamp.
// Through the adapter only Value is visible; writes that change Value
// restamp the field with the request's actor.
type Versioned[T any] struct {
	Value T     `json:"value"`
	Stamp Stamp `json:"stamp"`
}

// V returns a Versioned with a zero stamp.
func V[T any](v T) Versioned[T] { return Versioned[T]{Value: v} }

func (v *Versioned[T]) stamp() Stamp { return v.Stamp }

// AdapterNode implements adapter.Adaptable.
func (v *Versioned[T]) AdapterNode(env *adapter.Env) adapter.Node {
	before, _ := json.Marshal(v.Value)
	return adapter.AfterWrite(adapter.Reflect(&v.Value, env), func() {
		after, err := json.Marshal(v.Value)
		if err != nil || bytes.Equal(before, after) {
			return
		}
		before = after
		var actor string
		if env != nil {
			actor = env.Actor
		}
		v.Stamp = Stamp{Actor: actor, Time: env.Now().UTC()}
	})
}

type Server struct {
	Name Versioned[string]   `json:"name"`
	Tags Versioned[[]string] `json:"tags"`
}

// HasTag reports whether the server carries tag. The empty tag matches
// every server.
func (s *Server) HasTag(tag string) bool {
	if tag == "" {
		return true
	}
	for _, t := range s.Tags.Value {
		if t == tag {
			return true
		}
	}
	return false
}

type Database struct {
	Name Versioned[string] `json:"name"`
}

type Table struct {
	Name       Versioned[string]    `json:"name"`
	Database   Versioned[uuid.UUID] `json:"database"`
	PrimaryKey Versioned[string]    `json:"primary_key"`
	Shards     Versioned[int]       `json:"shards"`
	Replicas   Versioned[int]       `json:"replicas"`
	ServerTag  Versioned[string]    `json:"server_tag"`
	// Placement is derived by the validator on every accepted change.
	Placement []Shard `json:"placement" adapter:"readonly"`
}

// Shard lists the servers holding one shard; Servers[0] is the primary.
type Shard struct {
	Servers []uuid.UUID `json:"servers"`
}

// Cluster is the whole versioned configuration. A nil map entry is a
// tombstone for a deleted entity.
type Cluster struct {
	Servers   map[uuid.UUID]*Server   `json:"servers"`
	Databases map[uuid.UUID]*Database `json:"databases"`
	Tables    map[uuid.UUID]*Table    `json:"tables"`
}

// NewCluster returns an empty configuration.
func NewCluster() *Cluster {
	return &Cluster{
		Servers:   make(map[uuid.UUID]*Server),
		Databases: make(map[uuid.UUID]*Database),
		Tables:    make(map[uuid.UUID]*Table),
	}
}

// Clone returns a deep copy of c.
func (c *Cluster) Clone() (*Cluster, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("metadata.Cluster.Clone: encode failed: %w", err)
	}
	return DecodeCluster(b)
}

// DecodeCluster parses a stored configuration document.
func DecodeCluster(b []byte) (*Cluster, error) {
	out := NewCluster()
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("metadata.DecodeCluster: decode failed: %w", err)
	}
	if out.Servers == nil {
		out.Servers = make(map[uuid.UUID]*Server)
	}
	if out.Databases == nil {
		out.Databases = make(map[uuid.UUID]*Database)
	}
	if out.Tables == nil {
		out.Tables = make(map[uuid.UUID]*Table)
	}
	return out, nil
}

// versionedField is implemented by *Versioned[T] for every T.
type versionedField interface {
	stamp() Stamp
	setStamp(Stamp)
	valueJSON() []byte
}

func (v *Versioned[T]) setStamp(s Stamp) { v.Stamp = s }

func (v *Versioned[T]) valueJSON() []byte {
	b, _ := json.Marshal(v.Value)
	return b
}

var versionedType = reflect.TypeOf((*versionedField)(nil)).Elem()

// Stamps collects the stamp of every versioned field keyed by its resource
// path, e.g. "/tables/<id>/shards".
func Stamps(c *Cluster) map[string]Stamp {
	out := make(map[string]Stamp)
	walkVersioned(reflect.ValueOf(c).Elem(), "", func(path string, f versionedField) {
		out[path] = f.stamp()
	})
	return out
}

// settleStamps gives back base's stamp to every field of next whose value
// ends up equal to base's, so that a PUT rewriting a field with its old
// value does not claim it.
func settleStamps(base, next *Cluster) {
	old := make(map[string]versionedField)
	walkVersioned(reflect.ValueOf(base).Elem(), "", func(path string, f versionedField) {
		old[path] = f
	})
	walkVersioned(reflect.ValueOf(next).Elem(), "", func(path string, f versionedField) {
		if o, ok := old[path]; ok && bytes.Equal(o.valueJSON(), f.valueJSON()) {
			f.setStamp(o.stamp())
		}
	})
}

func walkVersioned(v reflect.Value, path string, fn func(string, versionedField)) {
	if v.CanAddr() && v.Addr().Type().Implements(versionedType) {
		fn(path, v.Addr().Interface().(versionedField))
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			walkVersioned(v.Elem(), path, fn)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = sf.Name
			}
			walkVersioned(v.Field(i), path+"/"+name, fn)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			// Pointer elements reach the shared value; others are copies
			// and only read.
			elem := reflect.New(iter.Value().Type()).Elem()
			elem.Set(iter.Value())
			walkVersioned(elem, path+"/"+key, fn)
		}
	}
}
