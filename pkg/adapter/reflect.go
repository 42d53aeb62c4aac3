package adapter

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
)

var (
	adaptableType       = reflect.TypeOf((*Adaptable)(nil)).Elem()
	jsonMarshalerType   = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// Reflect builds a read-write node over the value ptr points to.
//
// Structs expose their exported fields under their json names; a field
// tagged `adapter:"readonly"` is exposed through ReadOnly. Maps keyed by
// strings or text-marshalable types expose one child per entry. In maps of
// pointers a nil entry is a tombstone: the entity was deleted and every
// access to it reports Gone. Slices and scalars are leaves.
func Reflect(ptr any, env *Env) Node {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		panic(fmt.Sprintf("adapter: Reflect needs a non-nil pointer, got %T", ptr))
	}
	return build(v.Elem(), &builder{env: env})
}

// ReflectReadOnly is Reflect wrapped in ReadOnly.
func ReflectReadOnly(ptr any, env *Env) Node {
	return ReadOnly(Reflect(ptr, env))
}

// builder is shared by every node of one Reflect tree.
type builder struct {
	env *Env
	// entries tombstoned by a Reset in this tree, kept so the replacing
	// Apply that follows can bring them back
	reset map[resetKey]reflect.Value
}

type resetKey struct {
	m uintptr
	k any
}

func (b *builder) remember(m, k, old reflect.Value) {
	if b.reset == nil {
		b.reset = make(map[resetKey]reflect.Value)
	}
	b.reset[resetKey{m.Pointer(), k.Interface()}] = old
}

func (b *builder) revivable(m, k reflect.Value) (reflect.Value, bool) {
	old, ok := b.reset[resetKey{m.Pointer(), k.Interface()}]
	return old, ok
}

func (b *builder) forget(m, k reflect.Value) {
	delete(b.reset, resetKey{m.Pointer(), k.Interface()})
}

func build(v reflect.Value, b *builder) Node {
	if v.CanAddr() && v.Addr().Type().Implements(adaptableType) {
		return v.Addr().Interface().(Adaptable).AdapterNode(b.env)
	}
	t := v.Type()
	if isLeafType(t) {
		return leafNode{v}
	}
	switch t.Kind() {
	case reflect.Struct:
		return structNode{v: v, b: b}
	case reflect.Map:
		if keyCodec(t.Key()) {
			return mapNode{v: v, b: b}
		}
	case reflect.Pointer:
		return ptrNode{v: v, b: b}
	}
	return leafNode{v}
}

func isLeafType(t reflect.Type) bool {
	pt := reflect.PointerTo(t)
	return t.Implements(jsonMarshalerType) || pt.Implements(jsonMarshalerType) ||
		pt.Implements(jsonUnmarshalerType) ||
		t.Implements(textMarshalerType) || pt.Implements(textMarshalerType)
}

func keyCodec(t reflect.Type) bool {
	if t.Kind() == reflect.String {
		return true
	}
	return t.Implements(textMarshalerType) && reflect.PointerTo(t).Implements(textUnmarshalerType)
}

func formatKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	b, err := k.Interface().(encoding.TextMarshaler).MarshalText()
	return string(b), err
}

func parseKey(t reflect.Type, s string) (reflect.Value, error) {
	if t.Kind() == reflect.String {
		return reflect.ValueOf(s).Convert(t), nil
	}
	k := reflect.New(t)
	if err := k.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
		return reflect.Value{}, err
	}
	return k.Elem(), nil
}

func decodeInto(t reflect.Type, v any) (reflect.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, apierr.Wrap(apierr.BadRequest, err, "unencodable value")
	}
	out := reflect.New(t)
	if err := json.Unmarshal(b, out.Interface()); err != nil {
		return reflect.Value{}, apierr.Wrap(apierr.BadRequest, err, "value does not match field type")
	}
	return out.Elem(), nil
}

func renderValue(v reflect.Value) (any, error) {
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	err = dec.Decode(&out)
	return out, err
}

// leafNode replaces its value wholesale on Apply.
type leafNode struct{ v reflect.Value }

func (n leafNode) Render() (any, error) { return renderValue(n.v) }

func (n leafNode) Apply(x any) error {
	nv, err := decodeInto(n.v.Type(), x)
	if err != nil {
		return err
	}
	n.v.Set(nv)
	return nil
}

func (n leafNode) Erase() error { return n.Reset() }

func (n leafNode) Reset() error {
	n.v.Set(reflect.Zero(n.v.Type()))
	return nil
}

func (n leafNode) Subfields() (map[string]Node, error) { return map[string]Node{}, nil }

type structNode struct {
	v reflect.Value
	b *builder
}

type field struct {
	name     string
	node     Node
	readOnly bool
}

func (n structNode) fields() []field {
	t := n.v.Type()
	out := make([]field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			tname, _, _ := strings.Cut(tag, ",")
			if tname == "-" {
				continue
			}
			if tname != "" {
				name = tname
			}
		}
		f := field{name: name, node: build(n.v.Field(i), n.b)}
		if sf.Tag.Get("adapter") == "readonly" {
			f.node = ReadOnly(f.node)
			f.readOnly = true
		}
		out = append(out, f)
	}
	return out
}

func (n structNode) Render() (any, error) {
	out := make(map[string]any)
	for _, f := range n.fields() {
		v, err := f.node.Render()
		if err != nil {
			return nil, err
		}
		out[f.name] = v
	}
	return out, nil
}

func (n structNode) Apply(x any) error {
	obj, ok := x.(map[string]any)
	if !ok {
		return apierr.New(apierr.BadRequest, "expected a JSON object, got %s", jsonKind(x))
	}
	byName := make(map[string]field)
	for _, f := range n.fields() {
		byName[f.name] = f
	}
	for k, sub := range obj {
		child, ok := byName[k]
		if !ok {
			return apierr.New(apierr.BadRequest, "unknown field %q", k)
		}
		// a read-only field carried along unchanged in a merge is accepted,
		// so a client can write back an object it read
		if child.readOnly {
			if cur, err := child.node.Render(); err == nil && sameJSON(cur, sub) {
				continue
			}
		}
		if err := child.node.Apply(sub); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

func (n structNode) Erase() error { return n.Reset() }

// Reset clears every writable field; read-only fields are left for the
// owner of the value to derive.
func (n structNode) Reset() error {
	for _, f := range n.fields() {
		if f.readOnly {
			continue
		}
		if err := f.node.Reset(); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

func (n structNode) Subfields() (map[string]Node, error) {
	out := make(map[string]Node)
	for _, f := range n.fields() {
		out[f.name] = f.node
	}
	return out, nil
}

type ptrNode struct {
	v reflect.Value
	b *builder
}

func (n ptrNode) Render() (any, error) {
	if n.v.IsNil() {
		return nil, nil
	}
	return build(n.v.Elem(), n.b).Render()
}

func (n ptrNode) Apply(x any) error {
	if x == nil {
		return n.Erase()
	}
	if n.v.IsNil() {
		n.v.Set(reflect.New(n.v.Type().Elem()))
	}
	return build(n.v.Elem(), n.b).Apply(x)
}

func (n ptrNode) Erase() error {
	n.v.Set(reflect.Zero(n.v.Type()))
	return nil
}

func (n ptrNode) Reset() error {
	if n.v.IsNil() {
		n.v.Set(reflect.New(n.v.Type().Elem()))
		return nil
	}
	return build(n.v.Elem(), n.b).Reset()
}

func (n ptrNode) Subfields() (map[string]Node, error) {
	if n.v.IsNil() {
		return map[string]Node{}, nil
	}
	return build(n.v.Elem(), n.b).Subfields()
}

type mapNode struct {
	v reflect.Value
	b *builder
}

func (n mapNode) tombstones() bool {
	return n.v.Type().Elem().Kind() == reflect.Pointer
}

func (n mapNode) entry(k reflect.Value) Node {
	return newEntry(n.v, k, n.b, n.tombstones())
}

func (n mapNode) Render() (any, error) {
	out := make(map[string]any, n.v.Len())
	iter := n.v.MapRange()
	for iter.Next() {
		if n.tombstones() && iter.Value().IsNil() {
			continue
		}
		key, err := formatKey(iter.Key())
		if err != nil {
			return nil, err
		}
		v, err := n.entry(iter.Key()).Render()
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// Apply merges entries; a null value erases the entry.
func (n mapNode) Apply(x any) error {
	obj, ok := x.(map[string]any)
	if !ok {
		return apierr.New(apierr.BadRequest, "expected a JSON object, got %s", jsonKind(x))
	}
	if n.v.IsNil() {
		n.v.Set(reflect.MakeMap(n.v.Type()))
	}
	for ks, sub := range obj {
		k, err := parseKey(n.v.Type().Key(), ks)
		if err != nil {
			return apierr.Wrap(apierr.BadRequest, err, fmt.Sprintf("bad key %q", ks))
		}
		e := n.entry(k)
		if sub == nil {
			err = e.Erase()
		} else {
			err = e.Apply(sub)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", ks, err)
		}
	}
	return nil
}

func (n mapNode) Erase() error { return n.Reset() }

// Reset removes every entry. Entries of pointer maps become tombstones so
// that deleted entities stay deleted, except for those the following Apply
// of the same request writes again.
func (n mapNode) Reset() error {
	if n.v.IsNil() {
		n.v.Set(reflect.MakeMap(n.v.Type()))
		return nil
	}
	for _, k := range n.v.MapKeys() {
		if cur := n.v.MapIndex(k); n.tombstones() && !cur.IsNil() {
			n.b.remember(n.v, k, cur)
		}
		if err := n.entry(k).Erase(); err != nil {
			return err
		}
	}
	return nil
}

func (n mapNode) Subfields() (map[string]Node, error) {
	out := make(map[string]Node, n.v.Len())
	for _, k := range n.v.MapKeys() {
		key, err := formatKey(k)
		if err != nil {
			return nil, err
		}
		out[key] = n.entry(k)
	}
	return out, nil
}

// entryNode addresses one map entry. Map elements are not addressable, so
// the entry is copied into a temporary and stored back after each write.
type entryNode struct {
	m, k       reflect.Value
	tmp        reflect.Value
	tombstones bool
	b          *builder
	inner      Node
}

func newEntry(m, k reflect.Value, b *builder, tombstones bool) Node {
	e := &entryNode{m: m, k: k, tombstones: tombstones, b: b}
	e.tmp = reflect.New(m.Type().Elem()).Elem()
	if cur := m.MapIndex(k); cur.IsValid() {
		e.tmp.Set(cur)
	}
	e.inner = AfterWrite(build(e.tmp, b), e.store)
	return e
}

func (e *entryNode) store() { e.m.SetMapIndex(e.k, e.tmp) }

func (e *entryNode) tombstoned() bool {
	if !e.tombstones || !e.m.MapIndex(e.k).IsValid() || !e.tmp.IsNil() {
		return false
	}
	_, ok := e.b.revivable(e.m, e.k)
	return !ok
}

// revive restores an entry tombstoned by this tree's Reset and resets it in
// place, so read-only fields keep the values their owner derived.
func (e *entryNode) revive() error {
	old, ok := e.b.revivable(e.m, e.k)
	if !ok || !e.tmp.IsNil() {
		return nil
	}
	e.b.forget(e.m, e.k)
	e.tmp.Set(old)
	return e.inner.Reset()
}

func (e *entryNode) gone() error {
	key, _ := formatKey(e.k)
	return apierr.New(apierr.Gone, "%s has been deleted", key)
}

func (e *entryNode) Render() (any, error) {
	if e.tombstoned() {
		return nil, e.gone()
	}
	return e.inner.Render()
}

func (e *entryNode) Apply(x any) error {
	if e.tombstoned() {
		return e.gone()
	}
	if err := e.revive(); err != nil {
		return err
	}
	return e.inner.Apply(x)
}

func (e *entryNode) Erase() error {
	if e.tombstones {
		e.b.forget(e.m, e.k)
		if !e.m.MapIndex(e.k).IsValid() {
			return nil
		}
		e.tmp.Set(reflect.Zero(e.tmp.Type()))
		e.store()
		return nil
	}
	e.m.SetMapIndex(e.k, reflect.Value{})
	e.tmp.Set(reflect.Zero(e.tmp.Type()))
	return nil
}

func (e *entryNode) Reset() error {
	if e.tombstoned() {
		return e.gone()
	}
	return e.inner.Reset()
}

func (e *entryNode) Subfields() (map[string]Node, error) {
	if e.tombstoned() {
		return nil, e.gone()
	}
	return e.inner.Subfields()
}

func jsonKind(x any) string {
	switch x.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	default:
		return fmt.Sprintf("%T", x)
	}
}
