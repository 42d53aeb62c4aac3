package wire

import (
	"net/url"
	"strings"
)

// Path is a tokenized resource path. Sub-views created by Advance share the
// raw buffer and segment table with their parent and only move the start
// index.
type Path struct {
	raw   string
	segs  []segment
	start int
}

type segment struct {
	off   int // offset of the segment's first byte in raw
	value string
}

// ParsePath tokenizes raw on '/'. Empty segments are dropped and every
// segment is percent-decoded.
func ParsePath(raw string) (Path, error) {
	p := Path{raw: raw}
	i := 0
	for i < len(raw) {
		if raw[i] == '/' {
			i++
			continue
		}
		j := strings.IndexByte(raw[i:], '/')
		if j < 0 {
			j = len(raw)
		} else {
			j += i
		}
		v, err := url.PathUnescape(raw[i:j])
		if err != nil {
			return Path{}, err
		}
		p.segs = append(p.segs, segment{off: i, value: v})
		i = j
	}
	return p, nil
}

// MustPath is ParsePath for literals.
func MustPath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Len is the number of segments remaining in the view.
func (p Path) Len() int { return len(p.segs) - p.start }

// Empty reports whether the view has no segments left.
func (p Path) Empty() bool { return p.Len() == 0 }

// Segments returns the decoded segments of the view.
func (p Path) Segments() []string {
	out := make([]string, 0, p.Len())
	for _, s := range p.segs[p.start:] {
		out = append(out, s.value)
	}
	return out
}

// Head returns the first segment of the view.
func (p Path) Head() (string, bool) {
	if p.Empty() {
		return "", false
	}
	return p.segs[p.start].value, true
}

// Advance returns a view with the first n segments consumed.
func (p Path) Advance(n int) Path {
	if n > p.Len() {
		n = p.Len()
	}
	p.start += n
	return p
}

// String returns the undecoded remainder of the path, starting with '/'.
// The root view renders as "/".
func (p Path) String() string {
	if p.Empty() {
		return "/"
	}
	off := p.segs[p.start].off
	if off > 0 && p.raw[off-1] == '/' {
		return p.raw[off-1:]
	}
	return "/" + p.raw[off:]
}

// Iter returns a forward-only iterator over the view. Calling Iter again
// restarts from the view's first segment.
func (p Path) Iter() *PathIter {
	return &PathIter{path: p}
}

// PathIter walks the segments of a Path.
type PathIter struct {
	path     Path
	consumed int
}

// Next returns the next segment, or false when exhausted.
func (it *PathIter) Next() (string, bool) {
	if it.consumed >= it.path.Len() {
		return "", false
	}
	s := it.path.segs[it.path.start+it.consumed].value
	it.consumed++
	return s, true
}

// Consumed returns the segments returned by Next so far.
func (it *PathIter) Consumed() []string {
	return it.path.Segments()[:it.consumed]
}

// Rest returns a view over the segments not yet returned by Next.
func (it *PathIter) Rest() Path {
	return it.path.Advance(it.consumed)
}
