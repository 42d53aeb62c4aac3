package wire

import "strings"

// Method is an HTTP request method.
type Method string

const (
	MethodHead    Method = "HEAD"
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodTrace   Method = "TRACE"
	MethodOptions Method = "OPTIONS"
	MethodConnect Method = "CONNECT"
	MethodPatch   Method = "PATCH"
)

// ParseMethod accepts exactly the nine known method tokens.
func ParseMethod(tok string) (Method, bool) {
	switch m := Method(tok); m {
	case MethodHead, MethodGet, MethodPost, MethodPut, MethodDelete,
		MethodTrace, MethodOptions, MethodConnect, MethodPatch:
		return m, true
	}
	return "", false
}

// Header holds request header lines keyed by lower-cased name. The first
// occurrence of a name wins.
type Header map[string]string

// Get looks up name case-insensitively.
func (h Header) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Has reports whether name was present.
func (h Header) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

func (h Header) add(name, value string) {
	key := strings.ToLower(name)
	if _, ok := h[key]; !ok {
		h[key] = value
	}
}

// Request is an immutable parsed request. Sub-dispatch works on shallow
// copies made by WithPath.
type Request struct {
	Method     Method
	Path       Path
	Query      map[string]string
	Version    string
	Header     Header
	Body       []byte
	RemoteAddr string
}

// WithPath returns a shallow copy of r whose Path is p.
func (r *Request) WithPath(p Path) *Request {
	c := *r
	c.Path = p
	return &c
}

// ParseQuery splits a query string on '&' and each pair on its first '='.
// A pair without '=' maps to the empty string and the first occurrence of a
// key wins. Keys and values are not unescaped.
func ParseQuery(s string) map[string]string {
	q := make(map[string]string)
	if s == "" {
		return q
	}
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if _, ok := q[k]; !ok {
			q[k] = v
		}
	}
	return q
}
