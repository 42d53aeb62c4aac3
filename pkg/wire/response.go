package wire

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HeaderLine is one response header in emission order.
type HeaderLine struct {
	Name  string
	Value string
}

// Response is built by an application and finalized by the engine.
type Response struct {
	Version string // defaults to "1.1"
	Status  int
	Headers []HeaderLine
	Body    []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status}
}

// TextResponse returns a text/plain response.
func TextResponse(status int, body string) *Response {
	r := NewResponse(status)
	r.SetHeader("Content-Type", "text/plain; charset=utf-8")
	r.Body = []byte(body)
	return r
}

// JSONResponse renders v as the body of a 200 application/json response.
func JSONResponse(v any) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	r := NewResponse(http.StatusOK)
	r.SetHeader("Content-Type", "application/json")
	r.Body = b
	return r, nil
}

// Header returns the value of the first header named name.
func (r *Response) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// SetHeader replaces any header named name, keeping its position, or
// appends it.
func (r *Response) SetHeader(name, value string) {
	for i, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, HeaderLine{Name: name, Value: value})
}

// DelHeader removes every header named name.
func (r *Response) DelHeader(name string) {
	out := r.Headers[:0]
	for _, h := range r.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	r.Headers = out
}

// WriteTo serializes the status line, headers, a blank line and the body.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	version := r.Version
	if version == "" {
		version = "1.1"
	}
	reason := http.StatusText(r.Status)
	if reason == "" {
		reason = "Unknown"
	}
	io.WriteString(cw, "HTTP/"+version+" "+strconv.Itoa(r.Status)+" "+reason+"\r\n")
	for _, h := range r.Headers {
		io.WriteString(cw, h.Name+": "+h.Value+"\r\n")
	}
	io.WriteString(cw, "\r\n")
	cw.Write(r.Body)
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, bw.Flush()
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
