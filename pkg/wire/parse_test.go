package wire

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, raw string, lim Limits) (*Request, error) {
	t.Helper()
	return ReadRequest(bufio.NewReader(strings.NewReader(raw)), lim)
}

func TestReadRequest(t *testing.T) {
	raw := "POST /ajax/semilattice/tables?a=1&a=2&b HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Content-Type:   application/json\r\n" +
		"content-type: text/plain\r\n" +
		"Content-Length: 7\r\n" +
		"\r\n" +
		`{"x":1}`
	req, err := read(t, raw, DefaultLimits())
	require.NoError(t, err)

	assert.Equal(t, MethodPost, req.Method)
	assert.Equal(t, []string{"ajax", "semilattice", "tables"}, req.Path.Segments())
	assert.Equal(t, map[string]string{"a": "1", "b": ""}, req.Query)
	assert.Equal(t, "1.1", req.Version)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "localhost", req.Header["host"])
	assert.Equal(t, `{"x":1}`, string(req.Body))
}

func TestParseQuery(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": ""}, ParseQuery("a=1&a=2&b"))
	assert.Equal(t, map[string]string{"k": "v=w"}, ParseQuery("k=v=w"))
	assert.Empty(t, ParseQuery(""))
}

func TestReadRequestFailures(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown method", "FETCH / HTTP/1.1\r\n\r\n", ErrUnknownMethod},
		{"lowercase method", "get / HTTP/1.1\r\n\r\n", ErrUnknownMethod},
		{"no version", "GET /\r\n\r\n", ErrMalformedRequestLine},
		{"bad version", "GET / FTP/1.1\r\n\r\n", ErrMalformedRequestLine},
		{"bad header", "GET / HTTP/1.1\r\nnocolon\r\n\r\n", ErrMalformedHeader},
		{"bad escape", "GET /%zz HTTP/1.1\r\n\r\n", ErrMalformedPath},
		{"bad length", "POST / HTTP/1.1\r\nContent-Length: ten\r\n\r\n", ErrBadContentLength},
		{"short body", "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc", ErrTruncatedBody},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := read(t, c.raw, DefaultLimits())
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestLenientContentLength(t *testing.T) {
	lim := DefaultLimits()
	lim.LenientContentLength = true
	req, err := read(t, "POST / HTTP/1.1\r\nContent-Length: ten\r\n\r\n", lim)
	require.NoError(t, err)
	assert.Empty(t, req.Body)
}

func TestBodyLimit(t *testing.T) {
	lim := Limits{MaxHeaderBytes: 1024, MaxBodyBytes: 4}
	_, err := read(t, "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello", lim)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestHeaderLimit(t *testing.T) {
	lim := Limits{MaxHeaderBytes: 64, MaxBodyBytes: 4}
	raw := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 128) + "\r\n\r\n"
	_, err := read(t, raw, lim)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadRequestEOF(t *testing.T) {
	_, err := read(t, "", DefaultLimits())
	assert.Equal(t, io.EOF, err)

	_, err = read(t, "GET / HTTP/1.1\r\nHost: x\r\n", DefaultLimits())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSequentialRequestsOnOneReader(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\n\r\n" +
		"PUT /b HTTP/1.1\r\nContent-Length: 2\r\n\r\nok" +
		"\r\nDELETE /c HTTP/1.1\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	var got []string
	for {
		req, err := ReadRequest(br, DefaultLimits())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(req.Method)+" "+req.Path.String())
	}
	assert.Equal(t, []string{"GET /a", "PUT /b", "DELETE /c"}, got)
}

func TestParseThenSerializeEcho(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nHost: h\r\nAccept: */*\r\n\r\n"
	req, err := read(t, raw, DefaultLimits())
	require.NoError(t, err)

	resp := NewResponse(200)
	resp.SetHeader("host", req.Header["host"])
	resp.SetHeader("accept", req.Header["accept"])

	var buf bytes.Buffer
	_, err = resp.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nhost: h\r\naccept: */*\r\n\r\n", buf.String())
}

func TestResponseHeaders(t *testing.T) {
	r := TextResponse(404, "nope")
	r.SetHeader("Content-Length", "4")
	r.SetHeader("content-type", "text/html")
	v, ok := r.Header("Content-Type")
	require.True(t, ok)
	assert.Equal(t, "text/html", v)
	assert.Len(t, r.Headers, 2)

	r.DelHeader("CONTENT-LENGTH")
	_, ok = r.Header("Content-Length")
	assert.False(t, ok)

	var buf bytes.Buffer
	_, err := r.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\nContent-Type: text/html\r\n\r\nnope", buf.String())
}
