package wire

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// MinCompressSize is the smallest body the engine will gzip.
const MinCompressSize = 512

type coding struct {
	present bool
	q       float64
}

// AcceptsGzip decides from an Accept-Encoding value whether a gzip body is
// acceptable. Any syntax error in the list disables compression.
func AcceptsGzip(header string) bool {
	var gz, id, star coding
	for _, elem := range strings.Split(header, ",") {
		tok, q, ok := parseCoding(elem)
		if !ok {
			return false
		}
		var c *coding
		switch tok {
		case "gzip":
			c = &gz
		case "identity":
			c = &id
		case "*":
			c = &star
		default:
			continue
		}
		if !c.present {
			*c = coding{present: true, q: q}
		}
	}

	if gz.present {
		return gz.q > 0 &&
			(!id.present || gz.q >= id.q) &&
			(!star.present || gz.q >= star.q)
	}
	return star.present && star.q > 0 && (!id.present || id.q < star.q)
}

// parseCoding parses `token [ ";" "q" "=" qvalue ]` with optional whitespace.
func parseCoding(elem string) (string, float64, bool) {
	tokPart, params, hasParams := strings.Cut(elem, ";")
	tok := strings.ToLower(strings.TrimSpace(tokPart))
	if !isToken(tok) {
		return "", 0, false
	}
	if !hasParams {
		return tok, 1, true
	}
	name, value, ok := strings.Cut(params, "=")
	if !ok || strings.TrimSpace(name) != "q" && strings.TrimSpace(name) != "Q" {
		return "", 0, false
	}
	value = strings.TrimSpace(value)
	if value == "" || strings.ContainsAny(value, " \t;") {
		return "", 0, false
	}
	q, err := strconv.ParseFloat(value, 64)
	if err != nil || q < 0 || q > 1 {
		return "", 0, false
	}
	return tok, q, true
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// Compress gzips resp's body in place when it is large enough and req
// accepts gzip. It reports whether the body was compressed.
func Compress(req *Request, resp *Response) (bool, error) {
	if len(resp.Body) < MinCompressSize || !req.Header.Has("accept-encoding") {
		return false, nil
	}
	if _, already := resp.Header("Content-Encoding"); already {
		return false, nil
	}
	if !AcceptsGzip(req.Header.Get("accept-encoding")) {
		return false, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(resp.Body); err != nil {
		return false, err
	}
	if err := zw.Close(); err != nil {
		return false, err
	}
	resp.Body = buf.Bytes()
	resp.SetHeader("Content-Encoding", "gzip")
	resp.SetHeader("Content-Length", strconv.Itoa(len(resp.Body)))
	return true, nil
}
