package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseError is a request-level framing failure. Parse errors never reach
// applications; the server answers 400 and closes the connection.
type ParseError int

const (
	ErrMalformedRequestLine ParseError = iota
	ErrUnknownMethod
	ErrMalformedPath
	ErrMalformedHeader
	ErrHeaderTooLarge
	ErrBadContentLength
	ErrBodyTooLarge
	ErrTruncatedBody
)

func (e ParseError) Error() string {
	switch e {
	case ErrMalformedRequestLine:
		return "malformed request line"
	case ErrUnknownMethod:
		return "unknown method"
	case ErrMalformedPath:
		return "malformed resource path"
	case ErrMalformedHeader:
		return "malformed header line"
	case ErrHeaderTooLarge:
		return "request header too large"
	case ErrBadContentLength:
		return "unparsable Content-Length"
	case ErrBodyTooLarge:
		return "request body too large"
	case ErrTruncatedBody:
		return "connection closed before end of body"
	default:
		return fmt.Sprintf("parse error %d", int(e))
	}
}

// Limits bounds what ReadRequest accepts.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
	// LenientContentLength treats an unparsable Content-Length as 0
	// instead of rejecting the request.
	LenientContentLength bool
}

// DefaultLimits returns the limits used when a Server has none configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 64 << 10,
		MaxBodyBytes:   16 << 20,
	}
}

// ReadRequest parses one request from r. It returns io.EOF if the peer
// closed the connection before sending anything.
func ReadRequest(r *bufio.Reader, lim Limits) (*Request, error) {
	budget := lim.MaxHeaderBytes
	if budget <= 0 {
		budget = DefaultLimits().MaxHeaderBytes
	}

	var line string
	var err error
	for {
		line, err = readLine(r, &budget)
		if err != nil {
			return nil, err
		}
		if line != "" {
			break
		}
	}

	req := &Request{}
	tok, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, ErrMalformedRequestLine
	}
	if req.Method, ok = ParseMethod(tok); !ok {
		return nil, ErrUnknownMethod
	}
	resource, version, ok := strings.Cut(rest, " ")
	if !ok || resource == "" {
		return nil, ErrMalformedRequestLine
	}
	rawPath, rawQuery, _ := strings.Cut(resource, "?")
	if req.Path, err = ParsePath(rawPath); err != nil {
		return nil, ErrMalformedPath
	}
	req.Query = ParseQuery(rawQuery)
	v, ok := strings.CutPrefix(version, "HTTP/")
	if !ok || v == "" || strings.ContainsRune(v, ' ') {
		return nil, ErrMalformedRequestLine
	}
	req.Version = v

	req.Header = make(Header)
	for {
		line, err = readLine(r, &budget)
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return nil, ErrMalformedHeader
		}
		req.Header.add(name, strings.TrimLeft(value, " "))
	}

	n, err := contentLength(req.Header, lim)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		req.Body = make([]byte, n)
		if _, err := io.ReadFull(r, req.Body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrTruncatedBody
			}
			return nil, err
		}
	}
	return req, nil
}

func contentLength(h Header, lim Limits) (int64, error) {
	raw, ok := h["content-length"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		if lim.LenientContentLength {
			return 0, nil
		}
		return 0, ErrBadContentLength
	}
	max := lim.MaxBodyBytes
	if max <= 0 {
		max = DefaultLimits().MaxBodyBytes
	}
	if n > max {
		return 0, ErrBodyTooLarge
	}
	return n, nil
}

// readLine returns one line without its CRLF (or bare LF), charging its
// length against budget.
func readLine(r *bufio.Reader, budget *int) (string, error) {
	var sb strings.Builder
	for {
		frag, err := r.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return "", ErrHeaderTooLarge
		}
		sb.Write(frag)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		break
	}
	line := strings.TrimSuffix(sb.String(), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}
