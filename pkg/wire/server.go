package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
)

// App handles one parsed request. Errors are translated to a status code by
// the server through apierr.Status.
type App interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// AppFunc adapts a function to App.
type AppFunc func(ctx context.Context, req *Request) (*Response, error)

func (f AppFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Config tunes a Server.
type Config struct {
	Limits       Limits
	ReadTimeout  time.Duration // reading one request, including idle time before it
	WriteTimeout time.Duration
	// CloseAgents lists User-Agent substrings of clients that mishandle
	// keep-alive; their connections get Connection: close.
	CloseAgents []string
	// Observe, if set, is called with every finalized response.
	Observe func(req *Request, resp *Response)
}

// Server runs the admin protocol on accepted connections, one goroutine per
// connection, handling requests on a connection strictly in order.
type Server struct {
	app    App
	cfg    Config
	logger *zap.Logger

	wg sync.WaitGroup
}

// NewServer returns a server dispatching to app.
func NewServer(app App, cfg Config, logger *zap.Logger) *Server {
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{app: app, cfg: cfg, logger: logger.Named("wire")}
}

// Serve accepts connections on ln until ctx is cancelled. Cancelling ctx
// closes the listener, tears down every open connection and waits for their
// goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				cancel()
				s.wg.Wait()
				return fmt.Errorf("wire.Server.Serve: accept failed: %w", err)
			}
			// EMFILE and friends clear up as connections close
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	log := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	br := bufio.NewReader(conn)
	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		req, err := ReadRequest(br, s.cfg.Limits)
		if err != nil {
			var pe ParseError
			if errors.As(err, &pe) {
				log.Debug("rejecting unparsable request", zap.Error(err))
				resp := TextResponse(http.StatusBadRequest, pe.Error())
				resp.SetHeader("Connection", "close")
				resp.SetHeader("Content-Length", strconv.Itoa(len(resp.Body)))
				s.write(conn, resp)
			}
			return
		}
		req.RemoteAddr = conn.RemoteAddr().String()

		resp := s.handle(ctx, conn, br, req, log)
		if resp == nil || ctx.Err() != nil {
			return
		}
		keepAlive := s.finalize(req, resp, log)
		if err := s.write(conn, resp); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
		if !keepAlive {
			return
		}
	}
}

// handle runs the application while watching the connection for a
// disconnect, which cancels the request's context. A nil response means the
// request was abandoned.
func (s *Server) handle(ctx context.Context, conn net.Conn, br *bufio.Reader, req *Request, log *zap.Logger) *Response {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadDeadline(time.Time{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		if _, err := br.Peek(1); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			cancel()
		}
	}()

	resp, err := s.dispatch(reqCtx, req, log)

	conn.SetReadDeadline(time.Unix(1, 0))
	<-watched
	conn.SetReadDeadline(time.Time{})

	if reqCtx.Err() != nil {
		return nil
	}
	if err != nil {
		return errorResponse(err)
	}
	if resp == nil {
		resp = NewResponse(http.StatusNoContent)
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request, log *zap.Logger) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("application panicked",
				zap.String("method", string(req.Method)),
				zap.String("path", req.Path.String()),
				zap.Any("panic", p))
			resp, err = nil, apierr.New(apierr.Internal, "internal error")
		}
	}()
	resp, err = s.app.Handle(ctx, req)
	if err != nil && !apierr.IsCancellation(err) && apierr.Status(err) >= http.StatusInternalServerError {
		log.Warn("request failed",
			zap.String("method", string(req.Method)),
			zap.String("path", req.Path.String()),
			zap.Error(err))
	}
	return resp, err
}

func errorResponse(err error) *Response {
	return TextResponse(apierr.Status(err), err.Error()+"\n")
}

// finalize applies compression, framing and connection headers. It reports
// whether the connection stays open.
func (s *Server) finalize(req *Request, resp *Response, log *zap.Logger) bool {
	if req.Version == "1.0" {
		resp.Version = "1.0"
	}
	if _, err := Compress(req, resp); err != nil {
		log.Warn("gzip failed, sending identity body", zap.Error(err))
	}
	resp.SetHeader("Content-Length", strconv.Itoa(len(resp.Body)))
	if req.Method == MethodHead {
		resp.Body = nil
	}

	keepAlive := s.keepAlive(req)
	if !keepAlive {
		resp.SetHeader("Connection", "close")
	}
	if s.cfg.Observe != nil {
		s.cfg.Observe(req, resp)
	}
	return keepAlive
}

func (s *Server) keepAlive(req *Request) bool {
	conn := strings.ToLower(req.Header.Get("connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if req.Version == "1.0" && !strings.Contains(conn, "keep-alive") {
		return false
	}
	agent := req.Header.Get("user-agent")
	for _, bad := range s.cfg.CloseAgents {
		if bad != "" && strings.Contains(agent, bad) {
			return false
		}
	}
	return true
}

func (s *Server) write(conn net.Conn, resp *Response) error {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err := resp.WriteTo(conn)
	return err
}
