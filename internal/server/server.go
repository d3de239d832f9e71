// Package server implements the RESP TCP server.
//
// The accept loop spawns one goroutine per connection. Each handler
// owns a growable read buffer: it reads from the socket, drains every
// complete frame the buffer holds, dispatches each to the command
// handler, and writes the accumulated replies in arrival order before
// reading again. Clients may therefore pipeline freely. A malformed
// frame is fatal to its connection: one Error frame is written and the
// connection is closed, because the byte stream has lost framing.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/aleksandar-had/rudis/internal/resp"
	"github.com/aleksandar-had/rudis/internal/store"
	"github.com/aleksandar-had/rudis/internal/telemetry/metric"
)

// Config holds the server configuration.
type Config struct {
	// Addr is the TCP listen address.
	Addr string

	// ReadTimeout bounds reading a command once its first byte has
	// arrived (default: 30s).
	ReadTimeout time.Duration

	// WriteTimeout bounds writing a batch of replies (default: 30s).
	WriteTimeout time.Duration

	// IdleTimeout bounds how long a connection may idle between
	// commands (default: 5m).
	IdleTimeout time.Duration

	// RateLimit is the maximum number of commands per second per
	// client IP. 0 disables rate limiting.
	RateLimit int

	// Limits bounds the frame sizes accepted from clients.
	Limits resp.Limits
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:6379",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  5 * time.Minute,
		RateLimit:    0,
		Limits:       resp.DefaultLimits(),
	}
}

// Server is the RESP protocol server.
type Server struct {
	cfg      *Config
	handler  *CommandHandler
	logger   *slog.Logger
	metrics  *metric.Metrics
	limiters *ipLimiters

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a server around st. logger and metrics may be nil.
func New(cfg *Config, st *store.Store, logger *slog.Logger, m *metric.Metrics) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
	s.handler = NewCommandHandler(st, logger, m)
	if cfg.RateLimit > 0 {
		s.limiters = newIPLimiters(cfg.RateLimit)
	}
	return s
}

// Start listens on the configured address and serves until Shutdown.
// It returns once the listener is installed; accepting runs on its own
// goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.running.Store(true)
	s.logger.Info("server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.acceptLoop(ctx, ln); err != nil && s.running.Load() {
			s.logger.Error("accept loop error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, useful when the configured
// port is 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting, then waits for in-flight handlers to
// finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	var firstErr error
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return firstErr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		if s.metrics != nil {
			s.metrics.ConnectionsTotal.Inc()
			s.metrics.ConnectionsActive.Inc()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.metrics != nil {
				defer s.metrics.ConnectionsActive.Dec()
			}
			s.serveConn(c)
		}()
	}
}

// initial read buffer and socket chunk sizes.
const (
	readBufSize  = 4 * 1024
	readChunkLen = 4 * 1024
)

func (s *Server) serveConn(nc net.Conn) {
	defer nc.Close()

	connID := ulid.Make().String()
	log := s.logger.With("conn_id", connID, "remote", nc.RemoteAddr().String())
	log.Debug("connection accepted")

	var limiter *rate.Limiter
	if s.limiters != nil {
		limiter = s.limiters.get(hostOf(nc.RemoteAddr().String()))
	}

	buf := make([]byte, 0, readBufSize)
	chunk := make([]byte, readChunkLen)
	var out []byte

	for {
		// Between commands the connection may idle; once a partial
		// frame is buffered, tighten to the per-command read timeout.
		timeout := s.cfg.IdleTimeout
		if len(buf) > 0 {
			timeout = s.cfg.ReadTimeout
		}
		if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return
		}

		n, err := nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("connection closed by client")
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Debug("connection timed out")
				return
			}
			log.Debug("connection read error", "error", err)
			return
		}

		// Drain every complete frame before reading again so pipelined
		// commands are answered in one pass.
		off := 0
		closing := false
		for off < len(buf) {
			frame, consumed, perr := resp.Parse(buf[off:], s.cfg.Limits)
			if errors.Is(perr, resp.ErrIncomplete) {
				break
			}
			if perr != nil {
				// Framing is lost: answer once, then drop the
				// connection.
				if errors.Is(perr, resp.ErrLimitExceeded) {
					log.Warn("protocol limit exceeded", "error", perr)
					out = resp.Error("ERR protocol limit exceeded").Append(out)
				} else {
					log.Debug("protocol error", "error", perr)
					out = resp.Error("ERR protocol error").Append(out)
				}
				s.flush(nc, out, log)
				return
			}
			off += consumed

			if limiter != nil && !limiter.Allow() {
				out = resp.Error("ERR rate limit exceeded").Append(out)
				continue
			}

			res := s.handler.Dispatch(frame)
			if !res.Skip {
				out = res.Reply.Append(out)
			}
			if res.Close {
				closing = true
				break
			}
		}
		buf = append(buf[:0], buf[off:]...)

		if len(out) > 0 {
			if !s.flush(nc, out, log) {
				return
			}
			out = out[:0]
		}
		if closing {
			log.Debug("connection closed on request")
			return
		}
	}
}

// flush writes the whole reply batch under the write deadline. It
// returns false if the connection is no longer usable.
func (s *Server) flush(nc net.Conn, out []byte, log *slog.Logger) bool {
	if err := nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return false
	}
	if _, err := nc.Write(out); err != nil {
		log.Debug("connection write error", "error", err)
		return false
	}
	return true
}

// ipLimiters tracks a token-bucket limiter per client IP.
type ipLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiters(perSecond int) *ipLimiters {
	return &ipLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    perSecond,
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

func hostOf(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
