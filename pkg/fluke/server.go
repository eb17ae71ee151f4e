package fluke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bearcove/fluke/internal/aio"
	"github.com/bearcove/fluke/internal/bufpool"
	"github.com/bearcove/fluke/internal/date"
	"github.com/bearcove/fluke/internal/proto"
)

// Server accepts connections on a gnet event loop and runs one protocol
// session per connection. All sessions lease from one shared buffer pool;
// handlers run on a bounded worker pool.
type Server struct {
	gnet.BuiltinEventEngine

	cfg     Config
	handler Handler
	log     *zap.Logger

	pool    *bufpool.Pool
	workers *ants.Pool
	limiter *rate.Limiter

	eng      gnet.Engine
	stopDate func()

	mu       sync.Mutex
	sessions map[gnet.Conn]*session
	stopping bool
}

// New builds a server around the handler. The configuration is validated and
// normalized; a broken configuration is an error, not a panic.
func New(cfg Config, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("fluke: nil handler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool := bufpool.New(cfg.BufferCount, cfg.BufferSize)
	workers, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("fluke: worker pool: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		handler:  handler,
		log:      cfg.Logger,
		pool:     pool,
		workers:  workers,
		sessions: make(map[gnet.Conn]*session),
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return s, nil
}

// ListenAndServe runs the event loop until Stop is called. It blocks.
func (s *Server) ListenAndServe() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(s.log.Sugar()),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	s.log.Info("server starting", zap.String("addr", s.cfg.Addr),
		zap.Bool("h1", s.cfg.EnableH1), zap.Bool("h2", s.cfg.EnableH2))
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop drains the server: GOAWAY on every HTTP/2 session, a grace period for
// in-flight streams, then the event loop goes down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown()
	}

	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.sessions)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	s.workers.Release()
	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.eng.Stop(stopCtx); err != nil {
		s.log.Warn("engine stop", zap.Error(err))
	}
	s.log.Info("server stopped")
	return nil
}

// PoolFree reports how many buffers the shared pool has available.
func (s *Server) PoolFree() int { return s.pool.Free() }

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.eng = eng
	s.stopDate = date.StartTicker()
	s.log.Info("event loop ready", zap.String("addr", s.cfg.Addr))
	return gnet.None
}

func (s *Server) OnShutdown(gnet.Engine) {
	if s.stopDate != nil {
		s.stopDate()
	}
}

func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if s.limiter != nil && !s.limiter.Allow() {
		acceptsRejected.Inc()
		return nil, gnet.Close
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, gnet.Close
	}
	s.mu.Unlock()

	adapter := aio.New(c, s.pool, s.log)
	sess := newSession(&s.cfg, s.pool, adapter, s.handler,
		s.workers.Submit, func() { _ = c.Close() }, s.log)
	c.SetContext(&connState{sess: sess, adapter: adapter})

	s.mu.Lock()
	s.sessions[c] = sess
	s.mu.Unlock()

	connectionsActive.Inc()
	s.log.Debug("connection opened", zap.String("remote", c.RemoteAddr().String()))
	return nil, gnet.None
}

func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if st, ok := c.Context().(*connState); ok {
		st.adapter.Close()
		st.sess.close()
	}
	s.mu.Lock()
	delete(s.sessions, c)
	s.mu.Unlock()

	connectionsActive.Dec()
	bufferPoolFree.Set(float64(s.pool.Free()))
	if err != nil {
		s.log.Debug("connection closed", zap.Error(err))
	}
	return gnet.None
}

func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	st, ok := c.Context().(*connState)
	if !ok {
		return gnet.Close
	}

	for c.InboundBuffered() > 0 {
		l, err := s.pool.Acquire()
		if errors.Is(err, proto.ErrExhausted) {
			// Backpressure: leave the bytes in the transport buffer and retry
			// once in-flight leases have had a chance to drain.
			s.log.Warn("buffer pool exhausted, deferring read",
				zap.String("remote", c.RemoteAddr().String()))
			time.AfterFunc(5*time.Millisecond, func() { _ = c.Wake(nil) })
			return gnet.None
		}
		if err != nil {
			return gnet.Close
		}
		n, err := st.adapter.SubmitRead(l)
		if err != nil {
			return gnet.Close
		}
		if n == 0 {
			s.pool.Release(l)
			break
		}
		rerr := st.sess.Receive(l.Bytes())
		s.pool.Release(l)
		if rerr != nil {
			s.log.Debug("session failed", zap.Error(rerr))
			return gnet.Close
		}
	}
	bufferPoolFree.Set(float64(s.pool.Free()))
	return gnet.None
}

// connState is what one gnet connection carries in its context slot.
type connState struct {
	sess    *session
	adapter *aio.Adapter
}
