package fluke

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bearcove/fluke/internal/bufpool"
	"github.com/bearcove/fluke/internal/h1"
	"github.com/bearcove/fluke/internal/h2/conn"
	"github.com/bearcove/fluke/internal/hpack"
	"github.com/bearcove/fluke/internal/proto"
)

// session owns one accepted connection: protocol detection, the protocol
// engine driving it, and request assembly. The event loop feeds bytes through
// Receive; handlers run on the worker pool and write back through a
// ResponseWriter. The mutex serializes the engine between the two.
type session struct {
	cfg     *Config
	log     *zap.Logger
	pool    *bufpool.Pool
	sink    conn.Sink
	handler Handler

	// submit hands a task to the worker pool; closeTransport asks the event
	// loop to close the underlying connection.
	submit         func(func()) error
	closeTransport func()

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	detected bool
	isH2     bool
	sniff    []byte

	h2      *conn.Conn
	pending map[uint32]*Request

	h1buf  []byte
	h1cur  *h1Pending
	h1busy bool

	closed bool
}

// h1Pending is a parsed request head whose body is still arriving.
type h1Pending struct {
	head h1.Request
	body []byte
}

func newSession(cfg *Config, pool *bufpool.Pool, sink conn.Sink, handler Handler,
	submit func(func()) error, closeTransport func(), log *zap.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		cfg:            cfg,
		log:            log,
		pool:           pool,
		sink:           sink,
		handler:        handler,
		submit:         submit,
		closeTransport: closeTransport,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[uint32]*Request),
	}
}

// minSniffBytes is enough to tell the HTTP/2 preface ("PRI * HTTP/2.0...")
// from any HTTP/1.x request line.
const minSniffBytes = 4

// Receive consumes inbound transport bytes. A returned error is fatal for the
// connection; the caller closes the transport.
func (s *session) Receive(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	if !s.detected {
		s.sniff = append(s.sniff, data...)
		if len(s.sniff) < minSniffBytes {
			return nil
		}
		buffered := s.sniff
		s.sniff = nil
		s.detected = true
		s.isH2 = s.cfg.EnableH2 &&
			(!s.cfg.EnableH1 || string(buffered[:minSniffBytes]) == proto.ClientPreface[:minSniffBytes])
		if s.isH2 {
			s.h2 = conn.New(s.pool, s.sink, (*h2Events)(s), conn.Options{
				Local: proto.Settings{
					HeaderTableSize:      s.cfg.HeaderTableSize,
					EnablePush:           false,
					MaxConcurrentStreams: s.cfg.MaxConcurrentStreams,
					InitialWindowSize:    s.cfg.InitialWindowSize,
					MaxFrameSize:         s.cfg.MaxFrameSize,
					MaxHeaderListSize:    s.cfg.MaxHeaderListSize,
				},
				Logger: s.log,
			})
			if err := s.h2.Start(); err != nil {
				return err
			}
			return s.h2.Receive(buffered)
		}
		s.h1buf = buffered
		return s.pumpH1()
	}

	if s.isH2 {
		return s.h2.Receive(data)
	}
	s.h1buf = append(s.h1buf, data...)
	return s.pumpH1()
}

// pumpH1 parses as many complete requests as the buffer holds and dispatches
// them, one response in flight at a time. Called with s.mu held.
func (s *session) pumpH1() error {
	for !s.h1busy {
		if s.h1cur == nil {
			if len(s.h1buf) == 0 {
				return nil
			}
			head, n, err := h1.ParseRequest(s.h1buf)
			if errors.Is(err, h1.ErrShortInput) {
				return nil
			}
			if err != nil {
				s.sendLocked(h1.AppendHead(nil, h1.Response{Status: 400, ContentLength: 0}))
				return err
			}
			s.h1buf = s.h1buf[n:]
			s.h1cur = &h1Pending{head: head}
		}

		cur := s.h1cur
		switch {
		case cur.head.Chunked:
			done := false
			for !done {
				data, n, last, err := h1.ParseChunk(s.h1buf)
				if errors.Is(err, h1.ErrShortInput) {
					return nil
				}
				if err != nil {
					s.sendLocked(h1.AppendHead(nil, h1.Response{Status: 400, ContentLength: 0}))
					return err
				}
				s.h1buf = s.h1buf[n:]
				if last {
					done = true
					break
				}
				cur.body = append(cur.body, data...)
			}
		case cur.head.ContentLength > 0:
			need := int(cur.head.ContentLength) - len(cur.body)
			take := need
			if take > len(s.h1buf) {
				take = len(s.h1buf)
			}
			cur.body = append(cur.body, s.h1buf[:take]...)
			s.h1buf = s.h1buf[take:]
			if len(cur.body) < int(cur.head.ContentLength) {
				return nil
			}
		}

		s.h1cur = nil
		s.h1busy = true
		req := buildRequest("HTTP/1.1", 0, cur.head.Fields)
		req.Body = cur.body
		s.dispatch(req, &h1Writer{s: s, keepAlive: cur.head.KeepAlive})
	}
	return nil
}

// h1Done marks the in-flight HTTP/1.1 response complete. Called with s.mu
// held. keepAlive false closes the transport; otherwise pipelined requests
// already buffered get their turn.
func (s *session) h1Done(keepAlive bool) {
	s.h1busy = false
	if !keepAlive {
		s.closed = true
		s.closeTransport()
		return
	}
	if err := s.pumpH1(); err != nil {
		s.log.Debug("connection failed", zap.Error(err))
		s.closed = true
		s.closeTransport()
	}
}

// dispatch hands one assembled request to the worker pool. Called with s.mu
// held; the task itself takes the lock when it writes.
func (s *session) dispatch(req *Request, w responseState) {
	task := func() {
		requestsInFlight.Inc()
		start := time.Now()
		ctx, span := startSpan(s.ctx, req)

		err := s.handler.Serve(ctx, req, w)
		if err != nil {
			s.log.Error("handler failed",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Error(err))
			if !w.started() {
				err = w.WriteHeaders(500, nil, true)
			}
		}

		endSpan(span, w.status(), err)
		requestsInFlight.Dec()
		requestsTotal.WithLabelValues(req.Proto, req.Method, strconv.Itoa(w.status())).Inc()
		requestDuration.WithLabelValues(req.Proto).Observe(time.Since(start).Seconds())
	}
	if err := s.submit(task); err != nil {
		// Worker pool saturated; the request still gets served.
		s.log.Warn("worker pool overloaded, spawning", zap.Error(err))
		go task()
	}
}

// sendLocked serializes raw bytes through pooled leases into the sink.
// Called with s.mu held.
func (s *session) sendLocked(b []byte) error {
	for len(b) > 0 {
		l, err := s.pool.Acquire()
		if err != nil {
			return err
		}
		n := l.Fill(b)
		b = b[n:]
		if err := s.sink.Write(l); err != nil {
			return fmt.Errorf("transport write: %w", err)
		}
	}
	return nil
}

// shutdown begins a graceful close: on HTTP/2 a GOAWAY refusing new streams,
// on HTTP/1.1 the next response carries connection: close.
func (s *session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.isH2 && s.h2 != nil {
		if err := s.h2.Shutdown(); err != nil {
			s.log.Debug("goaway send failed", zap.Error(err))
		}
	}
}

// close tears the session down after the transport is gone.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancel()
	if s.h2 != nil {
		s.h2.Close()
	}
	s.pending = make(map[uint32]*Request)
	s.h1buf = nil
	s.h1cur = nil
	s.sniff = nil
}

// h2Events adapts the session to the connection state machine's callback
// interface. Callbacks run on the connection's task with s.mu already held.
type h2Events session

func (e *h2Events) OnHeaders(streamID uint32, fields []hpack.Field, endStream bool) {
	s := (*session)(e)
	if req, ok := s.pending[streamID]; ok {
		// Trailers join the header list.
		for _, f := range fields {
			if !strings.HasPrefix(f.Name, ":") {
				req.Headers = append(req.Headers, Header{Name: f.Name, Value: f.Value, Sensitive: f.Sensitive})
			}
		}
		if endStream {
			delete(s.pending, streamID)
			s.dispatch(req, &h2Writer{s: s, streamID: streamID})
		}
		return
	}

	req := buildRequest("HTTP/2", streamID, fields)
	if endStream {
		s.dispatch(req, &h2Writer{s: s, streamID: streamID})
		return
	}
	s.pending[streamID] = req
}

func (e *h2Events) OnData(streamID uint32, data []byte, endStream bool) {
	s := (*session)(e)
	req, ok := s.pending[streamID]
	if !ok {
		return
	}
	// data aliases the inbound buffer; it must be copied to outlive the call.
	req.Body = append(req.Body, data...)
	if endStream {
		delete(s.pending, streamID)
		s.dispatch(req, &h2Writer{s: s, streamID: streamID})
	}
}

func (e *h2Events) OnStreamClose(streamID uint32, err error) {
	s := (*session)(e)
	if err != nil {
		delete(s.pending, streamID)
		s.log.Debug("stream closed", zap.Uint32("stream", streamID), zap.Error(err))
	}
}

// buildRequest converts the unified header list into the application-facing
// request: pseudo-fields become the routing members, the rest stay in order.
func buildRequest(protoName string, streamID uint32, fields []hpack.Field) *Request {
	r := &Request{Proto: protoName, StreamID: streamID}
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			switch f.Name {
			case ":method":
				r.Method = f.Value
			case ":scheme":
				r.Scheme = f.Value
			case ":path":
				r.Path = f.Value
			case ":authority":
				r.Authority = f.Value
			}
			continue
		}
		r.Headers = append(r.Headers, Header{Name: f.Name, Value: f.Value, Sensitive: f.Sensitive})
	}
	return r
}

// responseState is what dispatch needs beyond the public writer surface.
type responseState interface {
	ResponseWriter
	started() bool
	status() int
}

// h2Writer sends one stream's response through the connection state machine.
type h2Writer struct {
	s        *session
	streamID uint32

	mu          sync.Mutex
	statusCode  int
	headersSent bool
}

func (w *h2Writer) WriteHeaders(status int, headers []Header, endStream bool) error {
	fields := make([]hpack.Field, 0, len(headers)+1)
	fields = append(fields, hpack.Field{Name: ":status", Value: strconv.Itoa(status)})
	for _, h := range headers {
		fields = append(fields, hpack.Field{
			Name:      strings.ToLower(h.Name),
			Value:     h.Value,
			Sensitive: h.Sensitive,
		})
	}

	w.mu.Lock()
	w.statusCode = status
	w.headersSent = true
	w.mu.Unlock()

	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.closed {
		return fmt.Errorf("write on closed connection")
	}
	return w.s.h2.WriteHeaders(w.streamID, fields, endStream)
}

func (w *h2Writer) WriteData(p []byte, endStream bool) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.closed {
		return fmt.Errorf("write on closed connection")
	}
	err := w.s.h2.WriteData(w.streamID, p, endStream)
	if errors.Is(err, proto.ErrFlowDeferred) {
		// Queued; the engine drains it as window credit arrives.
		return nil
	}
	return err
}

func (w *h2Writer) started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.headersSent
}

func (w *h2Writer) status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusCode
}

// h1Writer serializes one response. The head is held back until the first
// body write so a single-shot response can carry content-length instead of
// chunked transfer coding.
type h1Writer struct {
	s         *session
	keepAlive bool

	mu          sync.Mutex
	statusCode  int
	headersSent bool
	headQueued  bool
	fields      []hpack.Field
	chunked     bool
}

func (w *h1Writer) WriteHeaders(status int, headers []Header, endStream bool) error {
	fields := make([]hpack.Field, 0, len(headers))
	for _, h := range headers {
		fields = append(fields, hpack.Field{Name: strings.ToLower(h.Name), Value: h.Value})
	}

	w.mu.Lock()
	w.statusCode = status
	w.headersSent = true
	if !endStream {
		w.headQueued = true
		w.fields = fields
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.closed {
		return fmt.Errorf("write on closed connection")
	}
	err := w.s.sendLocked(h1.AppendHead(nil, h1.Response{
		Status:        status,
		Fields:        fields,
		ContentLength: 0,
		KeepAlive:     w.keepAlive,
	}))
	w.s.h1Done(w.keepAlive)
	return err
}

func (w *h1Writer) WriteData(p []byte, endStream bool) error {
	w.mu.Lock()
	if !w.headersSent {
		w.mu.Unlock()
		return fmt.Errorf("h1: WriteData before WriteHeaders")
	}

	var wire []byte
	if w.headQueued {
		w.headQueued = false
		resp := h1.Response{
			Status:    w.statusCode,
			Fields:    w.fields,
			KeepAlive: w.keepAlive,
		}
		if endStream {
			// Whole body in one call: declare its length and send it raw.
			resp.ContentLength = int64(len(p))
			wire = h1.AppendHead(nil, resp)
			wire = append(wire, p...)
		} else {
			resp.ContentLength = -1
			w.chunked = true
			wire = h1.AppendHead(nil, resp)
			wire = h1.AppendChunk(wire, p)
		}
	} else {
		wire = h1.AppendChunk(nil, p)
		if endStream && w.chunked {
			wire = h1.AppendLastChunk(wire)
		}
	}
	w.mu.Unlock()

	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.closed {
		return fmt.Errorf("write on closed connection")
	}
	if err := w.s.sendLocked(wire); err != nil {
		return err
	}
	if endStream {
		w.s.h1Done(w.keepAlive)
	}
	return nil
}

func (w *h1Writer) started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.headersSent
}

func (w *h1Writer) status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusCode
}
