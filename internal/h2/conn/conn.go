// Package conn implements the connection half of the HTTP/2 state machine.
// One Conn owns all streams of one accepted transport session, the two
// connection-scoped flow-control windows, the settings negotiation, and one
// header-compression context per direction. A single sequential task drives
// each Conn: bytes go in through Receive in arrival order, frames come out
// through the Sink. No locking; the owner serializes access.
package conn

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/bearcove/fluke/internal/bufpool"
	"github.com/bearcove/fluke/internal/h2/frame"
	"github.com/bearcove/fluke/internal/h2/stream"
	"github.com/bearcove/fluke/internal/hpack"
	"github.com/bearcove/fluke/internal/proto"
)

// Sink consumes serialized outbound bytes. Write takes ownership of the
// lease across the submission boundary; the implementation returns it to the
// pool once the transport has consumed the bytes, including on error.
type Sink interface {
	Write(l *bufpool.Lease) error
}

// Events surfaces stream activity to the application layer. Callbacks run
// synchronously on the connection's task; the data slice passed to OnData
// aliases the inbound buffer and must not be retained past the call.
type Events interface {
	OnHeaders(streamID uint32, fields []hpack.Field, endStream bool)
	OnData(streamID uint32, data []byte, endStream bool)
	OnStreamClose(streamID uint32, err error)
}

// Options configures one connection.
type Options struct {
	// Local is the parameter set we advertise in our initial SETTINGS.
	Local proto.Settings

	Logger *zap.Logger
}

// continuation tracks a header block still being reassembled. While active,
// the only legal next frame on the connection is a CONTINUATION for the same
// stream: the compression context is connection-global and cannot tolerate
// interleaving.
type continuation struct {
	active    bool
	streamID  uint32
	endStream bool
	frags     []byte
}

// Conn is the server side of one HTTP/2 connection.
type Conn struct {
	log    *zap.Logger
	pool   *bufpool.Pool
	sink   Sink
	events Events

	enc *hpack.Encoder
	dec *hpack.Decoder

	local proto.Settings // what we advertised; governs the peer's sends
	peer  proto.Settings // what the peer advertised; governs ours

	streams      map[uint32]*stream.Stream
	lastStreamID uint32 // highest peer-initiated id seen
	active       uint32

	sendWindow int64 // connection-scoped, credited by peer WINDOW_UPDATEs
	recvWindow int64 // connection-scoped, what we have advertised

	in   []byte
	cont continuation

	prefaceDone   bool
	settingsSeen  bool // peer's mandatory initial SETTINGS observed
	settingsAcked bool // peer acknowledged ours

	goawaySent bool
	goawayRecv bool
	peerLast   uint32 // last-stream-id from a received GOAWAY

	closed bool
}

// New builds a connection around a buffer pool and an outbound sink. Call
// Start before feeding bytes to Receive.
func New(pool *bufpool.Pool, sink Sink, events Events, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Local == (proto.Settings{}) {
		opts.Local = proto.DefaultSettings()
	}
	dec := hpack.NewDecoder(opts.Local.HeaderTableSize)
	dec.SetMaxHeaderListSize(opts.Local.MaxHeaderListSize)
	return &Conn{
		log:        opts.Logger,
		pool:       pool,
		sink:       sink,
		events:     events,
		enc:        hpack.NewEncoder(),
		dec:        dec,
		local:      opts.Local,
		peer:       proto.DefaultSettings(),
		streams:    make(map[uint32]*stream.Stream),
		sendWindow: proto.DefaultInitialWindowSize,
		recvWindow: proto.DefaultInitialWindowSize,
	}
}

// Start emits our initial SETTINGS frame. The exchange is mandatory before
// any other frame type.
func (c *Conn) Start() error {
	return c.sendBytes(frame.AppendSettings(nil, []proto.Setting{
		{ID: proto.SettingHeaderTableSize, Val: c.local.HeaderTableSize},
		{ID: proto.SettingMaxConcurrentStreams, Val: c.local.MaxConcurrentStreams},
		{ID: proto.SettingInitialWindowSize, Val: c.local.InitialWindowSize},
		{ID: proto.SettingMaxFrameSize, Val: c.local.MaxFrameSize},
		{ID: proto.SettingMaxHeaderListSize, Val: c.local.MaxHeaderListSize},
	}))
}

// ActiveStreams returns the number of open peer-initiated streams.
func (c *Conn) ActiveStreams() int { return int(c.active) }

// SendWindow returns the remaining connection-level send budget.
func (c *Conn) SendWindow() int64 { return c.sendWindow }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool { return c.closed }

// Receive consumes inbound transport bytes: the client preface first, then
// frames in strict arrival order. Stream errors are handled internally (RST
// sent, other streams unaffected); a returned error is connection-fatal and
// the connection is already torn down, GOAWAY sent when possible.
func (c *Conn) Receive(data []byte) error {
	if c.closed {
		return fmt.Errorf("receive on closed connection")
	}
	c.in = append(c.in, data...)

	if !c.prefaceDone {
		if len(c.in) < len(proto.ClientPreface) {
			if !bytes.HasPrefix([]byte(proto.ClientPreface), c.in) {
				return c.fatal(proto.ConnError(proto.ErrCodeProtocol, "bad connection preface"))
			}
			return nil
		}
		if string(c.in[:len(proto.ClientPreface)]) != proto.ClientPreface {
			return c.fatal(proto.ConnError(proto.ErrCodeProtocol, "bad connection preface"))
		}
		c.in = c.in[len(proto.ClientPreface):]
		c.prefaceDone = true
	}

	for {
		f, n, err := frame.Parse(c.in, c.local.MaxFrameSize)
		if errors.Is(err, frame.ErrShortInput) {
			break
		}
		if err != nil {
			return c.fatal(err)
		}
		c.in = c.in[n:]

		if err := c.dispatch(f); err != nil {
			var se proto.StreamError
			if errors.As(err, &se) {
				if rstErr := c.resetStream(se); rstErr != nil {
					return c.fatal(rstErr)
				}
				continue
			}
			return c.fatal(err)
		}
		if c.closed {
			return nil
		}
	}
	if len(c.in) == 0 {
		c.in = nil
	}
	return nil
}

// dispatch routes one frame. The frame set is closed; this switch is the
// single dispatch point.
func (c *Conn) dispatch(f frame.Frame) error {
	if !c.settingsSeen && f.Type != frame.TypeSettings {
		return proto.ConnError(proto.ErrCodeProtocol,
			"first frame is %s, SETTINGS required", f.Type)
	}
	if c.cont.active && (f.Type != frame.TypeContinuation || f.StreamID != c.cont.streamID) {
		return proto.ConnError(proto.ErrCodeProtocol,
			"%s for stream %d interleaved into stream %d's header block",
			f.Type, f.StreamID, c.cont.streamID)
	}

	c.log.Debug("frame received",
		zap.Stringer("type", f.Type),
		zap.Uint32("stream", f.StreamID),
		zap.Int("len", len(f.Payload)))

	switch f.Type {
	case frame.TypeSettings:
		return c.onSettings(f)
	case frame.TypeHeaders:
		return c.onHeaders(f)
	case frame.TypeContinuation:
		return c.onContinuation(f)
	case frame.TypeData:
		return c.onData(f)
	case frame.TypeWindowUpdate:
		return c.onWindowUpdate(f)
	case frame.TypeRSTStream:
		return c.onRSTStream(f)
	case frame.TypePing:
		return c.onPing(f)
	case frame.TypeGoAway:
		return c.onGoAway(f)
	case frame.TypePriority:
		// Priority is advisory; validate and drop.
		_, _, _, err := f.Priority()
		return err
	case frame.TypePushPromise:
		return proto.ConnError(proto.ErrCodeProtocol, "PUSH_PROMISE from client")
	default:
		// Unknown frame types are ignored for extensibility.
		return nil
	}
}

func (c *Conn) onSettings(f frame.Frame) error {
	settings, err := f.Settings()
	if err != nil {
		return err
	}
	if f.Flags.Has(frame.FlagAck) {
		c.settingsAcked = true
		return nil
	}

	oldInitial := c.peer.InitialWindowSize
	for _, s := range settings {
		if err := c.peer.Apply(s); err != nil {
			return err
		}
	}
	c.settingsSeen = true

	// Our encoder's table bound follows the peer's HEADER_TABLE_SIZE; the
	// size-update instruction is emitted at the start of the next block.
	c.enc.SetMaxDynamicTableSize(c.peer.HeaderTableSize)

	// An INITIAL_WINDOW_SIZE change shifts every stream's send window by the
	// delta, possibly below zero.
	if delta := int64(c.peer.InitialWindowSize) - int64(oldInitial); delta != 0 {
		for _, s := range c.streams {
			if err := s.AdjustSendWindow(delta); err != nil {
				return err
			}
		}
	}

	if err := c.sendBytes(frame.AppendSettingsAck(nil)); err != nil {
		return err
	}
	// A raised initial window may unblock deferred data.
	return c.flushDeferred()
}

func (c *Conn) onHeaders(f frame.Frame) error {
	frag, err := f.HeaderBlockFragment()
	if err != nil {
		return err
	}
	endStream := f.Flags.Has(frame.FlagEndStream)
	if !f.Flags.Has(frame.FlagEndHeaders) {
		c.cont = continuation{
			active:    true,
			streamID:  f.StreamID,
			endStream: endStream,
			frags:     append([]byte(nil), frag...),
		}
		return nil
	}
	return c.headerBlock(f.StreamID, frag, endStream)
}

func (c *Conn) onContinuation(f frame.Frame) error {
	if !c.cont.active {
		return proto.ConnError(proto.ErrCodeProtocol, "CONTINUATION without open header block")
	}
	c.cont.frags = append(c.cont.frags, f.Payload...)
	if !f.Flags.Has(frame.FlagEndHeaders) {
		return nil
	}
	streamID, block, endStream := c.cont.streamID, c.cont.frags, c.cont.endStream
	c.cont = continuation{}
	return c.headerBlock(streamID, block, endStream)
}

// headerBlock processes one fully reassembled header block. The decode must
// happen before any other frame is processed: it mutates the connection's
// inbound dynamic table.
func (c *Conn) headerBlock(streamID uint32, block []byte, endStream bool) error {
	fields, err := c.dec.Decode(block)
	if err != nil {
		if errors.Is(err, hpack.ErrHeaderListTooLarge) {
			// The decoder consumed the whole block and applied every table
			// mutation; the compression context is intact, so one stream pays.
			return proto.StrError(streamID, proto.ErrCodeEnhanceYourCalm, "header list too large")
		}
		return err
	}

	if s, ok := c.streams[streamID]; ok {
		// A second block on a live stream is trailers.
		if err := stream.ValidateTrailers(streamID, fields); err != nil {
			return err
		}
		if err := s.RecvHeaders(endStream); err != nil {
			return err
		}
		c.events.OnHeaders(streamID, fields, endStream)
		c.evictIfDone(s)
		return nil
	}

	if err := stream.ValidateStreamID(streamID, c.lastStreamID); err != nil {
		if streamID != 0 && streamID%2 == 1 && streamID <= c.lastStreamID {
			// The stream existed and was closed and evicted.
			return proto.StrError(streamID, proto.ErrCodeStreamClosed, "HEADERS on closed stream")
		}
		return err
	}
	c.lastStreamID = streamID

	if c.goawaySent {
		return proto.StrError(streamID, proto.ErrCodeRefusedStream, "connection shutting down")
	}
	if c.local.MaxConcurrentStreams > 0 && c.active >= c.local.MaxConcurrentStreams {
		return proto.StrError(streamID, proto.ErrCodeRefusedStream,
			"concurrent stream limit %d reached", c.local.MaxConcurrentStreams)
	}

	s := stream.New(streamID, c.peer.InitialWindowSize, c.local.InitialWindowSize)
	c.streams[streamID] = s
	c.active++

	if err := s.RecvHeaders(endStream); err != nil {
		return err
	}
	if err := stream.ValidateRequestHeaders(streamID, fields); err != nil {
		return err
	}
	c.events.OnHeaders(streamID, fields, endStream)
	c.evictIfDone(s)
	return nil
}

func (c *Conn) onData(f frame.Frame) error {
	data, err := f.Data()
	if err != nil {
		return err
	}
	// The whole payload, padding included, counts against flow control. The
	// connection window is checked first: exceeding it is fatal regardless of
	// the stream's own budget.
	n := len(f.Payload)
	if int64(n) > c.recvWindow {
		return proto.ConnError(proto.ErrCodeFlowControl,
			"DATA length %d exceeds connection window %d", n, c.recvWindow)
	}
	c.recvWindow -= int64(n)

	s, ok := c.streams[f.StreamID]
	if !ok {
		if f.StreamID > c.lastStreamID || f.StreamID%2 == 0 {
			return proto.ConnError(proto.ErrCodeProtocol, "DATA on idle stream %d", f.StreamID)
		}
		// Closed and evicted; hand the window bytes back and reset.
		if err := c.replenishConn(n); err != nil {
			return err
		}
		return proto.StrError(f.StreamID, proto.ErrCodeStreamClosed, "DATA on closed stream")
	}

	endStream := f.Flags.Has(frame.FlagEndStream)
	if err := s.RecvData(n, endStream); err != nil {
		if replErr := c.replenishConn(n); replErr != nil {
			return replErr
		}
		return err
	}

	c.events.OnData(f.StreamID, data, endStream)

	if err := c.replenishConn(n); err != nil {
		return err
	}
	if n > 0 && !endStream {
		if err := c.sendBytes(frame.AppendWindowUpdate(nil, f.StreamID, uint32(n))); err != nil {
			return err
		}
		s.CreditRecv(uint32(n))
	}
	c.evictIfDone(s)
	return nil
}

// replenishConn hands n connection-window bytes back to the peer.
func (c *Conn) replenishConn(n int) error {
	if n == 0 {
		return nil
	}
	if err := c.sendBytes(frame.AppendWindowUpdate(nil, 0, uint32(n))); err != nil {
		return err
	}
	c.recvWindow += int64(n)
	return nil
}

func (c *Conn) onWindowUpdate(f frame.Frame) error {
	inc, err := f.WindowUpdate()
	if err != nil {
		return err
	}
	if f.StreamID == 0 {
		if c.sendWindow+int64(inc) > proto.MaxWindowSize {
			return proto.ConnError(proto.ErrCodeFlowControl,
				"window increment %d overflows connection window", inc)
		}
		c.sendWindow += int64(inc)
		return c.flushDeferred()
	}

	s, ok := c.streams[f.StreamID]
	if !ok {
		if f.StreamID <= c.lastStreamID {
			// Trailing WINDOW_UPDATE on a closed stream; tolerated.
			return nil
		}
		return proto.ConnError(proto.ErrCodeProtocol, "WINDOW_UPDATE on idle stream %d", f.StreamID)
	}
	if err := s.CreditSend(inc); err != nil {
		return err
	}
	return c.flushDeferred()
}

func (c *Conn) onRSTStream(f frame.Frame) error {
	code, err := f.RSTStream()
	if err != nil {
		return err
	}
	s, ok := c.streams[f.StreamID]
	if !ok {
		if f.StreamID > c.lastStreamID {
			return proto.ConnError(proto.ErrCodeProtocol, "RST_STREAM on idle stream %d", f.StreamID)
		}
		return nil
	}
	c.log.Debug("stream reset by peer",
		zap.Uint32("stream", f.StreamID), zap.Stringer("code", code))
	c.closeStream(s, proto.StrError(f.StreamID, code, "reset by peer"))
	return nil
}

func (c *Conn) onPing(f frame.Frame) error {
	data, err := f.Ping()
	if err != nil {
		return err
	}
	if f.Flags.Has(frame.FlagAck) {
		// Reply to a liveness probe we sent; not routed anywhere.
		return nil
	}
	return c.sendBytes(frame.AppendPing(nil, true, data))
}

func (c *Conn) onGoAway(f frame.Frame) error {
	last, code, debug, err := f.GoAway()
	if err != nil {
		return err
	}
	c.goawayRecv = true
	c.peerLast = last
	c.log.Info("GOAWAY received",
		zap.Uint32("last_stream", last),
		zap.Stringer("code", code),
		zap.ByteString("debug", debug))
	return nil
}

// WriteHeaders encodes and sends a header block for streamID, fragmented
// into HEADERS + CONTINUATION as the peer's max frame size requires.
func (c *Conn) WriteHeaders(streamID uint32, fields []hpack.Field, endStream bool) error {
	if c.closed {
		return fmt.Errorf("write on closed connection")
	}
	s, ok := c.streams[streamID]
	if !ok {
		return proto.StrError(streamID, proto.ErrCodeStreamClosed, "write on unknown stream")
	}
	if err := s.SendHeaders(endStream); err != nil {
		return err
	}
	block := c.enc.Encode(fields)
	if err := c.sendBytes(frame.AppendHeaderBlock(nil, streamID, endStream, block, c.peer.MaxFrameSize)); err != nil {
		return err
	}
	c.evictIfDone(s)
	return nil
}

// WriteData sends body bytes on streamID, splitting into frames bounded by
// the peer's max frame size. Bytes that exceed the stream or connection
// window are serialized into pooled leases and deferred; the queue drains
// automatically as WINDOW_UPDATEs arrive. Returns proto.ErrFlowDeferred when
// any part was queued rather than transmitted, proto.ErrExhausted when the
// pool cannot hold the deferred bytes right now.
func (c *Conn) WriteData(streamID uint32, p []byte, endStream bool) error {
	if c.closed {
		return fmt.Errorf("write on closed connection")
	}
	s, ok := c.streams[streamID]
	if !ok {
		return proto.StrError(streamID, proto.ErrCodeStreamClosed, "write on unknown stream")
	}

	maxChunk := int(c.peer.MaxFrameSize)
	if r := c.pool.RegionSize() - frame.HeaderLen; r < maxChunk {
		maxChunk = r
	}

	deferred := false
	for first := true; first || len(p) > 0; first = false {
		chunk := p
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		p = p[len(chunk):]
		end := endStream && len(p) == 0

		fits := int64(len(chunk)) <= s.SendWindow() && int64(len(chunk)) <= c.sendWindow
		if fits && !deferred && !s.HasDeferred() {
			if err := s.SendData(len(chunk), end); err != nil {
				return err
			}
			c.sendWindow -= int64(len(chunk))
			if err := c.sendBytes(frame.AppendData(nil, streamID, end, chunk)); err != nil {
				return err
			}
			continue
		}

		l, err := c.pool.Acquire()
		if err != nil {
			return err
		}
		wire := frame.AppendData(l.Writable()[:0], streamID, end, chunk)
		l.SetLen(len(wire))
		s.Defer(stream.Chunk{Lease: l, N: len(chunk), EndStream: end})
		deferred = true
	}

	c.evictIfDone(s)
	if deferred {
		return proto.ErrFlowDeferred
	}
	return nil
}

// flushDeferred transmits queued DATA chunks that now fit inside both
// windows, oldest first per stream, streams in id order for determinism.
func (c *Conn) flushDeferred() error {
	for progress := true; progress; {
		progress = false

		var ids []uint32
		for id, s := range c.streams {
			if s.HasDeferred() {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			s := c.streams[id]
			for {
				ch, ok := s.PopDeferred(c.sendWindow)
				if !ok {
					break
				}
				if err := s.SendData(ch.N, ch.EndStream); err != nil {
					c.pool.Release(ch.Lease)
					return err
				}
				c.sendWindow -= int64(ch.N)
				if err := c.sink.Write(ch.Lease); err != nil {
					return err
				}
				progress = true
			}
			c.evictIfDone(s)
		}
	}
	return nil
}

// ResetStream aborts one stream locally with the given code.
func (c *Conn) ResetStream(streamID uint32, code proto.ErrCode) error {
	return c.resetStream(proto.StrError(streamID, code, "reset by application"))
}

// resetStream sends RST_STREAM and closes the local state. The connection
// and its other streams continue unaffected.
func (c *Conn) resetStream(se proto.StreamError) error {
	if err := c.sendBytes(frame.AppendRSTStream(nil, se.StreamID, se.Code)); err != nil {
		return err
	}
	c.log.Debug("stream reset", zap.Uint32("stream", se.StreamID),
		zap.Stringer("code", se.Code), zap.String("reason", se.Reason))
	if s, ok := c.streams[se.StreamID]; ok {
		c.closeStream(s, se)
	}
	return nil
}

// closeStream removes a stream from the table, returning any deferred leases
// to the pool.
func (c *Conn) closeStream(s *stream.Stream, cause error) {
	for _, ch := range s.Reset() {
		c.pool.Release(ch.Lease)
	}
	delete(c.streams, s.ID)
	c.active--
	c.events.OnStreamClose(s.ID, cause)
}

func (c *Conn) evictIfDone(s *stream.Stream) {
	if !s.Done() {
		return
	}
	for _, ch := range s.Reset() {
		c.pool.Release(ch.Lease)
	}
	delete(c.streams, s.ID)
	c.active--
	c.events.OnStreamClose(s.ID, nil)
}

// Shutdown begins a graceful close: GOAWAY advertising the last accepted
// stream, no new streams after, existing streams run to completion.
func (c *Conn) Shutdown() error {
	if c.closed || c.goawaySent {
		return nil
	}
	if err := c.sendBytes(frame.AppendGoAway(nil, c.lastStreamID, proto.ErrCodeNo, nil)); err != nil {
		return err
	}
	c.goawaySent = true
	return nil
}

// Close tears the connection down immediately: every stream transitions to
// Closed without further callbacks beyond OnStreamClose, and every deferred
// lease goes back to the pool.
func (c *Conn) Close() {
	c.teardown(nil)
}

// fatal sends GOAWAY when the failure carries a protocol error code, then
// tears everything down. The original error is returned for the caller.
func (c *Conn) fatal(err error) error {
	var ce proto.ConnectionError
	if errors.As(err, &ce) && !c.goawaySent && !c.closed {
		debug := []byte(ce.Reason)
		if sendErr := c.sendBytes(frame.AppendGoAway(nil, c.lastStreamID, ce.Code, debug)); sendErr == nil {
			c.goawaySent = true
		}
	}
	c.log.Warn("connection failed", zap.Error(err))
	c.teardown(err)
	return err
}

func (c *Conn) teardown(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, s := range c.streams {
		for _, ch := range s.Reset() {
			c.pool.Release(ch.Lease)
		}
		c.events.OnStreamClose(s.ID, cause)
	}
	c.streams = make(map[uint32]*stream.Stream)
	c.active = 0
	c.in = nil
	c.cont = continuation{}
}

// sendBytes serializes b through pooled leases into the sink. Ownership of
// each lease moves to the sink with the call.
func (c *Conn) sendBytes(b []byte) error {
	for len(b) > 0 {
		l, err := c.pool.Acquire()
		if err != nil {
			return err
		}
		n := l.Fill(b)
		b = b[n:]
		if err := c.sink.Write(l); err != nil {
			return fmt.Errorf("transport write: %w", err)
		}
	}
	return nil
}
