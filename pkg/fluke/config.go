// Package fluke exposes the HTTP/1.1 + HTTP/2 protocol engine as a server.
// Requests surface as an ordered header list plus body; responses travel the
// reverse path through header compression, the frame codec and pooled
// buffers into the event-loop transport.
package fluke

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds the server configuration for both protocols.
type Config struct {
	Addr         string // address to bind to
	Multicore    bool   // spread event loops across cores
	NumEventLoop int    // number of event loops (0 for auto-detect)
	ReusePort    bool   // enable SO_REUSEPORT

	// BufferCount and BufferSize shape the shared buffer pool. Every
	// connection leases from the same pool; exhaustion is backpressure.
	BufferCount int
	BufferSize  int

	MaxConcurrentStreams uint32 // per-connection HTTP/2 stream limit
	MaxFrameSize         uint32 // advertised HTTP/2 max frame size
	InitialWindowSize    uint32 // advertised per-stream window
	MaxHeaderListSize    uint32 // advertised decoded header list bound
	HeaderTableSize      uint32 // advertised HPACK dynamic table bound

	// AcceptRate limits new connections per second; 0 means unlimited.
	AcceptRate  float64
	AcceptBurst int

	// Workers sizes the goroutine pool dispatching requests to the
	// application handler. 0 picks a default.
	Workers int

	EnableH1 bool
	EnableH2 bool

	ShutdownTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns a Config with production defaults and a silent
// logger; binaries install their own.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Multicore:            true,
		ReusePort:            true,
		BufferCount:          1024,
		BufferSize:           32 * 1024,
		MaxConcurrentStreams: 100,
		MaxFrameSize:         16384,
		InitialWindowSize:    65535,
		MaxHeaderListSize:    1 << 20,
		HeaderTableSize:      4096,
		AcceptBurst:          64,
		Workers:              1024,
		EnableH1:             true,
		EnableH2:             true,
		ShutdownTimeout:      5 * time.Second,
		Logger:               zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration in place.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.BufferCount <= 0 {
		c.BufferCount = 1024
	}
	if c.BufferSize < 16*1024 {
		c.BufferSize = 32 * 1024
	}
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1 << 24) - 1
	}
	if uint32(c.BufferSize) < c.MaxFrameSize+9 {
		return fmt.Errorf("fluke: BufferSize %d cannot hold a %d-byte frame", c.BufferSize, c.MaxFrameSize)
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.InitialWindowSize > 1<<31-1 {
		return fmt.Errorf("fluke: InitialWindowSize %d exceeds 2^31-1", c.InitialWindowSize)
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = 1 << 20
	}
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = 4096
	}
	if c.Workers <= 0 {
		c.Workers = 1024
	}
	if c.AcceptRate > 0 && c.AcceptBurst <= 0 {
		c.AcceptBurst = 64
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if !c.EnableH1 && !c.EnableH2 {
		c.EnableH2 = true
	}
	return nil
}
