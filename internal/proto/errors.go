// Package proto defines the shared HTTP/2 protocol vocabulary: error codes,
// settings identifiers, defaults, and the tagged error types that tell callers
// whether a failure ended the connection, one stream, or is retryable.
package proto

import (
	"errors"
	"fmt"
)

// ErrCode is an HTTP/2 error code as carried by RST_STREAM and GOAWAY frames.
type ErrCode uint32

// Error codes per RFC 7540 Section 7.
const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (c ErrCode) String() string {
	if name, ok := errCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown error code 0x%x", uint32(c))
}

// ConnectionError terminates the whole connection. The engine sends GOAWAY with
// Code when possible, then tears down all streams.
type ConnectionError struct {
	Code   ErrCode
	Reason string
}

func (e ConnectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection error: %s", e.Code)
	}
	return fmt.Sprintf("connection error: %s (%s)", e.Code, e.Reason)
}

// ConnError builds a ConnectionError with a formatted reason.
func ConnError(code ErrCode, format string, args ...any) ConnectionError {
	return ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StreamError terminates a single stream via RST_STREAM; the connection and its
// other streams continue unaffected.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
	Reason   string
}

func (e StreamError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream error on %d: %s", e.StreamID, e.Code)
	}
	return fmt.Sprintf("stream error on %d: %s (%s)", e.StreamID, e.Code, e.Reason)
}

// StrError builds a StreamError with a formatted reason.
func StrError(streamID uint32, code ErrCode, format string, args ...any) StreamError {
	return StreamError{StreamID: streamID, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Recoverable backpressure conditions. These are never connection-fatal by
// themselves: callers defer the operation or refuse the stream and move on.
var (
	// ErrExhausted reports that the buffer pool has no free region right now.
	ErrExhausted = errors.New("buffer pool exhausted")

	// ErrStreamRefused reports that a new stream was rejected because the
	// concurrent-stream limit is reached.
	ErrStreamRefused = errors.New("stream refused: too many concurrent streams")

	// ErrFlowDeferred reports that a DATA send was withheld because the peer's
	// advertised window is empty; the write resumes on WINDOW_UPDATE.
	ErrFlowDeferred = errors.New("send deferred: flow-control window empty")
)

// IsRetryable reports whether err is a backpressure condition the caller may
// retry, as opposed to a terminal stream or connection failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExhausted) ||
		errors.Is(err, ErrStreamRefused) ||
		errors.Is(err, ErrFlowDeferred)
}

// IsConnectionFatal reports whether err must tear down the whole connection.
func IsConnectionFatal(err error) bool {
	var ce ConnectionError
	return errors.As(err, &ce)
}
