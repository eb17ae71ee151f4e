// Package h1 implements the HTTP/1.1 codec: the textual request grammar and
// response serialization, exposing the same header-list + body abstraction
// as the HTTP/2 engine. The codec is stateless per request; connection
// lifetime (keep-alive) is the caller's concern, informed by the parse.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bearcove/fluke/internal/hpack"
)

// ErrShortInput signals that the input does not yet hold a complete unit
// (request head or body chunk). Accumulate more bytes and retry.
var ErrShortInput = errors.New("h1: need more input")

// maxHeadBytes bounds the request line plus headers; a head that exceeds it
// without terminating is rejected rather than buffered forever.
const maxHeadBytes = 64 * 1024

var crlf = []byte("\r\n")

// Request is one parsed HTTP/1.1 request head. Fields carries the header
// list in the engine's unified shape: pseudo-fields first (:method, :scheme,
// :path, :authority), then regular fields with lowercased names.
type Request struct {
	Method string
	Target string

	Fields []hpack.Field

	// ContentLength is the declared body size; -1 when absent or chunked.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
}

// ParseRequest reads one request head from buf and returns it with the
// number of bytes consumed. ErrShortInput means the head is not complete
// yet; any other error is fatal for the connection.
func ParseRequest(buf []byte) (Request, int, error) {
	headEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headEnd == -1 {
		if len(buf) > maxHeadBytes {
			return Request{}, 0, fmt.Errorf("h1: request head exceeds %d bytes", maxHeadBytes)
		}
		return Request{}, 0, ErrShortInput
	}
	head := buf[:headEnd]
	consumed := headEnd + 4

	lineEnd := bytes.Index(head, crlf)
	if lineEnd == -1 {
		lineEnd = len(head)
	}
	req, err := parseRequestLine(head[:lineEnd])
	if err != nil {
		return Request{}, 0, err
	}

	var rest []byte
	if lineEnd < len(head) {
		rest = head[lineEnd+2:]
	}
	if err := parseHeaderLines(&req, rest); err != nil {
		return Request{}, 0, err
	}

	authority := ""
	for i, f := range req.Fields {
		if f.Name == ":authority" {
			authority = req.Fields[i].Value
			break
		}
	}
	if authority == "" {
		return Request{}, 0, fmt.Errorf("h1: missing Host header")
	}
	return req, consumed, nil
}

func parseRequestLine(line []byte) (Request, error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return Request{}, fmt.Errorf("h1: malformed request line")
	}
	method := string(parts[0])
	target := string(parts[1])
	version := string(parts[2])
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return Request{}, fmt.Errorf("h1: unsupported version %q", version)
	}
	if method == "" || target == "" {
		return Request{}, fmt.Errorf("h1: malformed request line")
	}
	req := Request{
		Method:        method,
		Target:        target,
		ContentLength: -1,
		KeepAlive:     version == "HTTP/1.1",
	}
	// Pseudo-fields first, mirroring the h2 request shape. :authority is
	// filled from Host below.
	req.Fields = append(req.Fields,
		hpack.Field{Name: ":method", Value: method},
		hpack.Field{Name: ":scheme", Value: "http"},
		hpack.Field{Name: ":path", Value: target},
	)
	return req, nil
}

func parseHeaderLines(req *Request, head []byte) error {
	authorityAt := len(req.Fields)
	req.Fields = append(req.Fields, hpack.Field{Name: ":authority"})

	for len(head) > 0 {
		var line []byte
		if i := bytes.Index(head, crlf); i >= 0 {
			line, head = head[:i], head[i+2:]
		} else {
			line, head = head, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return fmt.Errorf("h1: malformed header line")
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))

		switch name {
		case "host":
			req.Fields[authorityAt].Value = value
			continue
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("h1: invalid content-length %q", value)
			}
			if !req.Chunked {
				req.ContentLength = n
			}
		case "transfer-encoding":
			if containsToken(value, "chunked") {
				req.Chunked = true
				req.ContentLength = -1
			}
		case "connection":
			if containsToken(value, "close") {
				req.KeepAlive = false
			} else if containsToken(value, "keep-alive") {
				req.KeepAlive = true
			}
		}
		req.Fields = append(req.Fields, hpack.Field{Name: name, Value: value})
	}
	return nil
}

// containsToken reports whether a comma-separated header value contains the
// given token, case-insensitively.
func containsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// ParseChunk decodes one chunk of a chunked body. data aliases buf; last is
// true on the terminating zero-size chunk (trailers, if any, are consumed).
func ParseChunk(buf []byte) (data []byte, consumed int, last bool, err error) {
	lineEnd := bytes.Index(buf, crlf)
	if lineEnd == -1 {
		return nil, 0, false, ErrShortInput
	}
	sizeLine := buf[:lineEnd]
	if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
		sizeLine = sizeLine[:semi] // chunk extensions are ignored
	}
	size, perr := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
	if perr != nil || size < 0 {
		return nil, 0, false, fmt.Errorf("h1: invalid chunk size %q", sizeLine)
	}
	pos := lineEnd + 2

	if size == 0 {
		// Last chunk: consume through the final CRLF (skipping trailers).
		end := bytes.Index(buf[pos:], crlf)
		if end == -1 {
			return nil, 0, false, ErrShortInput
		}
		for end != 0 {
			pos += end + 2
			end = bytes.Index(buf[pos:], crlf)
			if end == -1 {
				return nil, 0, false, ErrShortInput
			}
		}
		return nil, pos + 2, true, nil
	}

	if int64(len(buf)) < int64(pos)+size+2 {
		return nil, 0, false, ErrShortInput
	}
	data = buf[pos : pos+int(size)]
	pos += int(size)
	if !bytes.Equal(buf[pos:pos+2], crlf) {
		return nil, 0, false, fmt.Errorf("h1: chunk data not terminated by CRLF")
	}
	return data, pos + 2, false, nil
}
