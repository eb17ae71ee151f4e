package h1

import (
	"net/http"
	"strconv"

	"github.com/bearcove/fluke/internal/date"
	"github.com/bearcove/fluke/internal/hpack"
)

// Response carries what the application hands back: a status, the header
// list (regular fields only, lowercased names), and whether a body follows.
type Response struct {
	Status int
	Fields []hpack.Field

	// ContentLength declares the body size; -1 switches to chunked transfer.
	ContentLength int64
	KeepAlive     bool
}

// AppendHead serializes the status line and headers onto dst. Bodies follow
// either raw (declared content-length) or via AppendChunk/AppendLastChunk.
func AppendHead(dst []byte, r Response) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(r.Status), 10)
	dst = append(dst, ' ')
	text := http.StatusText(r.Status)
	if text == "" {
		text = "Status"
	}
	dst = append(dst, text...)
	dst = append(dst, crlf...)

	dst = append(dst, "date: "...)
	dst = append(dst, date.Current()...)
	dst = append(dst, crlf...)

	var hasLength bool
	for _, f := range r.Fields {
		if f.Name == "content-length" || f.Name == "transfer-encoding" {
			hasLength = true
		}
		dst = append(dst, f.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, f.Value...)
		dst = append(dst, crlf...)
	}
	if !hasLength {
		if r.ContentLength >= 0 {
			dst = append(dst, "content-length: "...)
			dst = strconv.AppendInt(dst, r.ContentLength, 10)
			dst = append(dst, crlf...)
		} else {
			dst = append(dst, "transfer-encoding: chunked\r\n"...)
		}
	}

	if r.KeepAlive {
		dst = append(dst, "connection: keep-alive\r\n"...)
	} else {
		dst = append(dst, "connection: close\r\n"...)
	}
	return append(dst, crlf...)
}

// AppendChunk serializes one chunk of a chunked body.
func AppendChunk(dst, data []byte) []byte {
	if len(data) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(data)), 16)
	dst = append(dst, crlf...)
	dst = append(dst, data...)
	return append(dst, crlf...)
}

// AppendLastChunk terminates a chunked body.
func AppendLastChunk(dst []byte) []byte {
	return append(dst, "0\r\n\r\n"...)
}
