package fluke

import (
	"bytes"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// compressMinBytes is the smallest body worth encoding; below it the coding
// overhead usually exceeds the savings.
const compressMinBytes = 512

// compressBody picks a content coding from the accept-encoding value and
// returns the encoded body. ok is false when the body is too small, already
// encoded, or no supported coding was offered. Brotli wins over gzip when
// both are acceptable.
func compressBody(acceptEncoding string, headers []Header, body []byte) (enc string, out []byte, ok bool) {
	if len(body) < compressMinBytes || acceptEncoding == "" {
		return "", nil, false
	}
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-encoding") {
			return "", nil, false
		}
	}

	var wantBr, wantGzip bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		name := strings.TrimSpace(part)
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		switch strings.ToLower(name) {
		case "br":
			wantBr = true
		case "gzip":
			wantGzip = true
		}
	}

	var buf bytes.Buffer
	switch {
	case wantBr:
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(body); err != nil {
			return "", nil, false
		}
		if err := w.Close(); err != nil {
			return "", nil, false
		}
		enc = "br"
	case wantGzip:
		w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if err != nil {
			return "", nil, false
		}
		if _, err := w.Write(body); err != nil {
			return "", nil, false
		}
		if err := w.Close(); err != nil {
			return "", nil, false
		}
		enc = "gzip"
	default:
		return "", nil, false
	}

	if buf.Len() >= len(body) {
		return "", nil, false
	}
	return enc, buf.Bytes(), true
}
