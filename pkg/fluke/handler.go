package fluke

import (
	"context"
	"strings"
)

// Header is one (name, value) pair of a request or response header list.
// Order is significant. Sensitive marks values that must never enter the
// compression dynamic table (authorization material, cookies).
type Header struct {
	Name      string
	Value     string
	Sensitive bool
}

// Request is one complete request surfaced to the application: the ordered
// header list plus the assembled body. StreamID is 0 on HTTP/1.1.
type Request struct {
	Proto     string // "HTTP/1.1" or "HTTP/2"
	StreamID  uint32
	Method    string
	Scheme    string
	Path      string
	Authority string

	// Headers holds the regular (non-pseudo) fields, names lowercased.
	Headers []Header

	Body []byte
}

// HeaderValue returns the first value of the named header, or "".
func (r *Request) HeaderValue(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ResponseWriter sends a response back over whichever protocol carried the
// request. WriteHeaders must be called once before any WriteData; the
// response ends when endStream is passed on either call. Implementations are
// safe for use from the handler goroutine only.
type ResponseWriter interface {
	WriteHeaders(status int, headers []Header, endStream bool) error
	WriteData(p []byte, endStream bool) error
}

// Handler serves requests. Implementations run on the worker pool and may
// block; the connection's event loop is never held up by a handler.
type Handler interface {
	Serve(ctx context.Context, req *Request, w ResponseWriter) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request, w ResponseWriter) error

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, req *Request, w ResponseWriter) error {
	return f(ctx, req, w)
}

// WriteResponse sends a complete response in one shot, negotiating a content
// coding against the request's accept-encoding when the body is large enough
// to benefit.
func WriteResponse(w ResponseWriter, req *Request, status int, headers []Header, body []byte) error {
	if enc, compressed, ok := compressBody(req.HeaderValue("accept-encoding"), headers, body); ok {
		headers = append(headers, Header{Name: "content-encoding", Value: enc})
		body = compressed
	}
	if len(body) == 0 {
		return w.WriteHeaders(status, headers, true)
	}
	if err := w.WriteHeaders(status, headers, false); err != nil {
		return err
	}
	return w.WriteData(body, true)
}
