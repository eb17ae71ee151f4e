package fluke

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer     = otel.Tracer("fluke")
	propagator = propagation.TraceContext{}
)

// startSpan opens a server span for one request, continuing a trace the
// client propagated through the traceparent header.
func startSpan(ctx context.Context, req *Request) (context.Context, trace.Span) {
	parent := propagator.Extract(ctx, requestCarrier{req})
	spanCtx, span := tracer.Start(
		parent,
		req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.target", req.Path),
		attribute.String("http.scheme", req.Scheme),
		attribute.String("http.host", req.Authority),
		attribute.String("http.flavor", req.Proto),
		attribute.Int("http.request_content_length", len(req.Body)),
	)
	return spanCtx, span
}

// endSpan records the response outcome on the span and closes it.
func endSpan(span trace.Span, status int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= 400:
		span.SetStatus(codes.Error, strconv.Itoa(status))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// requestCarrier adapts the request header list to the propagation carrier.
type requestCarrier struct {
	req *Request
}

func (c requestCarrier) Get(key string) string {
	return c.req.HeaderValue(key)
}

func (c requestCarrier) Set(key, value string) {
	c.req.Headers = append(c.req.Headers, Header{Name: key, Value: value})
}

func (c requestCarrier) Keys() []string {
	keys := make([]string, 0, len(c.req.Headers))
	for _, h := range c.req.Headers {
		keys = append(keys, h.Name)
	}
	return keys
}
