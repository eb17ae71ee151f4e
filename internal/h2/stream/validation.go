package stream

import (
	"strconv"
	"strings"

	"github.com/bearcove/fluke/internal/hpack"
	"github.com/bearcove/fluke/internal/proto"
)

// ValidateRequestHeaders checks a decoded request header list per RFC 7540
// Section 8.1.2: lowercase names, pseudo-headers first and unduplicated, the
// mandatory :method/:scheme/:path trio, and no connection-specific fields.
// Violations are malformed requests, which are stream errors.
func ValidateRequestHeaders(streamID uint32, fields []hpack.Field) error {
	var (
		hasMethod   bool
		hasScheme   bool
		hasPath     bool
		seenRegular bool
		seenPseudo  = make(map[string]bool, 4)
	)

	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return proto.StrError(streamID, proto.ErrCodeProtocol,
				"header field name must be lowercase: %s", f.Name)
		}

		if strings.HasPrefix(f.Name, ":") {
			if seenRegular {
				return proto.StrError(streamID, proto.ErrCodeProtocol,
					"pseudo-header %s after regular header", f.Name)
			}
			if seenPseudo[f.Name] {
				return proto.StrError(streamID, proto.ErrCodeProtocol,
					"duplicate pseudo-header %s", f.Name)
			}
			seenPseudo[f.Name] = true

			switch f.Name {
			case ":method":
				hasMethod = true
			case ":scheme":
				hasScheme = true
			case ":path":
				hasPath = true
				if f.Value == "" {
					return proto.StrError(streamID, proto.ErrCodeProtocol, "empty :path")
				}
			case ":authority":
			default:
				return proto.StrError(streamID, proto.ErrCodeProtocol,
					"unknown pseudo-header %s", f.Name)
			}
			continue
		}

		seenRegular = true
		if err := validateRegularField(streamID, f); err != nil {
			return err
		}
	}

	switch {
	case !hasMethod:
		return proto.StrError(streamID, proto.ErrCodeProtocol, "missing :method")
	case !hasScheme:
		return proto.StrError(streamID, proto.ErrCodeProtocol, "missing :scheme")
	case !hasPath:
		return proto.StrError(streamID, proto.ErrCodeProtocol, "missing :path")
	}
	return nil
}

// ValidateTrailers checks a trailing header block: no pseudo-headers, same
// connection-specific restrictions as regular headers.
func ValidateTrailers(streamID uint32, fields []hpack.Field) error {
	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return proto.StrError(streamID, proto.ErrCodeProtocol,
				"header field name must be lowercase: %s", f.Name)
		}
		if strings.HasPrefix(f.Name, ":") {
			return proto.StrError(streamID, proto.ErrCodeProtocol,
				"pseudo-header %s in trailers", f.Name)
		}
		if err := validateRegularField(streamID, f); err != nil {
			return err
		}
	}
	return nil
}

func validateRegularField(streamID uint32, f hpack.Field) error {
	switch f.Name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return proto.StrError(streamID, proto.ErrCodeProtocol,
			"connection-specific header not allowed: %s", f.Name)
	case "te":
		if f.Value != "trailers" {
			return proto.StrError(streamID, proto.ErrCodeProtocol,
				"TE must be 'trailers', got %q", f.Value)
		}
	}
	return nil
}

// ContentLength extracts a declared content-length, returning -1 when absent.
func ContentLength(fields []hpack.Field) (int64, error) {
	for _, f := range fields {
		if f.Name == "content-length" {
			n, err := strconv.ParseInt(f.Value, 10, 64)
			if err != nil || n < 0 {
				return 0, proto.ConnError(proto.ErrCodeProtocol,
					"invalid content-length %q", f.Value)
			}
			return n, nil
		}
	}
	return -1, nil
}

// ValidateContentLength checks the received body size against the declared
// content-length, if one was present. A mismatch is a malformed message.
func ValidateContentLength(streamID uint32, declared, got int64) error {
	if declared >= 0 && declared != got {
		return proto.StrError(streamID, proto.ErrCodeProtocol,
			"content-length %d does not match body length %d", declared, got)
	}
	return nil
}

// ValidateStreamID checks that a peer-initiated stream identifier is odd
// (client-initiated) and strictly greater than every identifier seen before.
// Reuse or regression means the peer's view of the connection has diverged.
func ValidateStreamID(streamID, lastSeen uint32) error {
	if streamID == 0 {
		return proto.ConnError(proto.ErrCodeProtocol, "stream 0 is reserved")
	}
	if streamID%2 == 0 {
		return proto.ConnError(proto.ErrCodeProtocol,
			"client sent even-numbered stream id %d", streamID)
	}
	if streamID <= lastSeen {
		return proto.ConnError(proto.ErrCodeProtocol,
			"stream id %d not greater than last stream %d", streamID, lastSeen)
	}
	return nil
}
