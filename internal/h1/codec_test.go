package h1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bearcove/fluke/internal/hpack"
)

func TestParseRequestBasic(t *testing.T) {
	wire := "GET /index.html HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"User-Agent: fluke-test\r\n" +
		"\r\n"
	req, n, err := ParseRequest([]byte(wire))
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/index.html", req.Target)
	assert.True(t, req.KeepAlive)
	assert.False(t, req.Chunked)
	assert.Equal(t, int64(-1), req.ContentLength)

	// Pseudo-fields first, in the h2 request shape.
	assert.Equal(t, []hpack.Field{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/index.html"},
		{Name: ":authority", Value: "example.com"},
		{Name: "user-agent", Value: "fluke-test"},
	}, req.Fields)
}

func TestParseRequestIncremental(t *testing.T) {
	wire := "POST /submit HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\n\r\nbody"
	for cut := 0; cut < strings.Index(wire, "\r\n\r\n")+4; cut++ {
		_, _, err := ParseRequest([]byte(wire[:cut]))
		require.ErrorIs(t, err, ErrShortInput, "cut at %d", cut)
	}
	req, n, err := ParseRequest([]byte(wire))
	require.NoError(t, err)
	assert.Equal(t, int64(4), req.ContentLength)
	assert.Equal(t, "body", wire[n:])
}

func TestParseRequestConnectionSemantics(t *testing.T) {
	cases := []struct {
		head      string
		keepAlive bool
	}{
		{"GET / HTTP/1.1\r\nHost: x\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nHost: x\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nHost: x\r\nConnection: keep-alive\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nHost: x\r\nConnection: Keep-Alive, Upgrade\r\n\r\n", true},
	}
	for _, tc := range cases {
		req, _, err := ParseRequest([]byte(tc.head))
		require.NoError(t, err, tc.head)
		assert.Equal(t, tc.keepAlive, req.KeepAlive, tc.head)
	}
}

func TestParseRequestChunkedOverridesLength(t *testing.T) {
	wire := "POST / HTTP/1.1\r\nHost: x\r\n" +
		"Transfer-Encoding: chunked\r\nContent-Length: 100\r\n\r\n"
	req, _, err := ParseRequest([]byte(wire))
	require.NoError(t, err)
	assert.True(t, req.Chunked)
	assert.Equal(t, int64(-1), req.ContentLength)
}

func TestParseRequestErrors(t *testing.T) {
	cases := map[string]string{
		"no host":        "GET / HTTP/1.1\r\n\r\n",
		"bad version":    "GET / HTTP/2.0\r\nHost: x\r\n\r\n",
		"bad line":       "GET /\r\nHost: x\r\n\r\n",
		"bad header":     "GET / HTTP/1.1\r\nHost: x\r\nnocolon\r\n\r\n",
		"bad length":     "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: -1\r\n\r\n",
		"numeric length": "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: ten\r\n\r\n",
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseRequest([]byte(wire))
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrShortInput)
		})
	}
}

func TestParseChunk(t *testing.T) {
	wire := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")

	data, n, last, err := ParseChunk(wire)
	require.NoError(t, err)
	assert.Equal(t, []byte("Wiki"), data)
	assert.False(t, last)
	wire = wire[n:]

	data, n, last, err = ParseChunk(wire)
	require.NoError(t, err)
	assert.Equal(t, []byte("pedia"), data)
	assert.False(t, last)
	wire = wire[n:]

	_, n, last, err = ParseChunk(wire)
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, len(wire), n)
}

func TestParseChunkIncremental(t *testing.T) {
	wire := "6\r\nfoobar\r\n"
	for cut := 0; cut < len(wire); cut++ {
		_, _, _, err := ParseChunk([]byte(wire[:cut]))
		require.ErrorIs(t, err, ErrShortInput, "cut at %d", cut)
	}
}

func TestParseChunkExtensionsAndTrailers(t *testing.T) {
	data, _, last, err := ParseChunk([]byte("3;ext=1\r\nabc\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.False(t, last)

	// Trailers after the last chunk are consumed, not surfaced.
	wire := []byte("0\r\nx-check: 1\r\n\r\n")
	_, n, last, err := ParseChunk(wire)
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, len(wire), n)
}

func TestParseChunkBadSize(t *testing.T) {
	_, _, _, err := ParseChunk([]byte("zz\r\n"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrShortInput)
}

func TestAppendHeadWithLength(t *testing.T) {
	head := AppendHead(nil, Response{
		Status:        200,
		Fields:        []hpack.Field{{Name: "content-type", Value: "text/plain"}},
		ContentLength: 5,
		KeepAlive:     true,
	})
	s := string(head)
	assert.True(t, strings.HasPrefix(s, "HTTP/1.1 200 OK\r\n"), s)
	assert.Contains(t, s, "content-type: text/plain\r\n")
	assert.Contains(t, s, "content-length: 5\r\n")
	assert.Contains(t, s, "connection: keep-alive\r\n")
	assert.Contains(t, s, "date: ")
	assert.True(t, strings.HasSuffix(s, "\r\n\r\n"))
}

func TestAppendHeadChunked(t *testing.T) {
	head := AppendHead(nil, Response{Status: 404, ContentLength: -1})
	s := string(head)
	assert.True(t, strings.HasPrefix(s, "HTTP/1.1 404 Not Found\r\n"), s)
	assert.Contains(t, s, "transfer-encoding: chunked\r\n")
	assert.Contains(t, s, "connection: close\r\n")
}

func TestChunkedBodyRoundTrip(t *testing.T) {
	var wire []byte
	wire = AppendChunk(wire, []byte("hello "))
	wire = AppendChunk(wire, []byte("world"))
	wire = AppendLastChunk(wire)

	var got []byte
	for {
		data, n, last, err := ParseChunk(wire)
		require.NoError(t, err)
		wire = wire[n:]
		if last {
			break
		}
		got = append(got, data...)
	}
	assert.Equal(t, "hello world", string(got))
	assert.Empty(t, wire)
}
