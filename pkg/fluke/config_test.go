package fluke

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Addr)
	assert.True(t, cfg.EnableH1)
	assert.True(t, cfg.EnableH2)
}

func TestValidateNormalizesZeroValues(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 1024, cfg.BufferCount)
	assert.Equal(t, uint32(16384), cfg.MaxFrameSize)
	assert.Equal(t, uint32(65535), cfg.InitialWindowSize)
	assert.Equal(t, uint32(100), cfg.MaxConcurrentStreams)
	assert.NotNil(t, cfg.Logger)
	// Neither protocol enabled means HTTP/2 by default.
	assert.True(t, cfg.EnableH2)
	assert.False(t, cfg.EnableH1)
}

func TestValidateRejectsBufferSmallerThanFrame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = 1 << 20
	cfg.BufferSize = 32 * 1024
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsOversizedWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialWindowSize = 1 << 31
	require.Error(t, cfg.Validate())
}

func TestValidateClampsMaxFrameSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = 1 << 25
	cfg.BufferSize = 1 << 25
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32((1<<24)-1), cfg.MaxFrameSize)
}
