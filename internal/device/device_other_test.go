//go:build !windows

package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoFallsBackToCPU(t *testing.T) {
	assert.Equal(t, CPU, Resolve(Auto))
}

func TestNewWebGPUUnavailable(t *testing.T) {
	dev, err := NewWebGPU()
	require.ErrorIs(t, err, ErrNoWebGPU)
	assert.Nil(t, dev)
}
