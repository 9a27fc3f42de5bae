package device

import (
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"cpu": CPU, "CPU": CPU, " webgpu ": WebGPU, "auto": Auto} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseKind("cuda")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda")
}

func TestResolveConcrete(t *testing.T) {
	assert.Equal(t, CPU, Resolve(CPU))
	assert.Equal(t, WebGPU, Resolve(WebGPU))
}

func TestCPUContext(t *testing.T) {
	ctx := NewCPU()
	defer ctx.Close()

	assert.Equal(t, "cpu", ctx.Name())
	b := ctx.Backend()
	require.NotNil(t, b)

	b.Tape().StartRecording()
	x := tensor.Ones[float32](tensor.Shape{2, 2}, b)
	_ = x.Add(x)
	assert.Positive(t, b.Tape().NumOps())

	ctx.EmptyCache()
	assert.Zero(t, b.Tape().NumOps())

	// Close is idempotent.
	ctx.Close()
}

func TestHostInfo(t *testing.T) {
	assert.NotEmpty(t, HostInfo())
}
