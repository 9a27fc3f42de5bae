package rotation

import (
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/s2m2/internal/data"
	"github.com/born-ml/s2m2/internal/parallel"
)

func sequentialBatch(n, size int) *data.Batch {
	img := data.Channels * size * size
	b := &data.Batch{
		Images: make([]float32, n*img),
		Labels: make([]int32, n),
		Size:   size,
	}
	for i := range b.Images {
		b.Images[i] = float32(i)
	}
	for i := range b.Labels {
		b.Labels[i] = int32(10 + i)
	}
	return b
}

func TestRotate90(t *testing.T) {
	// 1 2      2 4
	// 3 4  ->  1 3
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	Rotate90(dst, src, 1, 2)
	assert.Equal(t, []float32{2, 4, 1, 3}, dst)
}

func TestRotate90FourTimesIsIdentity(t *testing.T) {
	size := 5
	src := make([]float32, data.Channels*size*size)
	for i := range src {
		src[i] = float32(i * 7 % 13)
	}
	cur := append([]float32(nil), src...)
	next := make([]float32, len(src))
	for i := 0; i < 4; i++ {
		Rotate90(next, cur, data.Channels, size)
		cur, next = next, cur
	}
	assert.Equal(t, src, cur)
}

func TestExpand(t *testing.T) {
	b := sequentialBatch(3, 4)
	img := data.Channels * 16

	out, err := Expand(b, parallel.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 12, out.Batch.Len())
	assert.Len(t, out.Batch.Images, 12*img)
	assert.Equal(t, tensor.Shape{12, 3, 4, 4}, out.Batch.Shape())
	assert.Equal(t, []int32{0, 1, 2, 3, 0, 1, 2, 3, 0, 1, 2, 3}, out.Rotations)
	assert.Equal(t, []int32{10, 10, 10, 10, 11, 11, 11, 11, 12, 12, 12, 12}, out.Batch.Labels)

	for k := 0; k < 3; k++ {
		orig := b.Images[k*img : (k+1)*img]
		assert.Equal(t, orig, out.Batch.Images[4*k*img:(4*k+1)*img], "view 0 of image %d", k)

		want := make([]float32, img)
		prev := orig
		for r := 1; r < 4; r++ {
			Rotate90(want, prev, data.Channels, 4)
			got := out.Batch.Images[(4*k+r)*img : (4*k+r+1)*img]
			assert.Equal(t, want, got, "view %d of image %d", r, k)
			prev = append([]float32(nil), want...)
		}
	}
}

func TestExpandSequentialMatchesParallel(t *testing.T) {
	b := sequentialBatch(9, 3)
	seq, err := Expand(b, parallel.Config{Enabled: false})
	require.NoError(t, err)
	par, err := Expand(b, parallel.WithWorkers(4))
	require.NoError(t, err)
	assert.Equal(t, seq, par)
}

func TestExpandRejectsShortBatch(t *testing.T) {
	b := sequentialBatch(2, 4)
	b.Images = b.Images[:10]
	_, err := Expand(b, parallel.DefaultConfig())
	assert.Error(t, err)
}

func TestHead(t *testing.T) {
	backend := autodiff.New(cpu.New())
	h := NewHead(6, backend)
	assert.Len(t, h.Parameters(), 2)

	x := tensor.Ones[float32](tensor.Shape{5, 6}, backend)
	assert.Equal(t, tensor.Shape{5, 4}, h.Forward(x).Shape())

	state, err := h.StateDict()
	require.NoError(t, err)
	require.Contains(t, state, "0.weight")
	require.Contains(t, state, "0.bias")
	assert.Equal(t, tensor.Shape{4, 6}, state["0.weight"].Shape())

	other := NewHead(6, backend)
	require.NoError(t, other.LoadStateDict(state))
	assert.Equal(t, h.Forward(x).Data(), other.Forward(x).Data())

	assert.Error(t, other.LoadStateDict(map[string]*tensor.RawTensor{"weight": state["0.weight"]}))
	assert.Error(t, NewHead(5, backend).LoadStateDict(state), "feature width mismatch")
}

func TestHeadStateDictIsSnapshot(t *testing.T) {
	backend := autodiff.New(cpu.New())
	h := NewHead(3, backend)
	state, err := h.StateDict()
	require.NoError(t, err)

	weight := h.Parameters()[0].Tensor().Data()
	before := state["0.weight"].AsFloat32()[0]
	weight[0] = before + 1
	assert.Equal(t, before, state["0.weight"].AsFloat32()[0])
}
