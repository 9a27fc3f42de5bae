package backbone

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func newBackend() testBackend {
	return autodiff.New(cpu.New())
}

func tinyWRN(t *testing.T, b testBackend, classes int) *Network[testBackend] {
	t.Helper()
	net, err := NewWideResNet(WideResNetConfig{Depth: 10, Widen: 1, NumClasses: classes}, b)
	require.NoError(t, err)
	return net
}

func tinyResNet(t *testing.T, b testBackend, classes int) *Network[testBackend] {
	t.Helper()
	net, err := NewResNet(ResNetConfig{
		Widths:     [4]int{4, 4, 8, 8},
		Blocks:     [4]int{1, 1, 1, 1},
		NumClasses: classes,
	}, b)
	require.NoError(t, err)
	return net
}

func randomInput(t *testing.T, b testBackend, shape tensor.Shape, seed uint64) *tensor.Tensor[float32, testBackend] {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	x, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return x
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("WideResNet28_10")
	require.NoError(t, err)
	assert.Equal(t, WideResNet28_10, k)
	assert.Equal(t, 640, k.FeatureDim())

	k, err = ParseKind("ResNet18")
	require.NoError(t, err)
	assert.Equal(t, 512, k.FeatureDim())

	_, err = ParseKind("ResNet10")
	assert.ErrorIs(t, err, ErrUnknownModel)
	_, err = New(Kind("Conv4"), 64, newBackend())
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestConfigValidation(t *testing.T) {
	b := newBackend()
	_, err := NewWideResNet(WideResNetConfig{Depth: 27, Widen: 1, NumClasses: 5}, b)
	assert.Error(t, err)
	_, err = NewWideResNet(WideResNetConfig{Depth: 10, Widen: 0, NumClasses: 5}, b)
	assert.Error(t, err)
	_, err = NewResNet(ResNetConfig{Widths: [4]int{4, 4, 0, 8}, Blocks: [4]int{1, 1, 1, 1}, NumClasses: 5}, b)
	assert.Error(t, err)
}

func TestWideResNetForward(t *testing.T) {
	b := newBackend()
	net := tinyWRN(t, b, 5)
	assert.Equal(t, 64, net.FeatureDim())

	features, logits := net.Forward(randomInput(t, b, tensor.Shape{2, 3, 8, 8}, 1))
	assert.Equal(t, tensor.Shape{2, 64}, features.Shape())
	assert.Equal(t, tensor.Shape{2, 5}, logits.Shape())
	for _, v := range logits.Data() {
		assert.False(t, math.IsNaN(float64(v)))
	}
}

func TestResNetForward(t *testing.T) {
	b := newBackend()
	net := tinyResNet(t, b, 3)
	features, logits := net.Forward(randomInput(t, b, tensor.Shape{2, 3, 16, 16}, 2))
	assert.Equal(t, tensor.Shape{2, 8}, features.Shape())
	assert.Equal(t, tensor.Shape{2, 3}, logits.Shape())
}

func TestWideResNetStateNames(t *testing.T) {
	net := tinyWRN(t, newBackend(), 5)
	state, err := net.StateDict()
	require.NoError(t, err)

	for _, name := range []string{
		"conv1.weight",
		"block1.layer.0.bn1.weight",
		"block1.layer.0.bn1.running_mean",
		"block1.layer.0.bn2.running_var",
		"block1.layer.0.conv2.weight",
		"block2.layer.0.convShortcut.weight",
		"bn1.bias",
		ClassifierG,
		ClassifierV,
	} {
		assert.Contains(t, state, name)
	}
	assert.Equal(t, tensor.Shape{5, 1}, state[ClassifierG].Shape())
	assert.Equal(t, tensor.Shape{5, 64}, state[ClassifierV].Shape())
	assert.Equal(t, tensor.Shape{32, 16, 3, 3}, state["block2.layer.0.conv1.weight"].Shape())
	assert.Len(t, state, len(net.StateNames()))
}

func TestResNetStateNames(t *testing.T) {
	net := tinyResNet(t, newBackend(), 3)
	state, err := net.StateDict()
	require.NoError(t, err)

	assert.Contains(t, state, "bn1.running_mean")
	assert.Contains(t, state, "layer1.0.conv1.weight")
	assert.Contains(t, state, "layer2.0.shortcut.0.weight")
	assert.Contains(t, state, "layer2.0.shortcut.1.running_var")
	assert.NotContains(t, state, "layer1.0.shortcut.0.weight", "identity shortcut has no parameters")
	assert.Contains(t, state, ClassifierG)
}

func TestFullSizeFeatureDims(t *testing.T) {
	b := newBackend()
	for _, k := range Kinds() {
		net, err := New(k, 64, b)
		require.NoError(t, err)
		assert.Equal(t, k.FeatureDim(), net.FeatureDim(), k)
		assert.Equal(t, 64, net.NumClasses())
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	b := newBackend()
	src := tinyWRN(t, b, 4)
	dst := tinyWRN(t, b, 4)

	// Move the running statistics away from their defaults.
	src.Forward(randomInput(t, b, tensor.Shape{4, 3, 8, 8}, 3))

	state, err := src.StateDict()
	require.NoError(t, err)
	require.NoError(t, dst.LoadStateDict(state))
	assert.Equal(t, src.NumParameters(), dst.NumParameters())

	src.SetTraining(false)
	dst.SetTraining(false)
	x := randomInput(t, b, tensor.Shape{2, 3, 8, 8}, 4)
	_, want := src.Forward(x)
	_, got := dst.Forward(x)
	assert.InDeltaSlice(t, want.Data(), got.Data(), 1e-5)
}

func TestStateDictIsSnapshot(t *testing.T) {
	net := tinyResNet(t, newBackend(), 3)
	state, err := net.StateDict()
	require.NoError(t, err)

	before := state["conv1.weight"].AsFloat32()[0]
	net.Parameters()[0].Tensor().Data()[0] = before + 1
	assert.Equal(t, before, state["conv1.weight"].AsFloat32()[0])
}

func TestLoadStateDictStrict(t *testing.T) {
	net := tinyResNet(t, newBackend(), 3)

	fresh := func() map[string]*tensor.RawTensor {
		s, err := net.StateDict()
		require.NoError(t, err)
		return s
	}

	missing := fresh()
	delete(missing, "layer3.0.bn2.running_mean")
	assert.ErrorIs(t, net.LoadStateDict(missing), ErrStateMismatch)

	extra := fresh()
	extra["linear.weight"] = extra[ClassifierV]
	assert.ErrorIs(t, net.LoadStateDict(extra), ErrStateMismatch)

	wrongShape := fresh()
	raw, err := tensor.NewRaw(tensor.Shape{3, 2}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	wrongShape[ClassifierG] = raw
	assert.ErrorIs(t, net.LoadStateDict(wrongShape), ErrStateMismatch)

	assert.NoError(t, net.LoadStateDict(fresh()))
}

func TestBatchNormTraining(t *testing.T) {
	b := newBackend()
	reg := newRegistry[testBackend]()
	bn := newBatchNorm2d(reg, "bn", 2, &mode{training: true}, b)

	// Channel 0 holds 1..4, channel 1 holds 10 everywhere.
	x, err := tensor.FromSlice([]float32{
		1, 2, 10, 10,
		3, 4, 10, 10,
	}, tensor.Shape{2, 2, 1, 2}, b)
	require.NoError(t, err)

	out := bn.Forward(x).Data()
	// mean 2.5, biased var 1.25
	std := math.Sqrt(1.25 + bnEpsilon)
	assert.InDelta(t, (1-2.5)/std, out[0], 1e-4)
	assert.InDelta(t, (4-2.5)/std, out[5], 1e-4)
	assert.InDelta(t, 0, out[2], 1e-4)

	assert.InDelta(t, 0.25, bn.runningMean.data[0], 1e-6)
	assert.InDelta(t, 1.0, bn.runningMean.data[1], 1e-6)
	// unbiased var 5/3 folded in with momentum 0.1
	assert.InDelta(t, 0.9+0.1*5.0/3.0, bn.runningVar.data[0], 1e-5)
	assert.InDelta(t, 0.9, bn.runningVar.data[1], 1e-6)
	assert.Len(t, reg.params, 2)
	assert.Len(t, reg.buffers, 2)
}

func TestBatchNormEval(t *testing.T) {
	b := newBackend()
	bn := newBatchNorm2d(newRegistry[testBackend](), "bn", 1, &mode{training: false}, b)
	bn.runningMean.data[0] = 2
	bn.runningVar.data[0] = 4

	x, err := tensor.FromSlice([]float32{2, 4, 6, 0}, tensor.Shape{1, 1, 2, 2}, b)
	require.NoError(t, err)
	out := bn.Forward(x).Data()
	std := float32(math.Sqrt(4 + bnEpsilon))
	assert.InDeltaSlice(t, []float32{0, 2 / std, 4 / std, -2 / std}, out, 1e-5)
	assert.Equal(t, float32(2), bn.runningMean.data[0], "eval must not update statistics")
}

func TestGlobalAvgPool(t *testing.T) {
	b := newBackend()
	x, err := tensor.FromSlice([]float32{
		1, 2, 3, 4, 10, 10, 10, 10,
	}, tensor.Shape{1, 2, 2, 2}, b)
	require.NoError(t, err)
	out := globalAvgPool(x)
	assert.Equal(t, tensor.Shape{1, 2}, out.Shape())
	assert.InDeltaSlice(t, []float32{2.5, 10}, out.Data(), 1e-6)
}

func TestDistLinear(t *testing.T) {
	b := newBackend()
	small := newDistLinear(newRegistry[testBackend](), 4, 5, b)
	assert.Equal(t, float32(2), small.Scale())
	large := newDistLinear(newRegistry[testBackend](), 4, 201, b)
	assert.Equal(t, float32(10), large.Scale())

	// With g = ||v|| the effective weight is v itself, so a feature parallel
	// to row r scores scale*||v_r|| on that class.
	v := small.v.Tensor().Data()
	g := small.g.Tensor().Data()
	feat := make([]float32, 4)
	for i, e := range v[8:12] {
		feat[i] = 3 * e
	}
	x, err := tensor.FromSlice(feat, tensor.Shape{1, 4}, b)
	require.NoError(t, err)
	scores := small.Forward(x).Data()
	require.Len(t, scores, 5)
	assert.InDelta(t, 2*g[2], scores[2], 1e-3)
	for r, s := range scores {
		assert.LessOrEqual(t, math.Abs(float64(s)), float64(2*g[r])+1e-3)
	}
}

func TestDistLinearZeroFeature(t *testing.T) {
	b := newBackend()
	d := newDistLinear(newRegistry[testBackend](), 3, 2, b)
	x := tensor.Zeros[float32](tensor.Shape{1, 3}, b)
	for _, s := range d.Forward(x).Data() {
		assert.False(t, math.IsNaN(float64(s)))
	}
}

func TestForwardMixupIdentity(t *testing.T) {
	b := newBackend()
	net := tinyWRN(t, b, 3)
	net.SetTraining(false)
	x := randomInput(t, b, tensor.Shape{3, 3, 8, 8}, 5)
	_, want := net.Forward(x)

	for layer := 0; layer < MixLayers; layer++ {
		out := net.forwardMixupAt(x, []int32{0, 1, 2}, 1, layer, []int{2, 0, 1})
		assert.InDeltaSlice(t, want.Data(), out.Logits.Data(), 1e-4, "layer %d", layer)
		assert.Equal(t, []int32{0, 1, 2}, out.TargetsA)
		assert.Equal(t, []int32{2, 0, 1}, out.TargetsB)
	}
}

func TestForwardMixupInputBlend(t *testing.T) {
	b := newBackend()
	net := tinyResNet(t, b, 3)
	net.SetTraining(false)

	x := randomInput(t, b, tensor.Shape{2, 3, 8, 8}, 6)
	data := x.Data()
	half := len(data) / 2
	swapped := make([]float32, len(data))
	copy(swapped, data[half:])
	copy(swapped[half:], data[:half])
	xs, err := tensor.FromSlice(swapped, x.Shape(), b)
	require.NoError(t, err)

	// lam=0 at the input is the same as feeding the permuted batch.
	out := net.forwardMixupAt(x, []int32{0, 1}, 0, 0, []int{1, 0})
	_, want := net.Forward(xs)
	assert.InDeltaSlice(t, want.Data(), out.Logits.Data(), 1e-4)
}

func TestForwardMixupSampling(t *testing.T) {
	b := newBackend()
	net := tinyResNet(t, b, 3)
	rng := rand.New(rand.NewPCG(7, 8))
	x := randomInput(t, b, tensor.Shape{2, 3, 8, 8}, 7)

	seen := map[int]bool{}
	for i := 0; i < 40; i++ {
		out, err := net.ForwardMixup(x, []int32{1, 2}, 0.3, rng)
		require.NoError(t, err)
		require.GreaterOrEqual(t, out.Layer, 0)
		require.Less(t, out.Layer, MixLayers)
		assert.ElementsMatch(t, []int32{1, 2}, out.TargetsB)
		seen[out.Layer] = true
	}
	assert.Len(t, seen, MixLayers)

	_, err := net.ForwardMixup(x, []int32{1}, 0.3, rng)
	assert.Error(t, err)
	_, err = net.ForwardMixup(x, []int32{1, 2}, 1.5, rng)
	assert.Error(t, err)
}

func TestBackwardReachesEveryParameter(t *testing.T) {
	b := newBackend()
	net := tinyResNet(t, b, 3)
	b.Tape().StartRecording()
	defer b.Tape().Clear()

	_, logits := net.Forward(randomInput(t, b, tensor.Shape{2, 3, 8, 8}, 9))
	targets, err := tensor.FromSlice([]int32{0, 2}, tensor.Shape{2}, b)
	require.NoError(t, err)
	loss := nn.NewCrossEntropyLoss(b).Forward(logits, targets)
	grads := b.Tape().Backward(tensor.Ones[float32](loss.Shape(), b).Raw(), b)

	for _, p := range net.Parameters() {
		g, ok := grads[p.Tensor().Raw()]
		if assert.True(t, ok, "no gradient for %s", p.Name()) {
			assert.Equal(t, p.Tensor().Shape(), g.Shape(), p.Name())
		}
	}
}
