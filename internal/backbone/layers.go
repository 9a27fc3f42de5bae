package backbone

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.1
)

// mode is shared by every layer of a network so one call flips train/eval.
type mode struct {
	training bool
}

// buffer is non-trainable state that still belongs in the state dict.
type buffer struct {
	data  []float32
	shape tensor.Shape
}

// registry collects named parameters and buffers in construction order.
type registry[B tensor.Backend] struct {
	params     []*nn.Parameter[B]
	paramNames map[string]*nn.Parameter[B]
	buffers    map[string]*buffer
	order      []string
}

func newRegistry[B tensor.Backend]() *registry[B] {
	return &registry[B]{
		paramNames: make(map[string]*nn.Parameter[B]),
		buffers:    make(map[string]*buffer),
	}
}

func (r *registry[B]) param(name string, t *tensor.Tensor[float32, B]) *nn.Parameter[B] {
	if _, dup := r.paramNames[name]; dup {
		panic(fmt.Sprintf("backbone: duplicate parameter %q", name))
	}
	named := nn.NewParameter(name, t)
	r.params = append(r.params, named)
	r.paramNames[name] = named
	r.order = append(r.order, name)
	return named
}

func (r *registry[B]) buffer(name string, data []float32, shape tensor.Shape) *buffer {
	if _, dup := r.buffers[name]; dup {
		panic(fmt.Sprintf("backbone: duplicate buffer %q", name))
	}
	b := &buffer{data: data, shape: shape}
	r.buffers[name] = b
	r.order = append(r.order, name)
	return b
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// conv2d is a bias-free convolution registered as "<name>.weight".
type conv2d[B tensor.Backend] struct {
	weight  *nn.Parameter[B]
	stride  int
	padding int
	backend B
}

func newConv2d[B tensor.Backend](reg *registry[B], name string, in, out, kernel, stride, padding int, backend B) *conv2d[B] {
	fanIn := in * kernel * kernel
	fanOut := out * kernel * kernel
	w := nn.Xavier(fanIn, fanOut, tensor.Shape{out, in, kernel, kernel}, backend)
	return &conv2d[B]{
		weight:  reg.param(join(name, "weight"), w),
		stride:  stride,
		padding: padding,
		backend: backend,
	}
}

func (c *conv2d[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	raw := c.backend.Conv2D(x.Raw(), c.weight.Tensor().Raw(), c.stride, c.padding)
	return tensor.New[float32, B](raw, c.backend)
}

// batchNorm2d normalises each channel over batch and spatial positions.
//
// Training mode uses batch statistics and updates the running estimates;
// eval mode uses the running estimates only.
type batchNorm2d[B tensor.Backend] struct {
	channels    int
	weight      *nn.Parameter[B]
	bias        *nn.Parameter[B]
	runningMean *buffer
	runningVar  *buffer
	mode        *mode
	backend     B
}

func newBatchNorm2d[B tensor.Backend](reg *registry[B], name string, channels int, m *mode, backend B) *batchNorm2d[B] {
	ones := make([]float32, channels)
	for i := range ones {
		ones[i] = 1
	}
	bn := &batchNorm2d[B]{
		channels: channels,
		mode:     m,
		backend:  backend,
	}
	bn.weight = reg.param(join(name, "weight"), tensor.Ones[float32](tensor.Shape{channels}, backend))
	bn.bias = reg.param(join(name, "bias"), tensor.Zeros[float32](tensor.Shape{channels}, backend))
	bn.runningMean = reg.buffer(join(name, "running_mean"), make([]float32, channels), tensor.Shape{channels})
	bn.runningVar = reg.buffer(join(name, "running_var"), ones, tensor.Shape{channels})
	return bn
}

func (bn *batchNorm2d[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != bn.channels {
		panic(fmt.Sprintf("batchnorm: expected [N,%d,H,W], got %v", bn.channels, shape))
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	m := n * h * w

	// [C, N*H*W] so per-channel reductions become a matmul with a ones column.
	cols := x.Transpose(1, 0, 2, 3).Reshape(c, m)

	var centered, std *tensor.Tensor[float32, B]
	eps := tensor.Full[float32](tensor.Shape{1, 1}, bnEpsilon, bn.backend)
	if bn.mode.training {
		ones := tensor.Ones[float32](tensor.Shape{m, 1}, bn.backend)
		inv := tensor.Full[float32](tensor.Shape{1, 1}, 1/float32(m), bn.backend)
		mean := cols.MatMul(ones).Mul(inv)
		centered = cols.Sub(mean)
		variance := centered.Mul(centered).MatMul(ones).Mul(inv)
		std = variance.Add(eps).Sqrt()
		bn.track(mean.Data(), variance.Data(), m)
	} else {
		mean := mustFromSlice(bn.runningMean.data, tensor.Shape{c, 1}, bn.backend)
		variance := mustFromSlice(bn.runningVar.data, tensor.Shape{c, 1}, bn.backend)
		centered = cols.Sub(mean)
		std = variance.Add(eps).Sqrt()
	}

	gamma := bn.weight.Tensor().Reshape(c, 1)
	beta := bn.bias.Tensor().Reshape(c, 1)
	out := centered.Div(std).Mul(gamma).Add(beta)
	return out.Reshape(c, n, h, w).Transpose(1, 0, 2, 3)
}

// track folds batch statistics into the running estimates; the variance
// estimate is unbiased.
func (bn *batchNorm2d[B]) track(mean, variance []float32, m int) {
	correction := float32(1)
	if m > 1 {
		correction = float32(m) / float32(m-1)
	}
	for i := 0; i < bn.channels; i++ {
		bn.runningMean.data[i] = (1-bnMomentum)*bn.runningMean.data[i] + bnMomentum*mean[i]
		bn.runningVar.data[i] = (1-bnMomentum)*bn.runningVar.data[i] + bnMomentum*variance[i]*correction
	}
}

func relu[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return nn.ReLUFunc(x)
}

// globalAvgPool reduces [N,C,H,W] to [N,C].
func globalAvgPool[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	n, c, hw := shape[0], shape[1], shape[2]*shape[3]
	weights := tensor.Full[float32](tensor.Shape{hw, 1}, 1/float32(hw), x.Backend())
	return x.Reshape(n*c, hw).MatMul(weights).Reshape(n, c)
}

func mustFromSlice[B tensor.Backend](data []float32, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	t, err := tensor.FromSlice(data, shape, backend)
	if err != nil {
		panic(fmt.Sprintf("backbone: %v", err))
	}
	return t
}
