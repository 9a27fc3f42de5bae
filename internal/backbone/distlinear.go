package backbone

import (
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Parameter names of the cosine classifier.
const (
	ClassifierG = "linear.L.weight_g"
	ClassifierV = "linear.L.weight_v"
)

const (
	normEpsilon    = 1e-5
	sqrtFloor      = 1e-12
	smallHeadScale = 2
	largeHeadScale = 10
	largeHeadLimit = 200
)

// DistLinear scores features by scaled cosine similarity to per-class
// weight vectors. The weight is reparameterised as W = g * v / ||v|| row-wise.
type DistLinear[B tensor.Backend] struct {
	in, out int
	scale   float32
	g       *nn.Parameter[B] // [out, 1]
	v       *nn.Parameter[B] // [out, in]
	backend B
}

func newDistLinear[B tensor.Backend](reg *registry[B], in, out int, backend B) *DistLinear[B] {
	v := nn.Xavier(in, out, tensor.Shape{out, in}, backend)
	vd := v.Data()
	g := make([]float32, out)
	for r := 0; r < out; r++ {
		var ss float64
		for _, e := range vd[r*in : (r+1)*in] {
			ss += float64(e) * float64(e)
		}
		g[r] = float32(math.Sqrt(ss))
	}

	scale := float32(smallHeadScale)
	if out > largeHeadLimit {
		scale = largeHeadScale
	}
	return &DistLinear[B]{
		in:      in,
		out:     out,
		scale:   scale,
		g:       reg.param(ClassifierG, mustFromSlice(g, tensor.Shape{out, 1}, backend)),
		v:       reg.param(ClassifierV, v),
		backend: backend,
	}
}

// Scale is the temperature applied to the cosine scores.
func (d *DistLinear[B]) Scale() float32 { return d.scale }

// Forward maps [N, in] features to [N, out] scores.
func (d *DistLinear[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	eps := tensor.Full[float32](tensor.Shape{1, 1}, normEpsilon, d.backend)
	xn := x.Div(rowNorm(x, d.backend).Add(eps))

	v := d.v.Tensor()
	w := v.Div(rowNorm(v, d.backend)).Mul(d.g.Tensor())

	scale := tensor.Full[float32](tensor.Shape{1, 1}, d.scale, d.backend)
	return xn.MatMul(w.Transpose(1, 0)).Mul(scale)
}

// rowNorm returns the L2 norm of every row of a 2-D tensor as [rows, 1].
func rowNorm[B tensor.Backend](x *tensor.Tensor[float32, B], backend B) *tensor.Tensor[float32, B] {
	cols := x.Shape()[1]
	ones := tensor.Ones[float32](tensor.Shape{cols, 1}, backend)
	floor := tensor.Full[float32](tensor.Shape{1, 1}, sqrtFloor, backend)
	return x.Mul(x).MatMul(ones).Add(floor).Sqrt()
}
