package checkpoint

import (
	"fmt"
	"math"

	"github.com/born-ml/born/tensor"
)

// Parameter names of a plain linear classifier and of its weight-normalised
// replacement (weight = g * v / ||v||, row-wise).
const (
	LinearWeight = "linear.weight"
	LinearBias   = "linear.bias"
	WeightNormG  = "linear.L.weight_g"
	WeightNormV  = "linear.L.weight_v"
)

// RemapLinearToWeightNorm rewrites a plain linear classifier entry into the
// weight-normalised naming. weight_v takes the weight values unchanged and
// weight_g the L2 norm of each weight row, so g*v/||v|| reproduces the
// original weight. The bias has no counterpart and is dropped.
//
// The input map is not modified. The second result reports whether a remap
// happened; a state without linear.weight is returned as-is.
func RemapLinearToWeightNorm(state map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, bool, error) {
	weight, ok := state[LinearWeight]
	if !ok {
		return state, false, nil
	}
	shape := weight.Shape()
	if len(shape) != 2 {
		return nil, false, fmt.Errorf("remap %s: expected 2D weight, got shape %v", LinearWeight, shape)
	}
	if weight.DType() != tensor.Float32 {
		return nil, false, fmt.Errorf("remap %s: expected float32, got %v", LinearWeight, weight.DType())
	}

	rows, cols := shape[0], shape[1]
	g, err := tensor.NewRaw(tensor.Shape{rows, 1}, tensor.Float32, weight.Device())
	if err != nil {
		return nil, false, fmt.Errorf("remap: %w", err)
	}
	w := weight.AsFloat32()
	norms := g.AsFloat32()
	for r := 0; r < rows; r++ {
		var sum float64
		for _, v := range w[r*cols : (r+1)*cols] {
			sum += float64(v) * float64(v)
		}
		norms[r] = float32(math.Sqrt(sum))
	}

	out := make(map[string]*tensor.RawTensor, len(state))
	for k, v := range state {
		if k == LinearWeight || k == LinearBias {
			continue
		}
		out[k] = v
	}
	v, err := Copy(weight)
	if err != nil {
		return nil, false, fmt.Errorf("remap: %w", err)
	}
	out[WeightNormV] = v
	out[WeightNormG] = g
	return out, true, nil
}

// Merge overlays loaded entries onto a model's current state, the way a
// partial checkpoint is applied on top of freshly initialised parameters.
func Merge(current, loaded map[string]*tensor.RawTensor) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor, len(current)+len(loaded))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range loaded {
		out[k] = v
	}
	return out
}

// Copy returns a CPU tensor that owns a copy of src's data. RawTensor.Clone
// shares the underlying buffer, so snapshots must go through Copy.
func Copy(src *tensor.RawTensor) (*tensor.RawTensor, error) {
	dst, err := tensor.NewRaw(src.Shape().Clone(), src.DType(), tensor.CPU)
	if err != nil {
		return nil, err
	}
	copy(dst.Data(), src.Data()[:src.ByteSize()])
	return dst, nil
}
