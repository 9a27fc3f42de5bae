package rotation

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/s2m2/internal/checkpoint"
)

// stateKeyPrefix matches the layout of a one-layer sequential head.
const stateKeyPrefix = "0."

// Head is the linear rotation classifier applied to backbone features.
type Head[B tensor.Backend] struct {
	linear *nn.Linear[B]
}

// NewHead creates a Linear(featureDim, 4) head.
func NewHead[B tensor.Backend](featureDim int, backend B) *Head[B] {
	return &Head[B]{linear: nn.NewLinear(featureDim, Classes, backend)}
}

// Forward maps [N, featureDim] features to [N, 4] rotation scores.
func (h *Head[B]) Forward(features *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return h.linear.Forward(features)
}

// Parameters returns weight and bias.
func (h *Head[B]) Parameters() []*nn.Parameter[B] {
	return h.linear.Parameters()
}

// StateDict returns "0.weight" and "0.bias" snapshots.
func (h *Head[B]) StateDict() (map[string]*tensor.RawTensor, error) {
	inner := h.linear.StateDict()
	out := make(map[string]*tensor.RawTensor, len(inner))
	for k, v := range inner {
		raw, err := checkpoint.Copy(v)
		if err != nil {
			return nil, fmt.Errorf("rotate head %s: %w", k, err)
		}
		out[stateKeyPrefix+k] = raw
	}
	return out, nil
}

// LoadStateDict restores a head saved by StateDict.
func (h *Head[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	inner := make(map[string]*tensor.RawTensor, len(state))
	for k, v := range state {
		name, ok := strings.CutPrefix(k, stateKeyPrefix)
		if !ok {
			return fmt.Errorf("rotation head: unexpected key %q", k)
		}
		inner[name] = v
	}
	if err := h.linear.LoadStateDict(inner); err != nil {
		return fmt.Errorf("rotation head: %w", err)
	}
	return nil
}
