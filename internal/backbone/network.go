package backbone

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/s2m2/internal/checkpoint"
	"github.com/born-ml/s2m2/internal/mixup"
)

// ErrStateMismatch is returned when a state dict does not fit the network.
var ErrStateMismatch = errors.New("state dict mismatch")

// MixLayers is the number of positions where mixup can be applied: the input
// and the outputs of the first three stages.
const MixLayers = 4

type layer[B tensor.Backend] interface {
	Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
}

type layerFunc[B tensor.Backend] func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

func (f layerFunc[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] { return f(x) }

// Network is a residual feature extractor followed by a cosine classifier.
//
// The forward pass is stem, stages, tail, global average pooling. Mixup may
// be applied before the stem (layer 0) or after stage 1, 2 or 3.
type Network[B tensor.Backend] struct {
	kind       Kind
	stem       layer[B]
	stages     []layer[B]
	tail       layer[B]
	linear     *DistLinear[B]
	featureDim int
	numClasses int
	reg        *registry[B]
	mode       *mode
}

// Output is the result of a mixup forward pass.
type Output[B tensor.Backend] struct {
	Logits   *tensor.Tensor[float32, B]
	TargetsA []int32
	TargetsB []int32
	Layer    int // 0 mixes the input, k mixes the output of stage k
}

// Kind returns the architecture.
func (n *Network[B]) Kind() Kind { return n.kind }

// FeatureDim is the width of the pooled embedding.
func (n *Network[B]) FeatureDim() int { return n.featureDim }

// NumClasses is the number of classifier outputs.
func (n *Network[B]) NumClasses() int { return n.numClasses }

// SetTraining switches batch norm between batch and running statistics.
func (n *Network[B]) SetTraining(training bool) { n.mode.training = training }

// Parameters returns the trainable parameters in construction order.
func (n *Network[B]) Parameters() []*nn.Parameter[B] {
	return n.reg.params
}

// NumParameters counts trainable scalars.
func (n *Network[B]) NumParameters() int {
	total := 0
	for _, p := range n.reg.params {
		total += p.Tensor().NumElements()
	}
	return total
}

// Forward returns pooled features [N, FeatureDim] and class scores [N, NumClasses].
func (n *Network[B]) Forward(x *tensor.Tensor[float32, B]) (features, logits *tensor.Tensor[float32, B]) {
	out := n.stem.Forward(x)
	for _, s := range n.stages {
		out = s.Forward(out)
	}
	features = globalAvgPool(n.tail.Forward(out))
	return features, n.linear.Forward(features)
}

// ForwardMixup runs a forward pass that blends the hidden state at a random
// layer with a permuted copy of the batch:
//
//	h = lam*h + (1-lam)*h[perm]
//
// TargetsA are the original labels and TargetsB the permuted ones.
func (n *Network[B]) ForwardMixup(x *tensor.Tensor[float32, B], targets []int32, lam float64, rng *rand.Rand) (*Output[B], error) {
	batch := x.Shape()[0]
	if len(targets) != batch {
		return nil, fmt.Errorf("mixup forward: %d targets for batch of %d", len(targets), batch)
	}
	if lam < 0 || lam > 1 {
		return nil, fmt.Errorf("mixup forward: lambda %v outside [0,1]", lam)
	}
	mixAt := rng.IntN(MixLayers)
	perm := rng.Perm(batch)
	return n.forwardMixupAt(x, targets, lam, mixAt, perm), nil
}

func (n *Network[B]) forwardMixupAt(x *tensor.Tensor[float32, B], targets []int32, lam float64, mixAt int, perm []int) *Output[B] {
	out := x
	if mixAt == 0 {
		out = mixup.Interpolate(out, lam, perm)
	}
	out = n.stem.Forward(out)
	for i, s := range n.stages {
		out = s.Forward(out)
		if i+1 == mixAt {
			out = mixup.Interpolate(out, lam, perm)
		}
	}
	features := globalAvgPool(n.tail.Forward(out))

	a := make([]int32, len(targets))
	copy(a, targets)
	return &Output[B]{
		Logits:   n.linear.Forward(features),
		TargetsA: a,
		TargetsB: mixup.Permute(targets, perm),
		Layer:    mixAt,
	}
}

// StateNames lists every state dict key in sorted order.
func (n *Network[B]) StateNames() []string {
	names := make([]string, len(n.reg.order))
	copy(names, n.reg.order)
	sort.Strings(names)
	return names
}

// StateDict snapshots parameters and running statistics into CPU tensors.
func (n *Network[B]) StateDict() (map[string]*tensor.RawTensor, error) {
	state := make(map[string]*tensor.RawTensor, len(n.reg.order))
	for name, p := range n.reg.paramNames {
		raw, err := checkpoint.Copy(p.Tensor().Raw())
		if err != nil {
			return nil, fmt.Errorf("state dict %s: %w", name, err)
		}
		state[name] = raw
	}
	for name, b := range n.reg.buffers {
		raw, err := tensor.NewRaw(b.shape.Clone(), tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("state dict %s: %w", name, err)
		}
		copy(raw.AsFloat32(), b.data)
		state[name] = raw
	}
	return state, nil
}

// LoadStateDict copies state into the network. Every key must be present,
// no extra keys are allowed, and shapes must match exactly.
func (n *Network[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	var missing, unexpected []string
	for _, name := range n.reg.order {
		if _, ok := state[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range state {
		_, isParam := n.reg.paramNames[name]
		_, isBuffer := n.reg.buffers[name]
		if !isParam && !isBuffer {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(missing)
		sort.Strings(unexpected)
		return fmt.Errorf("%w: missing %v, unexpected %v", ErrStateMismatch, missing, unexpected)
	}

	for name, p := range n.reg.paramNames {
		if err := checkEntry(name, state[name], p.Tensor().Shape()); err != nil {
			return err
		}
	}
	for name, b := range n.reg.buffers {
		if err := checkEntry(name, state[name], b.shape); err != nil {
			return err
		}
	}

	for name, p := range n.reg.paramNames {
		copy(p.Tensor().Data(), state[name].AsFloat32())
	}
	for name, b := range n.reg.buffers {
		copy(b.data, state[name].AsFloat32())
	}
	return nil
}

func checkEntry(name string, raw *tensor.RawTensor, want tensor.Shape) error {
	if raw == nil {
		return fmt.Errorf("%w: %s is nil", ErrStateMismatch, name)
	}
	if !raw.Shape().Equal(want) {
		return fmt.Errorf("%w: %s shape %v, expected %v", ErrStateMismatch, name, raw.Shape(), want)
	}
	if raw.DType() != tensor.Float32 {
		return fmt.Errorf("%w: %s dtype %v, expected float32", ErrStateMismatch, name, raw.DType())
	}
	return nil
}
