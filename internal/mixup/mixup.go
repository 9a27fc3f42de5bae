// Package mixup implements manifold mixup: hidden activations of two
// orderings of a batch are blended with a Beta-distributed weight, and the
// loss blends the cross-entropy against both label orderings by the same
// weight.
package mixup

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/stat/distuv"
)

// Lambda yields one mixing weight per batch.
type Lambda interface {
	Sample() float64
}

// Sampler draws lambda ~ Beta(alpha, alpha).
type Sampler struct {
	dist distuv.Beta
}

// NewSampler returns a Beta(alpha, alpha) sampler using src.
func NewSampler(alpha float64, src rand.Source) (*Sampler, error) {
	if alpha <= 0 {
		return nil, fmt.Errorf("mixup: alpha must be > 0 (got %g)", alpha)
	}
	return &Sampler{dist: distuv.Beta{Alpha: alpha, Beta: alpha, Src: src}}, nil
}

// Sample draws a weight in [0, 1].
func (s *Sampler) Sample() float64 {
	return min(max(s.dist.Rand(), 0), 1)
}

// Fixed always yields the same weight.
type Fixed float64

// Sample returns f.
func (f Fixed) Sample() float64 {
	return float64(f)
}

// Permute returns labels reordered by perm: out[i] = labels[perm[i]].
func Permute(labels []int32, perm []int) []int32 {
	out := make([]int32, len(perm))
	for i, p := range perm {
		out[i] = labels[p]
	}
	return out
}

// Matrix returns the [n, n] row-major matrix M with M·h = lam*h + (1-lam)*h[perm].
func Matrix(n int, lam float64, perm []int) []float32 {
	m := make([]float32, n*n)
	for i := 0; i < n; i++ {
		m[i*n+i] += float32(lam)
		m[i*n+perm[i]] += float32(1 - lam)
	}
	return m
}

// Interpolate blends every sample of h (batch on dim 0) with sample perm[i].
// The blend is a single matrix product so gradients flow to h through the
// tape.
func Interpolate[B tensor.Backend](h *tensor.Tensor[float32, B], lam float64, perm []int) *tensor.Tensor[float32, B] {
	shape := h.Shape()
	n := shape[0]
	if len(perm) != n {
		panic(fmt.Sprintf("mixup: permutation of length %d for batch of %d", len(perm), n))
	}
	m, err := tensor.FromSlice(Matrix(n, lam, perm), tensor.Shape{n, n}, h.Backend())
	if err != nil {
		panic(err)
	}
	flat := h.Reshape(n, h.NumElements()/n)
	return m.MatMul(flat).Reshape(shape...)
}

// Loss returns lam*CE(logits, a) + (1-lam)*CE(logits, b).
func Loss[B tensor.Backend](
	logits *tensor.Tensor[float32, B],
	a, b *tensor.Tensor[int32, B],
	lam float64,
	backend B,
) *tensor.Tensor[float32, B] {
	criterion := nn.NewCrossEntropyLoss(backend)
	lossA := criterion.Forward(logits, a)
	lossB := criterion.Forward(logits, b)

	wa := tensor.Full[float32](lossA.Shape(), float32(lam), backend)
	wb := tensor.Full[float32](lossB.Shape(), float32(1-lam), backend)
	return lossA.Mul(wa).Add(lossB.Mul(wb))
}

// Correct is the mixup-weighted hit count lam*#(pred==a) + (1-lam)*#(pred==b).
func Correct(pred, a, b []int32, lam float64) float64 {
	var hitA, hitB int
	for i, p := range pred {
		if p == a[i] {
			hitA++
		}
		if p == b[i] {
			hitB++
		}
	}
	return lam*float64(hitA) + (1-lam)*float64(hitB)
}
