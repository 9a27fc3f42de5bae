package backbone

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// WideResNetConfig sizes a pre-activation wide residual network.
// Depth must satisfy (Depth-4)%6 == 0.
type WideResNetConfig struct {
	Depth      int
	Widen      int
	NumClasses int
}

// wideBlock is a pre-activation basic block:
//
//	out = conv2(relu(bn2(conv1(relu(bn1(x)))))) + shortcut
//
// where shortcut is x, or a 1x1 convolution of relu(bn1(x)) when the shape
// changes.
type wideBlock[B tensor.Backend] struct {
	bn1, bn2     *batchNorm2d[B]
	conv1, conv2 *conv2d[B]
	shortcut     *conv2d[B]
}

func newWideBlock[B tensor.Backend](reg *registry[B], name string, in, out, stride int, m *mode, backend B) *wideBlock[B] {
	b := &wideBlock[B]{
		bn1:   newBatchNorm2d(reg, join(name, "bn1"), in, m, backend),
		conv1: newConv2d(reg, join(name, "conv1"), in, out, 3, stride, 1, backend),
		bn2:   newBatchNorm2d(reg, join(name, "bn2"), out, m, backend),
		conv2: newConv2d(reg, join(name, "conv2"), out, out, 3, 1, 1, backend),
	}
	if in != out || stride != 1 {
		b.shortcut = newConv2d(reg, join(name, "convShortcut"), in, out, 1, stride, 0, backend)
	}
	return b
}

func (b *wideBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	pre := relu(b.bn1.Forward(x))
	out := b.conv1.Forward(pre)
	out = b.conv2.Forward(relu(b.bn2.Forward(out)))
	if b.shortcut != nil {
		return out.Add(b.shortcut.Forward(pre))
	}
	return out.Add(x)
}

type sequence[B tensor.Backend] []layer[B]

func (s sequence[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	for _, l := range s {
		x = l.Forward(x)
	}
	return x
}

// NewWideResNet builds a WRN-depth-widen network. Stage widths are
// 16*widen, 32*widen and 64*widen; the embedding is 64*widen wide.
func NewWideResNet[B tensor.Backend](cfg WideResNetConfig, backend B) (*Network[B], error) {
	if cfg.Depth < 10 || (cfg.Depth-4)%6 != 0 {
		return nil, fmt.Errorf("wide resnet: depth %d must be 6n+4 with n >= 1", cfg.Depth)
	}
	if cfg.Widen < 1 {
		return nil, fmt.Errorf("wide resnet: widen factor %d must be positive", cfg.Widen)
	}
	if cfg.NumClasses < 1 {
		return nil, fmt.Errorf("wide resnet: %d classes", cfg.NumClasses)
	}

	blocks := (cfg.Depth - 4) / 6
	widths := [4]int{16, 16 * cfg.Widen, 32 * cfg.Widen, 64 * cfg.Widen}
	strides := [3]int{1, 2, 2}

	m := &mode{training: true}
	reg := newRegistry[B]()
	net := &Network[B]{
		kind:       WideResNet28_10,
		featureDim: widths[3],
		numClasses: cfg.NumClasses,
		reg:        reg,
		mode:       m,
	}
	net.stem = newConv2d(reg, "conv1", 3, widths[0], 3, 1, 1, backend)
	for s := 0; s < 3; s++ {
		stage := make(sequence[B], 0, blocks)
		for i := 0; i < blocks; i++ {
			in, stride := widths[s+1], 1
			if i == 0 {
				in, stride = widths[s], strides[s]
			}
			name := fmt.Sprintf("block%d.layer.%d", s+1, i)
			stage = append(stage, newWideBlock(reg, name, in, widths[s+1], stride, m, backend))
		}
		net.stages = append(net.stages, stage)
	}
	bn := newBatchNorm2d(reg, "bn1", widths[3], m, backend)
	net.tail = layerFunc[B](func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
		return relu(bn.Forward(x))
	})
	net.linear = newDistLinear(reg, widths[3], cfg.NumClasses, backend)
	return net, nil
}
