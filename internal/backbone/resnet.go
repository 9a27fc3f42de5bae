package backbone

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// ResNetConfig sizes a basic-block residual network with four stages.
type ResNetConfig struct {
	Widths     [4]int
	Blocks     [4]int
	NumClasses int
}

// basicBlock is relu(bn2(conv2(relu(bn1(conv1(x))))) + shortcut(x)), where
// the shortcut is a 1x1 convolution plus batch norm when the shape changes.
type basicBlock[B tensor.Backend] struct {
	conv1, conv2 *conv2d[B]
	bn1, bn2     *batchNorm2d[B]
	scConv       *conv2d[B]
	scBN         *batchNorm2d[B]
}

func newBasicBlock[B tensor.Backend](reg *registry[B], name string, in, out, stride int, m *mode, backend B) *basicBlock[B] {
	b := &basicBlock[B]{
		conv1: newConv2d(reg, join(name, "conv1"), in, out, 3, stride, 1, backend),
		bn1:   newBatchNorm2d(reg, join(name, "bn1"), out, m, backend),
		conv2: newConv2d(reg, join(name, "conv2"), out, out, 3, 1, 1, backend),
		bn2:   newBatchNorm2d(reg, join(name, "bn2"), out, m, backend),
	}
	if in != out || stride != 1 {
		b.scConv = newConv2d(reg, join(name, "shortcut.0"), in, out, 1, stride, 0, backend)
		b.scBN = newBatchNorm2d(reg, join(name, "shortcut.1"), out, m, backend)
	}
	return b
}

func (b *basicBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := relu(b.bn1.Forward(b.conv1.Forward(x)))
	out = b.bn2.Forward(b.conv2.Forward(out))
	short := x
	if b.scConv != nil {
		short = b.scBN.Forward(b.scConv.Forward(x))
	}
	return relu(out.Add(short))
}

// NewResNet builds a four-stage residual network whose embedding is
// Widths[3] wide. Stage strides are 1, 2, 2, 2.
func NewResNet[B tensor.Backend](cfg ResNetConfig, backend B) (*Network[B], error) {
	for i := range cfg.Widths {
		if cfg.Widths[i] < 1 || cfg.Blocks[i] < 1 {
			return nil, fmt.Errorf("resnet: stage %d needs positive width and block count, got %d/%d",
				i+1, cfg.Widths[i], cfg.Blocks[i])
		}
	}
	if cfg.NumClasses < 1 {
		return nil, fmt.Errorf("resnet: %d classes", cfg.NumClasses)
	}

	m := &mode{training: true}
	reg := newRegistry[B]()
	net := &Network[B]{
		kind:       ResNet18,
		featureDim: cfg.Widths[3],
		numClasses: cfg.NumClasses,
		reg:        reg,
		mode:       m,
	}

	conv := newConv2d(reg, "conv1", 3, cfg.Widths[0], 3, 1, 1, backend)
	bn := newBatchNorm2d(reg, "bn1", cfg.Widths[0], m, backend)
	net.stem = layerFunc[B](func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
		return relu(bn.Forward(conv.Forward(x)))
	})

	in := cfg.Widths[0]
	for s := 0; s < 4; s++ {
		stride := 2
		if s == 0 {
			stride = 1
		}
		stage := make(sequence[B], 0, cfg.Blocks[s])
		for i := 0; i < cfg.Blocks[s]; i++ {
			name := fmt.Sprintf("layer%d.%d", s+1, i)
			stage = append(stage, newBasicBlock(reg, name, in, cfg.Widths[s], stride, m, backend))
			in, stride = cfg.Widths[s], 1
		}
		net.stages = append(net.stages, stage)
	}
	net.tail = layerFunc[B](func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] { return x })
	net.linear = newDistLinear(reg, cfg.Widths[3], cfg.NumClasses, backend)
	return net, nil
}
