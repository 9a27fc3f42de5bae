package backbone

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"
)

// Kind names a supported architecture.
type Kind string

// Supported architectures.
const (
	WideResNet28_10 Kind = "WideResNet28_10" //nolint:revive // matches the CLI spelling
	ResNet18        Kind = "ResNet18"
)

// ErrUnknownModel is returned for architecture names with no variant.
var ErrUnknownModel = errors.New("unknown model")

// Kinds lists the supported architectures.
func Kinds() []Kind {
	return []Kind{WideResNet28_10, ResNet18}
}

// ParseKind maps a model flag to its variant.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w %q (valid: %s, %s)", ErrUnknownModel, name, WideResNet28_10, ResNet18)
}

// FeatureDim is the width of the embedding the architecture produces.
func (k Kind) FeatureDim() int {
	switch k {
	case WideResNet28_10:
		return 640
	case ResNet18:
		return 512
	default:
		return 0
	}
}

// New builds the full-size network for kind.
func New[B tensor.Backend](kind Kind, numClasses int, backend B) (*Network[B], error) {
	switch kind {
	case WideResNet28_10:
		return NewWideResNet(WideResNetConfig{Depth: 28, Widen: 10, NumClasses: numClasses}, backend)
	case ResNet18:
		return NewResNet(ResNetConfig{
			Widths:     [4]int{64, 128, 256, 512},
			Blocks:     [4]int{2, 2, 2, 2},
			NumClasses: numClasses,
		}, backend)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownModel, kind)
	}
}
