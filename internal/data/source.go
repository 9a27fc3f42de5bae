package data

import (
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
)

// Source hands out individual decoded samples. Implementations must be safe
// for concurrent Load calls.
type Source interface {
	Len() int
	Load(i int) (image.Image, int32, error)
}

// MemorySource serves images already held in memory.
type MemorySource struct {
	Images []image.Image
	Labels []int32
}

// Len returns the number of samples.
func (s *MemorySource) Len() int {
	return len(s.Images)
}

// Load returns sample i.
func (s *MemorySource) Load(i int) (image.Image, int32, error) {
	if i < 0 || i >= len(s.Images) {
		return nil, 0, fmt.Errorf("sample %d out of range [0, %d)", i, len(s.Images))
	}
	return s.Images[i], s.Labels[i], nil
}

// Synthetic builds n images of the given size whose content depends on the
// class: each class gets its own base colour and stripe period, plus noise.
// It exercises the full pipeline without a dataset on disk.
func Synthetic(n, classes, size int, seed uint64) *MemorySource {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	src := &MemorySource{
		Images: make([]image.Image, n),
		Labels: make([]int32, n),
	}
	for i := 0; i < n; i++ {
		label := i % classes
		img := image.NewRGBA(image.Rect(0, 0, size, size))
		period := 2 + label%5
		base := [3]uint8{
			uint8(40 + (label*53)%150),
			uint8(40 + (label*97)%150),
			uint8(40 + (label*151)%150),
		}
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				stripe := uint8(0)
				if (x/period)%2 == 0 {
					stripe = 50
				}
				noise := uint8(rng.IntN(16))
				img.SetRGBA(x, y, color.RGBA{
					R: base[0] + stripe/2 + noise,
					G: base[1] + noise,
					B: base[2] + stripe/3 + noise,
					A: 255,
				})
			}
		}
		src.Images[i] = img
		src.Labels[i] = int32(label)
	}
	return src
}
