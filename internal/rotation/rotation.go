// Package rotation implements the rotation pretext task: every image is
// presented at 0, 90, 180 and 270 degrees and a small head predicts which.
package rotation

import (
	"fmt"

	"github.com/born-ml/s2m2/internal/data"
	"github.com/born-ml/s2m2/internal/parallel"
)

// Classes is the number of rotation labels.
const Classes = 4

// Rotate90 writes src rotated a quarter turn into dst. Both are [C, S, S]
// row-major; dst[c,i,j] = src[c,j,S-1-i].
func Rotate90(dst, src []float32, channels, size int) {
	plane := size * size
	for c := 0; c < channels; c++ {
		s := src[c*plane : (c+1)*plane]
		d := dst[c*plane : (c+1)*plane]
		for i := 0; i < size; i++ {
			for j := 0; j < size; j++ {
				d[i*size+j] = s[j*size+size-1-i]
			}
		}
	}
}

// Expanded is a batch with every image repeated at the four rotations.
type Expanded struct {
	Batch     *data.Batch // 4N images, class labels repeated
	Rotations []int32     // 4N rotation labels 0,1,2,3,0,1,...
}

// Expand builds the rotated batch. The four views of image k occupy rows
// 4k..4k+3 in rotation order.
func Expand(b *data.Batch, cfg parallel.Config) (*Expanded, error) {
	n := b.Len()
	img := data.Channels * b.Size * b.Size
	if len(b.Images) != n*img {
		return nil, fmt.Errorf("rotation: batch holds %d values, want %d", len(b.Images), n*img)
	}

	out := &Expanded{
		Batch: &data.Batch{
			Images: make([]float32, Classes*n*img),
			Labels: make([]int32, Classes*n),
			Size:   b.Size,
		},
		Rotations: make([]int32, Classes*n),
	}
	parallel.For(n, func(k int) {
		base := Classes * k
		prev := b.Images[k*img : (k+1)*img]
		copy(out.Batch.Images[base*img:], prev)
		for r := 0; r < Classes; r++ {
			if r > 0 {
				view := out.Batch.Images[(base+r)*img : (base+r+1)*img]
				Rotate90(view, prev, data.Channels, b.Size)
				prev = view
			}
			out.Batch.Labels[base+r] = b.Labels[k]
			out.Rotations[base+r] = int32(r)
		}
	}, cfg)
	return out, nil
}
