package data

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/tensor"
	"github.com/born-ml/s2m2/internal/parallel"
)

// Channels is the number of colour channels every batch carries.
const Channels = 3

// Batch is one mini-batch in host memory.
type Batch struct {
	Images []float32 // [N, 3, Size, Size] row-major
	Labels []int32   // [N]
	Size   int       // spatial side
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	return len(b.Labels)
}

// Shape returns the NCHW shape of the images.
func (b *Batch) Shape() tensor.Shape {
	return tensor.Shape{len(b.Labels), Channels, b.Size, b.Size}
}

// Tensors moves a batch onto a backend.
func Tensors[B tensor.Backend](b *Batch, backend B) (*tensor.Tensor[float32, B], *tensor.Tensor[int32, B], error) {
	images, err := tensor.FromSlice(b.Images, b.Shape(), backend)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create images tensor: %w", err)
	}
	labels, err := tensor.FromSlice(b.Labels, tensor.Shape{len(b.Labels)}, backend)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create labels tensor: %w", err)
	}
	return images, labels, nil
}

// Options configures a Loader.
type Options struct {
	BatchSize int
	ImageSize int
	Aug       bool // training augmentation
	Shuffle   bool
	Workers   int // 0 = one per CPU
	Seed      uint64
}

// Loader groups samples of a Source into batches. The last batch of an epoch
// may be smaller than BatchSize.
type Loader struct {
	src       Source
	transform Transform
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	par       parallel.Config
}

// NewLoader validates opts and returns a Loader over src.
func NewLoader(src Source, opts Options) (*Loader, error) {
	if src == nil || src.Len() == 0 {
		return nil, fmt.Errorf("data: empty source")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("data: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.ImageSize <= 0 {
		return nil, fmt.Errorf("data: image size must be > 0 (got %d)", opts.ImageSize)
	}
	return &Loader{
		src:       src,
		transform: NewTransform(opts.ImageSize, opts.Aug),
		batchSize: opts.BatchSize,
		shuffle:   opts.Shuffle,
		rng:       rand.New(rand.NewPCG(opts.Seed, 0xba7c4)),
		par:       parallel.WithWorkers(opts.Workers),
	}, nil
}

// NumBatches returns the number of batches in one epoch.
func (l *Loader) NumBatches() int {
	return (l.src.Len() + l.batchSize - 1) / l.batchSize
}

// NumSamples returns the number of samples in one epoch.
func (l *Loader) NumSamples() int {
	return l.src.Len()
}

// Epoch starts a new pass over the source, reshuffling if enabled.
func (l *Loader) Epoch() *Iterator {
	order := make([]int, l.src.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return &Iterator{loader: l, order: order}
}

// Iterator walks one epoch.
//
//	it := loader.Epoch()
//	for it.Next() {
//	    batch := it.Batch()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	loader *Loader
	order  []int
	pos    int
	index  int
	batch  *Batch
	err    error
}

// Next assembles the next batch. It returns false at the end of the epoch or
// on error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.pos >= len(it.order) {
		return false
	}
	l := it.loader
	end := min(it.pos+l.batchSize, len(it.order))
	idx := it.order[it.pos:end]

	size := l.transform.Size
	sample := Channels * size * size
	batch := &Batch{
		Images: make([]float32, len(idx)*sample),
		Labels: make([]int32, len(idx)),
		Size:   size,
	}
	// One seed per sample keeps augmentation reproducible regardless of
	// worker scheduling.
	seeds := make([]uint64, len(idx))
	for i := range seeds {
		seeds[i] = l.rng.Uint64()
	}

	err := parallel.ForErr(len(idx), func(i int) error {
		img, label, err := l.src.Load(idx[i])
		if err != nil {
			return fmt.Errorf("sample %d: %w", idx[i], err)
		}
		rng := rand.New(rand.NewPCG(seeds[i], uint64(idx[i])))
		copy(batch.Images[i*sample:(i+1)*sample], l.transform.Apply(img, rng))
		batch.Labels[i] = label
		return nil
	}, l.par)
	if err != nil {
		it.err = err
		return false
	}

	it.batch = batch
	it.pos = end
	it.index++
	return true
}

// Batch returns the batch assembled by the last successful Next.
func (it *Iterator) Batch() *Batch {
	return it.batch
}

// Index returns the zero-based index of the current batch.
func (it *Iterator) Index() int {
	return it.index - 1
}

// Err returns the first error hit during iteration.
func (it *Iterator) Err() error {
	return it.err
}
