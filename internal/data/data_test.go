package data

import (
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeManifest(t *testing.T, dir string, m Manifest) string {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, "base.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestOpenManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "imgs"), 0o750))
	writePNG(t, filepath.Join(dir, "imgs", "a.png"), 40, 30, color.RGBA{R: 255, A: 255})
	abs := filepath.Join(dir, "b.png")
	writePNG(t, abs, 20, 20, color.RGBA{B: 255, A: 255})

	path := writeManifest(t, dir, Manifest{
		LabelNames:  []string{"red", "blue"},
		ImageNames:  []string{"imgs/a.png", abs},
		ImageLabels: []int{0, 1},
	})

	src, err := OpenManifest(path)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())
	assert.Equal(t, 2, src.Manifest().NumClasses())

	img, label, err := src.Load(0)
	require.NoError(t, err)
	assert.Equal(t, int32(0), label)
	assert.Equal(t, 40, img.Bounds().Dx())

	_, label, err = src.Load(1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), label)
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadManifest(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	path := writeManifest(t, dir, Manifest{ImageNames: []string{"a"}, ImageLabels: []int{0, 1}})
	_, err = LoadManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labels")

	path = writeManifest(t, dir, Manifest{})
	_, err = LoadManifest(path)
	require.Error(t, err)
}

func TestFileSourceMissingImage(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, Manifest{ImageNames: []string{"gone.png"}, ImageLabels: []int{0}})
	src, err := OpenManifest(path)
	require.NoError(t, err)

	loader, err := NewLoader(src, Options{BatchSize: 1, ImageSize: 8})
	require.NoError(t, err)
	it := loader.Epoch()
	assert.False(t, it.Next())
	require.Error(t, it.Err())
	assert.Contains(t, it.Err().Error(), "sample 0")
}

func TestTransformEvalNormalises(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 50; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}
	tf := NewTransform(16, false)
	out := tf.Apply(img, nil)
	require.Len(t, out, 3*16*16)

	area := 16 * 16
	assert.InDelta(t, (1-DefaultMean[0])/DefaultStd[0], out[0], 1e-4)
	assert.InDelta(t, (0-DefaultMean[1])/DefaultStd[1], out[area], 1e-4)
	assert.InDelta(t, (0.2-DefaultMean[2])/DefaultStd[2], out[2*area+area-1], 1e-4)
}

func TestTransformAugDeterministicPerSeed(t *testing.T) {
	src := Synthetic(1, 1, 24, 3)
	img, _, err := src.Load(0)
	require.NoError(t, err)

	tf := NewTransform(12, true)
	a := tf.Apply(img, rand.New(rand.NewPCG(1, 2)))
	b := tf.Apply(img, rand.New(rand.NewPCG(1, 2)))
	c := tf.Apply(img, rand.New(rand.NewPCG(9, 9)))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 3*12*12)
}

func TestFlipHorizontal(t *testing.T) {
	pix := make([]float32, 3*2*2)
	for i := range pix {
		pix[i] = float32(i)
	}
	flipHorizontal(pix, 2)
	assert.Equal(t, []float32{1, 0, 3, 2, 5, 4, 7, 6, 9, 8, 11, 10}, pix)
}

func TestLoaderBatches(t *testing.T) {
	src := Synthetic(10, 3, 16, 7)
	loader, err := NewLoader(src, Options{BatchSize: 4, ImageSize: 8, Shuffle: true, Workers: 3, Seed: 11})
	require.NoError(t, err)
	assert.Equal(t, 3, loader.NumBatches())
	assert.Equal(t, 10, loader.NumSamples())

	var sizes []int
	var labels []int
	it := loader.Epoch()
	for it.Next() {
		b := it.Batch()
		assert.Equal(t, len(sizes), it.Index())
		assert.Equal(t, tensor.Shape{b.Len(), 3, 8, 8}, b.Shape())
		assert.Len(t, b.Images, b.Len()*3*8*8)
		sizes = append(sizes, b.Len())
		for _, l := range b.Labels {
			labels = append(labels, int(l))
		}
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int{4, 4, 2}, sizes)

	sort.Ints(labels)
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1, 2, 2, 2}, labels, "every sample exactly once")
}

func TestLoaderUnshuffledOrder(t *testing.T) {
	src := Synthetic(5, 5, 8, 1)
	loader, err := NewLoader(src, Options{BatchSize: 5, ImageSize: 8})
	require.NoError(t, err)

	it := loader.Epoch()
	require.True(t, it.Next())
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, it.Batch().Labels)
	assert.False(t, it.Next())
}

func TestNewLoaderValidation(t *testing.T) {
	_, err := NewLoader(&MemorySource{}, Options{BatchSize: 1, ImageSize: 8})
	require.Error(t, err)
	_, err = NewLoader(Synthetic(2, 1, 8, 1), Options{BatchSize: 0, ImageSize: 8})
	require.Error(t, err)
	_, err = NewLoader(Synthetic(2, 1, 8, 1), Options{BatchSize: 1})
	require.Error(t, err)
}

func TestTensors(t *testing.T) {
	backend := cpu.New()
	b := &Batch{Images: make([]float32, 2*3*4*4), Labels: []int32{3, 1}, Size: 4}
	b.Images[5] = 0.5

	x, y, err := Tensors(b, backend)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 4, 4}, x.Shape())
	assert.Equal(t, float32(0.5), x.Data()[5])
	assert.Equal(t, []int32{3, 1}, y.Data())
}
