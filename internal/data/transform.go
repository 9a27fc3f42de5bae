package data

import (
	"image"
	"math"
	"math/rand/v2"

	"golang.org/x/image/draw"
)

// ImageNet channel statistics used to normalise every input.
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// Transform turns a decoded image into a normalised [3, Size, Size] slice.
//
// With Aug set it applies a random resized crop, brightness/contrast/colour
// jitter and a random horizontal flip. Without it the image is scaled so its
// short side is 1.15*Size and centre-cropped.
type Transform struct {
	Size   int
	Aug    bool
	Jitter float64 // Jitter strength for brightness, contrast and colour.
	Mean   [3]float32
	Std    [3]float32
}

// NewTransform returns a Transform with the stock normalisation.
func NewTransform(size int, aug bool) Transform {
	return Transform{Size: size, Aug: aug, Jitter: 0.4, Mean: DefaultMean, Std: DefaultStd}
}

// Apply renders img. rng is only consulted when Aug is set.
func (t Transform) Apply(img image.Image, rng *rand.Rand) []float32 {
	var rgba *image.RGBA
	if t.Aug {
		rgba = t.randomResizedCrop(img, rng)
	} else {
		rgba = t.centerCrop(img)
	}

	pix := toFloat(rgba, t.Size)
	if t.Aug {
		jitter(pix, t.Size*t.Size, t.Jitter, rng)
		if rng.IntN(2) == 1 {
			flipHorizontal(pix, t.Size)
		}
	}

	area := t.Size * t.Size
	for c := 0; c < 3; c++ {
		ch := pix[c*area : (c+1)*area]
		for i, v := range ch {
			ch[i] = (v - t.Mean[c]) / t.Std[c]
		}
	}
	return pix
}

// randomResizedCrop picks a crop covering 8%-100% of the area with aspect
// ratio in [3/4, 4/3] and scales it to Size x Size. After ten failed draws
// it falls back to a centre crop of the whole image.
func (t Transform) randomResizedCrop(img image.Image, rng *rand.Rand) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	area := float64(w * h)

	for attempt := 0; attempt < 10; attempt++ {
		target := area * (0.08 + rng.Float64()*0.92)
		logRatio := math.Log(3.0/4.0) + rng.Float64()*(math.Log(4.0/3.0)-math.Log(3.0/4.0))
		ratio := math.Exp(logRatio)

		cw := int(math.Round(math.Sqrt(target * ratio)))
		ch := int(math.Round(math.Sqrt(target / ratio)))
		if cw <= 0 || ch <= 0 || cw > w || ch > h {
			continue
		}
		x0 := b.Min.X + rng.IntN(w-cw+1)
		y0 := b.Min.Y + rng.IntN(h-ch+1)
		return scale(img, image.Rect(x0, y0, x0+cw, y0+ch), t.Size, t.Size)
	}

	side := min(w, h)
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2
	return scale(img, image.Rect(x0, y0, x0+side, y0+side), t.Size, t.Size)
}

func (t Transform) centerCrop(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	short := int(float64(t.Size) * 1.15)

	var sw, sh int
	if w <= h {
		sw, sh = short, max(short, h*short/max(w, 1))
	} else {
		sw, sh = max(short, w*short/max(h, 1)), short
	}
	resized := scale(img, b, sw, sh)

	x0 := (sw - t.Size) / 2
	y0 := (sh - t.Size) / 2
	out := image.NewRGBA(image.Rect(0, 0, t.Size, t.Size))
	draw.Draw(out, out.Bounds(), resized, image.Pt(x0, y0), draw.Src)
	return out
}

func scale(img image.Image, src image.Rectangle, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

// toFloat converts to CHW floats in [0, 1].
func toFloat(img *image.RGBA, size int) []float32 {
	area := size * size
	out := make([]float32, 3*area)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := img.RGBAAt(x, y)
			i := y*size + x
			out[i] = float32(c.R) / 255
			out[area+i] = float32(c.G) / 255
			out[2*area+i] = float32(c.B) / 255
		}
	}
	return out
}

// jitter applies brightness, contrast and saturation changes in random order,
// each with a factor drawn from [1-strength, 1+strength].
func jitter(pix []float32, area int, strength float64, rng *rand.Rand) {
	if strength <= 0 {
		return
	}
	for _, op := range rng.Perm(3) {
		alpha := float32(1 + (rng.Float64()*2-1)*strength)
		switch op {
		case 0: // brightness: blend with black
			for i := range pix {
				pix[i] *= alpha
			}
		case 1: // contrast: blend with mean luma
			var mean float32
			for i := 0; i < area; i++ {
				mean += luma(pix, area, i)
			}
			mean /= float32(area)
			for i := range pix {
				pix[i] = alpha*pix[i] + (1-alpha)*mean
			}
		case 2: // colour: blend with greyscale
			for i := 0; i < area; i++ {
				g := luma(pix, area, i)
				for c := 0; c < 3; c++ {
					pix[c*area+i] = alpha*pix[c*area+i] + (1-alpha)*g
				}
			}
		}
	}
	for i, v := range pix {
		pix[i] = min(max(v, 0), 1)
	}
}

func luma(pix []float32, area, i int) float32 {
	return 0.299*pix[i] + 0.587*pix[area+i] + 0.114*pix[2*area+i]
}

func flipHorizontal(pix []float32, size int) {
	for c := 0; c < 3; c++ {
		for y := 0; y < size; y++ {
			row := pix[c*size*size+y*size : c*size*size+(y+1)*size]
			for l, r := 0, size-1; l < r; l, r = l+1, r-1 {
				row[l], row[r] = row[r], row[l]
			}
		}
	}
}
