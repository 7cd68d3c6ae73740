package stylize

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	// Decoders registered for image.Decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// planes holds an RGB image as three float channels in [0,1]
type planes struct {
	w, h int
	c    [3][]float32
}

func newPlanes(w, h int) *planes {
	p := &planes{w: w, h: h}
	for i := range p.c {
		p.c[i] = make([]float32, w*h)
	}
	return p
}

func (p *planes) clone() *planes {
	out := &planes{w: p.w, h: p.h}
	for i := range p.c {
		out.c[i] = append([]float32(nil), p.c[i]...)
	}
	return out
}

// MaxPixels bounds the declared dimensions of an input image
const MaxPixels = 40_000_000

// stats returns the mean and standard deviation of channel c inside r
func (p *planes) stats(c int, r image.Rectangle) (mean, std float64) {
	n := r.Dx() * r.Dy()
	if n <= 0 {
		return 0, 0
	}
	v := p.c[c]
	var sum float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sum += float64(v[y*p.w+x])
		}
	}
	mean = sum / float64(n)

	var sq float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			d := float64(v[y*p.w+x]) - mean
			sq += d * d
		}
	}
	return mean, math.Sqrt(sq / float64(n))
}

// loadImage decodes path, fits it inside a size x size canvas and pads the
// rest with black. It returns the canvas and the content region within it.
func loadImage(path string, size int) (*planes, image.Rectangle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, image.Rectangle{}, fmt.Errorf("image %s (%s) is %dx%d, over the %d pixel limit",
			path, format, cfg.Width, cfg.Height, MaxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("failed to rewind image: %w", err)
	}

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	if src.Bounds().Empty() {
		return nil, image.Rectangle{}, fmt.Errorf("image %s (%s) is empty", path, format)
	}

	region := padRegion(src.Bounds(), size)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, region, src, src.Bounds(), draw.Src, nil)

	return fromRGBA(dst), region, nil
}

func fromRGBA(img *image.RGBA) *planes {
	b := img.Bounds()
	p := newPlanes(b.Dx(), b.Dy())
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			i := y*p.w + x
			p.c[0][i] = float32(img.Pix[o]) / 255
			p.c[1][i] = float32(img.Pix[o+1]) / 255
			p.c[2][i] = float32(img.Pix[o+2]) / 255
		}
	}
	return p
}

func (p *planes) toRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, p.w, p.h))
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			i := y*p.w + x
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(p.c[0][i]),
				G: toByte(p.c[1][i]),
				B: toByte(p.c[2][i]),
				A: 255,
			})
		}
	}
	return img
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// fitWithin scales bounds so the longest side equals size
func fitWithin(bounds image.Rectangle, size int) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	if w >= h {
		return image.Rect(0, 0, size, max(1, h*size/w))
	}
	return image.Rect(0, 0, max(1, w*size/h), size)
}

// padRegion centres the fitted bounds on a size x size canvas
func padRegion(bounds image.Rectangle, size int) image.Rectangle {
	fit := fitWithin(bounds, size)
	return fit.Add(image.Pt((size-fit.Dx())/2, (size-fit.Dy())/2))
}
