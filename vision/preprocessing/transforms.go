package preprocessing

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Transform is a data augmentation whose random parameters are drawn once
// per epoch for every image, so repeated reads of image i within an epoch
// see the same augmentation
type Transform interface {
	// SetRandomChoices draws parameters for n images
	SetRandomChoices(rng *rand.Rand, n int)
	// Apply transforms image i. Images without drawn parameters pass
	// through unchanged.
	Apply(img *image.Gray, i int) *image.Gray
	Name() string
}

// RandomRotation rotates around the image centre by an angle drawn
// uniformly from [-ArcWidth/2, ArcWidth/2] degrees
type RandomRotation struct {
	ArcWidth float64
	angles   []float64
}

// SetRandomChoices implements Transform
func (r *RandomRotation) SetRandomChoices(rng *rand.Rand, n int) {
	r.angles = make([]float64, n)
	for i := range r.angles {
		r.angles[i] = (rng.Float64() - 0.5) * r.ArcWidth
	}
}

// Angle returns the rotation in degrees chosen for image i
func (r *RandomRotation) Angle(i int) float64 {
	if i < 0 || i >= len(r.angles) {
		return 0
	}
	return r.angles[i]
}

// Apply implements Transform
func (r *RandomRotation) Apply(img *image.Gray, i int) *image.Gray {
	deg := r.Angle(i)
	if deg == 0 {
		return img
	}

	b := img.Bounds()
	cx := float64(b.Min.X) + float64(b.Dx())/2
	cy := float64(b.Min.Y) + float64(b.Dy())/2
	sin, cos := math.Sincos(deg * math.Pi / 180)

	// maps source to destination: translate to origin, rotate, translate back
	m := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	dst := image.NewGray(b)
	draw.BiLinear.Transform(dst, m, img, b, draw.Src, nil)
	return dst
}

// Name implements Transform
func (r *RandomRotation) Name() string {
	return "RandomRotation"
}

// Flip mirrors an image horizontally with probability 1/2
type Flip struct {
	flips []bool
}

// SetRandomChoices implements Transform
func (f *Flip) SetRandomChoices(rng *rand.Rand, n int) {
	f.flips = make([]bool, n)
	for i := range f.flips {
		f.flips[i] = rng.Intn(2) == 1
	}
}

// Flipped reports whether image i is mirrored
func (f *Flip) Flipped(i int) bool {
	return i >= 0 && i < len(f.flips) && f.flips[i]
}

// Apply implements Transform
func (f *Flip) Apply(img *image.Gray, i int) *image.Gray {
	if !f.Flipped(i) {
		return img
	}

	b := img.Bounds()
	w := b.Dx()
	dst := image.NewGray(b)
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+w]
		for x := range src {
			out[w-1-x] = src[x]
		}
	}
	return dst
}

// Name implements Transform
func (f *Flip) Name() string {
	return "Flip"
}

// RandomCrop cuts a window RPix pixels smaller on every side at a random
// offset and scales it back to the original size
type RandomCrop struct {
	RPix    int
	offsets []image.Point
}

// SetRandomChoices implements Transform
func (c *RandomCrop) SetRandomChoices(rng *rand.Rand, n int) {
	c.offsets = make([]image.Point, n)
	if c.RPix <= 0 {
		return
	}
	for i := range c.offsets {
		c.offsets[i] = image.Pt(rng.Intn(2*c.RPix+1), rng.Intn(2*c.RPix+1))
	}
}

// Offset returns the top-left corner of the crop window for image i
func (c *RandomCrop) Offset(i int) (image.Point, bool) {
	if i < 0 || i >= len(c.offsets) {
		return image.Point{}, false
	}
	return c.offsets[i], true
}

// Apply implements Transform
func (c *RandomCrop) Apply(img *image.Gray, i int) *image.Gray {
	off, ok := c.Offset(i)
	b := img.Bounds()
	if !ok || c.RPix <= 0 || b.Dx() <= 2*c.RPix || b.Dy() <= 2*c.RPix {
		return img
	}

	window := image.Rect(off.X, off.Y, off.X+b.Dx()-2*c.RPix, off.Y+b.Dy()-2*c.RPix).Add(b.Min)
	dst := image.NewGray(b)
	draw.BiLinear.Scale(dst, b, img, window, draw.Src, nil)
	return dst
}

// Name implements Transform
func (c *RandomCrop) Name() string {
	return "RandomCrop"
}

// DefaultTransforms returns the training augmentations: rotation within a
// 20 degree arc, horizontal flips and 8 pixel random crops
func DefaultTransforms() []Transform {
	return []Transform{
		&RandomRotation{ArcWidth: 20},
		&Flip{},
		&RandomCrop{RPix: 8},
	}
}

// ApplyAll runs transforms in order on image i
func ApplyAll(transforms []Transform, img *image.Gray, i int) *image.Gray {
	for _, t := range transforms {
		img = t.Apply(img, i)
	}
	return img
}
