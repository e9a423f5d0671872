package preprocessing

import (
	"bytes"
	"image"
	"math/rand"
	"testing"
)

func patternImage(size int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Pix[y*img.Stride+x] = uint8((x*16 + y*3) % 256)
		}
	}
	return img
}

func TestTransformsPassThroughWithoutChoices(t *testing.T) {
	img := patternImage(16)
	for _, tr := range DefaultTransforms() {
		if out := tr.Apply(img, 0); out != img {
			t.Errorf("%s modified an image before SetRandomChoices", tr.Name())
		}
	}
}

func TestFlipMirrorsRows(t *testing.T) {
	img := patternImage(8)
	f := &Flip{flips: []bool{true, false}}

	out := f.Apply(img, 0)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if out.GrayAt(x, y) != img.GrayAt(7-x, y) {
				t.Fatalf("pixel (%d,%d) not mirrored", x, y)
			}
		}
	}
	if f.Apply(img, 1) != img {
		t.Errorf("unflipped image should pass through")
	}
}

func TestRandomChoicesAreStablePerEpoch(t *testing.T) {
	r := &RandomRotation{ArcWidth: 20}
	r.SetRandomChoices(rand.New(rand.NewSource(5)), 100)

	for i := 0; i < 100; i++ {
		if a := r.Angle(i); a < -10 || a > 10 {
			t.Errorf("angle %f outside arc", a)
		}
	}

	img := patternImage(16)
	a := r.Apply(img, 3)
	b := r.Apply(img, 3)
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Errorf("same image index produced different augmentations")
	}

	first := r.Angle(3)
	r.SetRandomChoices(rand.New(rand.NewSource(6)), 100)
	if r.Angle(3) == first {
		t.Errorf("new epoch should draw new angles")
	}
}

func TestRandomRotationKeepsSize(t *testing.T) {
	r := &RandomRotation{ArcWidth: 20, angles: []float64{10}}
	img := patternImage(16)
	out := r.Apply(img, 0)
	if out.Bounds() != img.Bounds() {
		t.Errorf("bounds changed to %v", out.Bounds())
	}
	if bytes.Equal(out.Pix, img.Pix) {
		t.Errorf("rotation had no effect")
	}
}

func TestRandomCrop(t *testing.T) {
	c := &RandomCrop{RPix: 2}
	c.SetRandomChoices(rand.New(rand.NewSource(1)), 50)
	for i := 0; i < 50; i++ {
		off, ok := c.Offset(i)
		if !ok || off.X < 0 || off.X > 4 || off.Y < 0 || off.Y > 4 {
			t.Fatalf("offset %v out of range", off)
		}
	}

	img := patternImage(16)
	out := c.Apply(img, 0)
	if out.Bounds() != img.Bounds() {
		t.Errorf("crop must scale back to %v, got %v", img.Bounds(), out.Bounds())
	}

	// too small to crop
	tiny := patternImage(4)
	if c.Apply(tiny, 0) != tiny {
		t.Errorf("image smaller than the crop margin should pass through")
	}
}

func TestApplyAll(t *testing.T) {
	transforms := DefaultTransforms()
	rng := rand.New(rand.NewSource(2))
	for _, tr := range transforms {
		tr.SetRandomChoices(rng, 4)
	}
	out := ApplyAll(transforms, patternImage(32), 1)
	if out.Bounds().Dx() != 32 || out.Bounds().Dy() != 32 {
		t.Errorf("unexpected bounds %v", out.Bounds())
	}
}
