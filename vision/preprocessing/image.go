package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"

	"golang.org/x/image/draw"
)

// ImageNet channel statistics used when normalizing for pretrained weights
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageProcessor decodes X-ray images into square grayscale images of a
// fixed size and converts them to network input
type ImageProcessor struct {
	targetSize int
	normalize  bool
}

// NewImageProcessor creates a new image processor with the specified target
// size. normalize enables ImageNet mean/std normalization in ToCHW.
func NewImageProcessor(targetSize int, normalize bool) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		normalize:  normalize,
	}
}

// TargetSize returns the output width and height
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeGray decodes a PNG or JPEG image and resizes it to the target size
// with bilinear interpolation
func (p *ImageProcessor) DecodeGray(reader io.Reader) (*image.Gray, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("empty %s image", format)
	}

	dst := image.NewGray(image.Rect(0, 0, p.targetSize, p.targetSize))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// DecodeAndPreprocess decodes an image and returns it in CHW format with the
// gray channel replicated three times
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	gray, err := p.DecodeGray(reader)
	if err != nil {
		return nil, err
	}
	return &ProcessedImage{
		Data:     p.ToCHW(gray),
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}, nil
}

// ToCHW converts a grayscale image to 3xHxW float32 values in [0, 1],
// normalized with ImageNet statistics when enabled
func (p *ImageProcessor) ToCHW(img *image.Gray) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x, v := range row {
			f := float32(v) / 255.0
			idx := y*w + x
			for c := 0; c < 3; c++ {
				if p.normalize {
					data[c*plane+idx] = (f - ImageNetMean[c]) / ImageNetStd[c]
				} else {
					data[c*plane+idx] = f
				}
			}
		}
	}
	return data
}

// GrayToFloats flattens a grayscale image to HxW values in [0, 1]
func GrayToFloats(img *image.Gray) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out[y*w+x] = float32(img.Pix[y*img.Stride+x]) / 255.0
		}
	}
	return out
}

// FloatsToGray rebuilds a size x size grayscale image from GrayToFloats output
func FloatsToGray(data []float32, size int) (*image.Gray, error) {
	if len(data) != size*size {
		return nil, fmt.Errorf("expected %d pixels, got %d", size*size, len(data))
	}
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i, v := range data {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		img.Pix[i] = uint8(v*255 + 0.5)
	}
	return img, nil
}
