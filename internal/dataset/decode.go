package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Decoded is one sample after decoding: an RGBA image and a mask whose Gray
// values are already class ids (or the ignore index).
type Decoded struct {
	Key    string
	Domain string
	Image  *image.RGBA
	Mask   *image.Gray
}

// MaskCodec maps raw mask pixel values to class ids. A raw value v becomes
// v-Offset when that lands in [0, Classes); anything else becomes Ignore.
type MaskCodec struct {
	Classes int
	Ignore  uint8
	Offset  int
}

// Label converts one raw mask value.
func (c MaskCodec) Label(raw int) uint8 {
	v := raw - c.Offset
	if v < 0 || v >= c.Classes {
		return c.Ignore
	}
	return uint8(v)
}

// DecodeSample decodes raw image and mask bytes. Image and mask must have the
// same dimensions.
func DecodeSample(raw RawSample, codec MaskCodec) (Decoded, error) {
	img, _, err := image.Decode(bytes.NewReader(raw.Image))
	if err != nil {
		return Decoded{}, fmt.Errorf("decode image %s: %w", raw.Key, err)
	}
	maskImg, _, err := image.Decode(bytes.NewReader(raw.Mask))
	if err != nil {
		return Decoded{}, fmt.Errorf("decode mask %s: %w", raw.Key, err)
	}
	if img.Bounds().Size() != maskImg.Bounds().Size() {
		return Decoded{}, fmt.Errorf("sample %s: image %v and mask %v differ in size",
			raw.Key, img.Bounds().Size(), maskImg.Bounds().Size())
	}
	return Decoded{
		Key:    raw.Key,
		Domain: raw.Domain,
		Image:  toRGBA(img),
		Mask:   toLabels(maskImg, codec),
	}, nil
}

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	if rgba, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// toLabels reads raw class values out of a mask image. Paletted masks are
// read by palette index, grayscale masks by intensity.
func toLabels(src image.Image, codec MaskCodec) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Pix[y*dst.Stride+x] = codec.Label(rawMaskValue(src, b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rawMaskValue(src image.Image, x, y int) int {
	switch m := src.(type) {
	case *image.Gray:
		return int(m.GrayAt(x, y).Y)
	case *image.Gray16:
		return int(m.Gray16At(x, y).Y)
	case *image.Paletted:
		return int(m.ColorIndexAt(x, y))
	default:
		return int(color.GrayModel.Convert(src.At(x, y)).(color.Gray).Y)
	}
}
