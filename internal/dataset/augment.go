package dataset

import (
	"image"
	"math/rand"

	"golang.org/x/image/draw"

	"segforge/internal/tensor"
)

// Transform is one spatial augmentation step applied to an image and its
// mask together.
type Transform interface {
	Apply(rng *rand.Rand, img *image.RGBA, mask *image.Gray) (*image.RGBA, *image.Gray)
}

// RandomScale resizes by a factor drawn uniformly from Scales. Images are
// resampled bilinearly, masks by nearest neighbour.
type RandomScale struct {
	Scales []float64
}

func (t RandomScale) Apply(rng *rand.Rand, img *image.RGBA, mask *image.Gray) (*image.RGBA, *image.Gray) {
	if len(t.Scales) == 0 {
		return img, mask
	}
	s := t.Scales[rng.Intn(len(t.Scales))]
	if s == 1 {
		return img, mask
	}
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*s+0.5))
	h := max(1, int(float64(b.Dy())*s+0.5))
	rect := image.Rect(0, 0, w, h)
	outImg := image.NewRGBA(rect)
	draw.BiLinear.Scale(outImg, rect, img, b, draw.Src, nil)
	outMask := image.NewGray(rect)
	draw.NearestNeighbor.Scale(outMask, rect, mask, mask.Bounds(), draw.Src, nil)
	return outImg, outMask
}

const defaultCropTries = 11

// SmartCrop cuts a Size×Size window, padding first when the input is
// smaller (image with 0, mask with Ignore). Up to Tries random windows are
// drawn (11 when unset); the first one holding more than one labelled class
// whose most frequent class covers less than MaxRatio of the labelled pixels
// is kept, otherwise the last one drawn.
type SmartCrop struct {
	Size     int
	MaxRatio float64
	Ignore   uint8
	Tries    int
}

func (t SmartCrop) Apply(rng *rand.Rand, img *image.RGBA, mask *image.Gray) (*image.RGBA, *image.Gray) {
	img, mask = pad(img, mask, t.Size, t.Ignore)
	b := img.Bounds()
	tries := t.Tries
	if tries <= 0 {
		tries = defaultCropTries
	}
	counts := make(map[uint8]int)
	var x, y int
	for i := 0; i < tries; i++ {
		x = rng.Intn(b.Dx() - t.Size + 1)
		y = rng.Intn(b.Dy() - t.Size + 1)
		clear(counts)
		for row := y; row < y+t.Size; row++ {
			for _, v := range mask.Pix[row*mask.Stride+x : row*mask.Stride+x+t.Size] {
				if v != t.Ignore {
					counts[v]++
				}
			}
		}
		if len(counts) > 1 && dominantRatio(counts) < t.MaxRatio {
			break
		}
	}
	rect := image.Rect(x, y, x+t.Size, y+t.Size)
	outImg := image.NewRGBA(image.Rect(0, 0, t.Size, t.Size))
	draw.Draw(outImg, outImg.Bounds(), img, rect.Min, draw.Src)
	outMask := image.NewGray(image.Rect(0, 0, t.Size, t.Size))
	draw.Draw(outMask, outMask.Bounds(), mask, rect.Min, draw.Src)
	return outImg, outMask
}

func dominantRatio(counts map[uint8]int) float64 {
	total, top := 0, 0
	for _, c := range counts {
		total += c
		top = max(top, c)
	}
	return float64(top) / float64(total)
}

func pad(img *image.RGBA, mask *image.Gray, size int, ignore uint8) (*image.RGBA, *image.Gray) {
	b := img.Bounds()
	if b.Dx() >= size && b.Dy() >= size {
		return img, mask
	}
	rect := image.Rect(0, 0, max(size, b.Dx()), max(size, b.Dy()))
	outImg := image.NewRGBA(rect)
	draw.Draw(outImg, b, img, b.Min, draw.Src)
	outMask := image.NewGray(rect)
	for i := range outMask.Pix {
		outMask.Pix[i] = ignore
	}
	draw.Draw(outMask, mask.Bounds(), mask, mask.Bounds().Min, draw.Src)
	return outImg, outMask
}

// HorizontalFlip mirrors left-right with probability P.
type HorizontalFlip struct {
	P float64
}

func (t HorizontalFlip) Apply(rng *rand.Rand, img *image.RGBA, mask *image.Gray) (*image.RGBA, *image.Gray) {
	if rng.Float64() >= t.P {
		return img, mask
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	outImg := image.NewRGBA(image.Rect(0, 0, w, h))
	outMask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := img.PixOffset(b.Min.X+w-1-x, b.Min.Y+y)
			dst := outImg.PixOffset(x, y)
			copy(outImg.Pix[dst:dst+4], img.Pix[src:src+4])
			outMask.Pix[y*outMask.Stride+x] = mask.GrayAt(b.Min.X+w-1-x, b.Min.Y+y).Y
		}
	}
	return outImg, outMask
}

// ImageNet statistics with pixel values scaled by 1/255.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Pipeline applies Transforms in order and normalizes the result into
// tensors.
type Pipeline struct {
	Transforms []Transform
	Mean, Std  [3]float32
	MaxPixel   float32
}

// AugmentOptions parameterizes the training pipeline.
type AugmentOptions struct {
	Scales    []float64
	CropSize  int
	MaxRatio  float64
	FlipProb  float64
	Ignore    uint8
	CropTries int
}

// TrainPipeline is RandomScale, SmartCrop, HorizontalFlip, then ImageNet
// normalization.
func TrainPipeline(o AugmentOptions) Pipeline {
	return Pipeline{
		Transforms: []Transform{
			RandomScale{Scales: o.Scales},
			SmartCrop{Size: o.CropSize, MaxRatio: o.MaxRatio, Ignore: o.Ignore, Tries: o.CropTries},
			HorizontalFlip{P: o.FlipProb},
		},
		Mean:     ImageNetMean,
		Std:      ImageNetStd,
		MaxPixel: 255,
	}
}

// EvalPipeline only normalizes.
func EvalPipeline() Pipeline {
	return Pipeline{Mean: ImageNetMean, Std: ImageNetStd, MaxPixel: 255}
}

// Apply runs the pipeline and returns a 1×3×H×W image and a 1×H×W mask.
func (p Pipeline) Apply(rng *rand.Rand, d Decoded) (*tensor.Tensor, *tensor.Labels) {
	img, mask := d.Image, d.Mask
	for _, t := range p.Transforms {
		img, mask = t.Apply(rng, img, mask)
	}
	return p.normalize(img), toTensorLabels(mask)
}

func (p Pipeline) normalize(img *image.RGBA) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := tensor.New(1, 3, h, w)
	plane := w * h
	maxPixel := p.MaxPixel
	if maxPixel == 0 {
		maxPixel = 255
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[off+c]) / maxPixel
				out.Data[c*plane+y*w+x] = (v - p.Mean[c]) / p.Std[c]
			}
		}
	}
	return out
}

func toTensorLabels(mask *image.Gray) *tensor.Labels {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	out := tensor.NewLabels(1, h, w, 0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Data[y*w+x] = int32(mask.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
		}
	}
	return out
}
