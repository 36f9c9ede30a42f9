package dataset

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskCodecLoveDA(t *testing.T) {
	codec := MaskCodec{Classes: 7, Ignore: 7, Offset: 1}
	assert.Equal(t, uint8(7), codec.Label(0))
	assert.Equal(t, uint8(0), codec.Label(1))
	assert.Equal(t, uint8(6), codec.Label(7))
	assert.Equal(t, uint8(7), codec.Label(8))
	assert.Equal(t, uint8(7), codec.Label(255))
}

func TestDecodeSample(t *testing.T) {
	raw := RawSample{
		Key:   "42",
		Image: encodePNG(t, solidRGBA(4, 3, color.RGBA{R: 255, A: 255})),
		Mask:  encodePNG(t, stripedMask(4, 3, 0, 3)),
	}
	d, err := DecodeSample(raw, MaskCodec{Classes: 7, Ignore: 7, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, d.Image.Bounds().Dx())
	assert.Equal(t, uint8(7), d.Mask.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(2), d.Mask.GrayAt(1, 0).Y)
}

func TestDecodeSampleSizeMismatch(t *testing.T) {
	raw := RawSample{
		Key:   "1",
		Image: encodePNG(t, solidRGBA(4, 4, color.RGBA{A: 255})),
		Mask:  encodePNG(t, stripedMask(2, 2, 1, 2)),
	}
	_, err := DecodeSample(raw, MaskCodec{Classes: 7, Ignore: 7, Offset: 1})
	require.Error(t, err)
}

func TestRandomScaleKeepsAlignment(t *testing.T) {
	img := solidRGBA(8, 6, color.RGBA{G: 128, A: 255})
	mask := stripedMask(8, 6, 2, 5)
	rng := rand.New(rand.NewSource(1))
	outImg, outMask := RandomScale{Scales: []float64{1.5}}.Apply(rng, img, mask)
	assert.Equal(t, image.Rect(0, 0, 12, 9), outImg.Bounds())
	assert.Equal(t, outImg.Bounds(), outMask.Bounds())
	for _, v := range outMask.Pix {
		assert.Contains(t, []uint8{2, 5}, v, "nearest neighbour must not invent labels")
	}
}

func TestSmartCropPadsSmallInputs(t *testing.T) {
	img := solidRGBA(3, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	mask := stripedMask(3, 2, 0, 1)
	rng := rand.New(rand.NewSource(2))
	outImg, outMask := SmartCrop{Size: 4, MaxRatio: 0.75, Ignore: 7}.Apply(rng, img, mask)
	require.Equal(t, image.Rect(0, 0, 4, 4), outImg.Bounds())
	assert.Equal(t, uint8(7), outMask.GrayAt(3, 3).Y)
	assert.Equal(t, uint8(0), outImg.RGBAAt(3, 3).R)
	assert.Equal(t, uint8(10), outImg.RGBAAt(0, 0).R)
}

func TestSmartCropDrawsElevenWindowsByDefault(t *testing.T) {
	img := solidRGBA(8, 8, color.RGBA{A: 255})
	mask := image.NewGray(image.Rect(0, 0, 8, 8))
	rng := rand.New(rand.NewSource(4))
	SmartCrop{Size: 4, MaxRatio: 0.75, Ignore: 7}.Apply(rng, img, mask)

	// A single-class mask never satisfies the window test, so every try is used.
	ref := rand.New(rand.NewSource(4))
	for i := 0; i < 11; i++ {
		ref.Intn(5)
		ref.Intn(5)
	}
	assert.Equal(t, ref.Int63(), rng.Int63())
}

func TestSmartCropPrefersMixedWindows(t *testing.T) {
	// Left half uniform class 0, right edge a thin column of class 1.
	mask := image.NewGray(image.Rect(0, 0, 16, 4))
	for y := 0; y < 4; y++ {
		for x := 12; x < 16; x++ {
			mask.SetGray(x, y, color.Gray{Y: 1})
		}
	}
	img := solidRGBA(16, 4, color.RGBA{A: 255})
	crop := SmartCrop{Size: 4, MaxRatio: 0.8, Ignore: 7, Tries: 10}
	mixed := 0
	for seed := int64(0); seed < 20; seed++ {
		_, out := crop.Apply(rand.New(rand.NewSource(seed)), img, mask)
		seen := map[uint8]bool{}
		for _, v := range out.Pix {
			seen[v] = true
		}
		if len(seen) > 1 {
			mixed++
		}
	}
	assert.Greater(t, mixed, 10)
}

func TestHorizontalFlip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 1, A: 255})
	img.SetRGBA(1, 0, color.RGBA{R: 2, A: 255})
	mask := image.NewGray(image.Rect(0, 0, 2, 1))
	mask.SetGray(1, 0, color.Gray{Y: 3})
	outImg, outMask := HorizontalFlip{P: 1}.Apply(rand.New(rand.NewSource(0)), img, mask)
	assert.Equal(t, uint8(2), outImg.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(3), outMask.GrayAt(0, 0).Y)

	same, _ := HorizontalFlip{P: 0}.Apply(rand.New(rand.NewSource(0)), img, mask)
	assert.Same(t, img, same)
}

func TestEvalPipelineNormalizes(t *testing.T) {
	d := Decoded{
		Image: solidRGBA(2, 2, color.RGBA{R: 255, G: 0, B: 128, A: 255}),
		Mask:  stripedMask(2, 2, 1, 4),
	}
	x, y := EvalPipeline().Apply(rand.New(rand.NewSource(0)), d)
	require.Equal(t, 3, x.C)
	assert.InDelta(t, (1-0.485)/0.229, x.At(0, 0, 0, 0), 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, x.At(0, 1, 1, 1), 1e-5)
	assert.Equal(t, []int32{1, 4, 1, 4}, y.Data)
}

func TestTrainPipelineShape(t *testing.T) {
	d := Decoded{Image: solidRGBA(10, 10, color.RGBA{A: 255}), Mask: stripedMask(10, 10, 0, 1)}
	p := TrainPipeline(AugmentOptions{
		Scales: []float64{0.75, 1, 1.25, 1.5}, CropSize: 8, MaxRatio: 0.75, FlipProb: 0.5, Ignore: 7,
	})
	x, y := p.Apply(rand.New(rand.NewSource(3)), d)
	assert.Equal(t, 8, x.H)
	assert.Equal(t, 8, x.W)
	assert.Equal(t, 8, y.H)
}

func solidRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// stripedMask alternates columns between a and b.
func stripedMask(w, h int, a, b uint8) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := a
			if x%2 == 1 {
				v = b
			}
			m.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return m
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}
