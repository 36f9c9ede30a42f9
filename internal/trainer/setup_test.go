package trainer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/checkpoint"
	"segforge/internal/config"
	"segforge/internal/device"
	"segforge/internal/quant"
	"segforge/internal/tensor"
)

// writeTile writes an 8x8 image and a LoveDA mask whose left half is raw
// class 2 (building) and right half raw class 7 (agricultural).
func writeTile(t *testing.T, root, domain, key string, shade uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	mask := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if x < 4 {
				img.SetRGBA(x, y, color.RGBA{R: shade, G: 40, B: 40, A: 255})
				mask.SetGray(x, y, color.Gray{Y: 2})
			} else {
				img.SetRGBA(x, y, color.RGBA{R: 40, G: shade, B: 200, A: 255})
				mask.SetGray(x, y, color.Gray{Y: 7})
			}
		}
	}
	for dir, im := range map[string]image.Image{"images_png": img, "masks_png": mask} {
		path := filepath.Join(root, domain, dir, key+".png")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		buf := &bytes.Buffer{}
		require.NoError(t, png.Encode(buf, im))
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	}
}

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	train := filepath.Join(dir, "Train")
	val := filepath.Join(dir, "Val")
	for i := 0; i < 4; i++ {
		writeTile(t, train, "Urban", fmt.Sprint(i), uint8(150+10*i))
		writeTile(t, train, "Rural", fmt.Sprint(i), uint8(200+10*i))
	}
	writeTile(t, val, "Urban", "0", 180)
	writeTile(t, val, "Rural", "0", 220)

	cfg := config.Default()
	cfg.TrainRoots = []string{train}
	cfg.ValRoots = []string{val}
	cfg.MaxEpoch = 2
	cfg.TrainBatchSize = 3
	cfg.ValBatchSize = 2
	cfg.NumWorkers = 2
	cfg.Features = 4
	cfg.Threads = 2
	cfg.Seed = 7
	cfg.Augment.CropSize = 8
	cfg.WeightsDir = filepath.Join(dir, "weights")
	cfg.HistoryDB = filepath.Join(dir, "history.db")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSessionEndToEnd(t *testing.T) {
	cfg := smallConfig(t)
	sess, err := NewSession(cfg, nil)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 2, sess.Deps.Train.Len(), "8 samples in batches of 3 with drop_last")
	assert.Equal(t, 1, sess.Deps.Val.Len())

	ctx := context.Background()
	res, err := Run(ctx, sess.RunConfig, sess.Deps)
	require.NoError(t, err)
	require.Len(t, res.Epochs, 2)
	for _, rep := range res.Epochs {
		assert.Greater(t, rep.TrainLoss, 0.0)
		assert.GreaterOrEqual(t, rep.ValMIoU, 0.0)
		assert.LessOrEqual(t, rep.ValMIoU, 1.0)
		assert.True(t, rep.LastSaved)
	}

	mgr := sess.Deps.Checkpoints
	assert.FileExists(t, mgr.Path(checkpoint.TagLast))
	if res.BestMIoU > 0 {
		assert.FileExists(t, mgr.Path(checkpoint.TagBest))
	}
	require.NotNil(t, res.Quantized)
	assert.Equal(t, sess.Deps.Train.Len(), res.Quantized.CalibrationBatches)
	assert.FileExists(t, res.Quantized.Path)

	epochs, err := sess.Deps.History.Epochs(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, epochs, 2)

	// The saved int8 model reproduces the quantized validation result.
	net, snap, err := LoadModel(res.Quantized.Path, device.Detect(1))
	require.NoError(t, err)
	assert.Equal(t, quant.StageQuantized, snap.State.Stage)
	assert.Equal(t, sess.RunConfig.Quantize.Engine, snap.State.Engine)
	val, err := NewValLoader(cfg)
	require.NoError(t, err)
	eval, err := Evaluate(ctx, net, sess.Deps.Criterion, FromLoader(val), EvalConfig{
		NumClasses:  cfg.NumClasses,
		IgnoreIndex: int32(cfg.IgnoreIndex),
		UseAux:      cfg.UseAuxLoss,
		AuxWeight:   cfg.AuxWeight,
	})
	require.NoError(t, err)
	assert.InDelta(t, res.Quantized.ValMIoU, eval.MIoU, 1e-9)
	assert.InDelta(t, res.Quantized.ValLoss, eval.Loss, 1e-6)
}

func TestSessionRejectsQuantizedPretrained(t *testing.T) {
	cfg := smallConfig(t)
	net := NewModel(cfg, device.Detect(1))
	require.NoError(t, net.Prepare(quant.DefaultQConfig(quant.EngineQNNPACK)))
	x := make([]float32, 3*8*8)
	for i := range x {
		x[i] = float32(i%7) / 7
	}
	require.NoError(t, net.Observe(context.Background(), mustTensor(t, x)))
	require.NoError(t, quant.Convert(net))

	path := filepath.Join(t.TempDir(), "q.pth")
	require.NoError(t, checkpoint.Save(path, checkpoint.Snapshot{State: net.StateDict()}))
	cfg.PretrainedCkpt = path
	_, err := NewSession(cfg, nil)
	require.Error(t, err)
}

func mustTensor(t *testing.T, data []float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromData(1, 3, 8, 8, data)
	require.NoError(t, err)
	return x
}
