package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/model"
)

var testCodec = MaskCodec{Classes: 7, Ignore: 7, Offset: 1}

func writeLoveDA(t *testing.T, root string, perDomain int) {
	t.Helper()
	for _, domain := range []string{"Urban", "Rural"} {
		for i := 0; i < perDomain; i++ {
			key := fmt.Sprintf("%d", i)
			shade := uint8(10 * (i + 1))
			writeFile(t, filepath.Join(root, domain, imagesDir, key+".png"),
				encodePNG(t, solidRGBA(6, 6, color.RGBA{R: shade, G: shade, B: shade, A: 255})))
			writeFile(t, filepath.Join(root, domain, masksDir, key+".png"),
				encodePNG(t, stripedMask(6, 6, 1, 3)))
		}
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func drainLoader(t *testing.T, l *Loader, epoch int) []model.Batch {
	t.Helper()
	ctx := context.Background()
	it, err := l.Epoch(ctx, epoch)
	require.NoError(t, err)
	defer it.Close()
	var out []model.Batch
	for {
		b, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func batchKeys(batches []model.Batch) []string {
	var keys []string
	for _, b := range batches {
		keys = append(keys, b.Keys...)
	}
	return keys
}

func TestLoaderDropLast(t *testing.T) {
	root := t.TempDir()
	writeLoveDA(t, root, 3)
	src, err := NewDirSource([]string{root}, false, 0)
	require.NoError(t, err)
	require.Equal(t, 6, src.Len())

	for _, tc := range []struct {
		name     string
		dropLast bool
		batches  int
		lastSize int
	}{
		{"keep partial", false, 2, 2},
		{"drop partial", true, 1, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l, err := NewLoader(src, LoaderOptions{
				BatchSize: 4, DropLast: tc.dropLast, NumWorkers: 3,
				Pipeline: EvalPipeline(), Codec: testCodec,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.batches, l.Len())
			got := drainLoader(t, l, 0)
			require.Len(t, got, tc.batches)
			assert.Equal(t, tc.lastSize, got[len(got)-1].Size())
		})
	}
}

func TestLoaderBatchContents(t *testing.T) {
	root := t.TempDir()
	writeLoveDA(t, root, 2)
	src, err := NewDirSource([]string{root}, false, 0)
	require.NoError(t, err)
	l, err := NewLoader(src, LoaderOptions{BatchSize: 2, NumWorkers: 2, Pipeline: EvalPipeline(), Codec: testCodec})
	require.NoError(t, err)

	got := drainLoader(t, l, 0)
	require.Len(t, got, 2)
	b := got[0]
	assert.Equal(t, 2, b.Images.N)
	assert.Equal(t, 3, b.Images.C)
	assert.Equal(t, 6, b.Masks.H)
	// Raw 1 and 3 map to classes 0 and 2.
	assert.Equal(t, int32(0), b.Masks.Data[0])
	assert.Equal(t, int32(2), b.Masks.Data[1])
	// Unshuffled order alternates Rural/Urban.
	assert.Equal(t, []string{"0", "0", "1", "1"}, batchKeys(got))
}

func TestLoaderDeterministicPerEpoch(t *testing.T) {
	root := t.TempDir()
	writeLoveDA(t, root, 6)
	src, err := NewDirSource([]string{root}, true, 11)
	require.NoError(t, err)
	opts := LoaderOptions{
		BatchSize: 3, DropLast: true, NumWorkers: 4, Seed: 11, Codec: testCodec,
		Pipeline: TrainPipeline(AugmentOptions{
			Scales: []float64{0.75, 1, 1.25, 1.5}, CropSize: 4, MaxRatio: 0.75, FlipProb: 0.5, Ignore: 7,
		}),
	}
	l, err := NewLoader(src, opts)
	require.NoError(t, err)

	a := drainLoader(t, l, 2)
	b := drainLoader(t, l, 2)
	require.Equal(t, len(a), len(b))
	assert.Equal(t, batchKeys(a), batchKeys(b))
	for i := range a {
		assert.Equal(t, a[i].Images.Data, b[i].Images.Data)
		assert.Equal(t, a[i].Masks.Data, b[i].Masks.Data)
	}
	assert.Equal(t, 4, a[0].Images.H)
}

func TestLoaderPropagatesDecodeErrors(t *testing.T) {
	root := t.TempDir()
	writeLoveDA(t, root, 1)
	writeFile(t, filepath.Join(root, "Urban", imagesDir, "9.png"), []byte("not a png"))
	writeFile(t, filepath.Join(root, "Urban", masksDir, "9.png"), []byte("not a png"))
	src, err := NewDirSource([]string{root}, false, 0)
	require.NoError(t, err)
	l, err := NewLoader(src, LoaderOptions{BatchSize: 8, Pipeline: EvalPipeline(), Codec: testCodec})
	require.NoError(t, err)

	ctx := context.Background()
	it, err := l.Epoch(ctx, 0)
	require.NoError(t, err)
	defer it.Close()
	_, err = it.Next(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestShardSourceLoader(t *testing.T) {
	root := t.TempDir()
	for domain, keys := range map[string][]string{"Urban": {"u0", "u1"}, "Rural": {"r0"}} {
		buf := &bytes.Buffer{}
		tw := tar.NewWriter(buf)
		for _, key := range keys {
			addTarEntry(tw, key+".png", encodePNG(t, solidRGBA(4, 4, color.RGBA{A: 255})))
			addTarEntry(tw, key+".mask.png", encodePNG(t, stripedMask(4, 4, 2, 5)))
		}
		require.NoError(t, tw.Close())
		writeFile(t, filepath.Join(root, domain, "shard-000000.tar"), buf.Bytes())
	}

	src, err := NewSource([]string{root}, true, 5, 2)
	require.NoError(t, err)
	require.IsType(t, &ShardSource{}, src)
	assert.Equal(t, 3, src.Len())

	l, err := NewLoader(src, LoaderOptions{BatchSize: 2, NumWorkers: 2, Pipeline: EvalPipeline(), Codec: testCodec})
	require.NoError(t, err)
	got := drainLoader(t, l, 0)
	assert.Len(t, batchKeys(got), 3)
	assert.Equal(t, int32(1), got[0].Masks.Data[0])
}

func TestIteratorSatisfiesCalibrationSource(t *testing.T) {
	root := t.TempDir()
	writeLoveDA(t, root, 1)
	src, err := NewSource([]string{root}, false, 0, 1)
	require.NoError(t, err)
	l, err := NewLoader(src, LoaderOptions{BatchSize: 1, Pipeline: EvalPipeline(), Codec: testCodec})
	require.NoError(t, err)
	it, err := l.Epoch(context.Background(), 0)
	require.NoError(t, err)
	defer it.Close()

	n := 0
	for {
		x, err := it.NextImages(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, 1, x.N)
		n++
	}
	assert.Equal(t, 2, n)
}
