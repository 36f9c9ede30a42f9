package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRoundRobinOrderDeterministic(t *testing.T) {
	roots := map[string][]string{
		"Rural": {"/Rural/shard-000000.tar", "/Rural/shard-000002.tar"},
		"Urban": {"/Urban/shard-000001.tar"},
	}
	rng1 := rand.New(rand.NewSource(7))
	rng2 := rand.New(rand.NewSource(7))

	order1 := buildRoundRobinOrder(roots, rng1)
	order2 := buildRoundRobinOrder(roots, rng2)

	if !reflect.DeepEqual(order1, order2) {
		t.Fatalf("round robin order not deterministic: %v vs %v", order1, order2)
	}

	if len(order1) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(order1))
	}

	if order1[0].root == order1[1].root {
		t.Fatalf("expected alternating roots, got %v", order1)
	}
}

func TestBuildRoundRobinOrderUnshuffled(t *testing.T) {
	roots := map[string][]string{
		"Urban": {"u0", "u1"},
		"Rural": {"r0"},
	}
	order := buildRoundRobinOrder(roots, nil)
	paths := make([]string, len(order))
	for i, e := range order {
		paths[i] = e.path
	}
	assert.Equal(t, []string{"r0", "u0", "u1"}, paths)
}

func TestSamplerDeterministicStream(t *testing.T) {
	temp := t.TempDir()
	rural := filepath.Join(temp, "Rural")
	urban := filepath.Join(temp, "Urban")
	mustShard(t, filepath.Join(rural, "shard-000000.tar"), "r0", "r1")
	mustShard(t, filepath.Join(rural, "shard-000002.tar"), "r2")
	mustShard(t, filepath.Join(urban, "shard-000001.tar"), "u0")

	roots, err := ShardsByDomain(temp)
	require.NoError(t, err)

	opts := SamplerOptions{
		Roots:      roots,
		Seed:       123,
		Shuffle:    true,
		NumWorkers: 2,
	}

	run1 := collectSamples(t, opts)
	run2 := collectSamples(t, opts)

	require.Len(t, run1, 4)
	if !reflect.DeepEqual(run1, run2) {
		t.Fatalf("sampler order not deterministic: %v vs %v", run1, run2)
	}
	domains := map[string]bool{}
	for _, key := range run1 {
		domains[key[:1]] = true
	}
	assert.Len(t, domains, 2)
}

func TestSamplerRejectsEmptyRoots(t *testing.T) {
	_, _, err := StartSampler(context.Background(), SamplerOptions{})
	require.Error(t, err)
	_, _, err = StartSampler(context.Background(), SamplerOptions{Roots: map[string][]string{"Urban": nil}})
	require.Error(t, err)
}

// collectSamples drains a full pass and returns domain-prefixed keys.
func collectSamples(t *testing.T, opts SamplerOptions) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, errCh, err := StartSampler(ctx, opts)
	require.NoError(t, err)

	var out []string
	deadline := time.After(5 * time.Second)
	for stream != nil {
		select {
		case sample, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			out = append(out, sample.Domain[:1]+":"+sample.Key)
		case <-deadline:
			t.Fatal("timed out waiting for samples")
		}
	}
	for err := range errCh {
		require.NoError(t, err)
	}
	return out
}

func mustShard(t *testing.T, path string, keys ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, key := range keys {
		addTarPayload(t, tw, key+".png", []byte("image-"+key))
		addTarPayload(t, tw, key+".mask.png", []byte("mask-"+key))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func addTarPayload(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
