package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndQueryEpochs(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.StartRun(ctx, Run{ID: "r1", WeightsName: "exp", Config: "{}", StartedAt: time.Now()}))

	_, ok, err := store.BestEpoch(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.RecordEpoch(ctx, "r1", Epoch{Epoch: 0, TrainLoss: 1.2, ValLoss: 1.1, ValMIoU: 0.2, LR: 6e-4, Best: true}))
	require.NoError(t, store.RecordEpoch(ctx, "r1", Epoch{Epoch: 1, TrainLoss: 1.0, ValLoss: 1.05, ValMIoU: 0.1, LR: 5e-4}))

	epochs, err := store.Epochs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.True(t, epochs[0].Best)
	assert.False(t, epochs[1].Best)
	assert.Equal(t, 0.1, epochs[1].ValMIoU)

	best, ok, err := store.BestEpoch(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, best.Epoch)

	require.NoError(t, store.RecordQuantized(ctx, "r1", Quantized{Engine: "fbgemm", CalibrationBatches: 4, ValLoss: 1.2, ValMIoU: 0.19}))
}

func TestDuplicateRunRejected(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	run := Run{ID: "dup", WeightsName: "exp", Config: "{}", StartedAt: time.Now()}
	require.NoError(t, store.StartRun(ctx, run))
	require.Error(t, store.StartRun(ctx, run))
}
