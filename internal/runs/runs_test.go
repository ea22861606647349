package runs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r, err := s.Begin(ctx, "dvc_tfr-cnn-simple", "train")
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	val := 0.4
	for i := 1; i <= 3; i++ {
		err := s.RecordEpoch(ctx, r.ID, Epoch{
			Epoch:     i,
			TrainLoss: 0.7 - 0.1*float64(i),
			TrainAcc:  0.5 + 0.1*float64(i),
			ValLoss:   &val,
			ValAcc:    &val,
			Duration:  2 * time.Second,
		})
		require.NoError(t, err)
	}

	n, err := s.EpochCount(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	loss, acc := 0.35, 0.82
	require.NoError(t, s.Finish(ctx, r.ID, &loss, &acc))
}

func TestFinishWithoutMetrics(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r, err := s.Begin(ctx, "dvc_tfr-mobilenet-reuse", "evaluate")
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, r.ID, nil, nil))

	n, err := s.EpochCount(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDuplicateEpochRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r, err := s.Begin(ctx, "dvc_tfr-cnn-simple", "train")
	require.NoError(t, err)

	e := Epoch{Epoch: 1, TrainLoss: 0.6, TrainAcc: 0.6, Duration: time.Second}
	require.NoError(t, s.RecordEpoch(ctx, r.ID, e))
	assert.Error(t, s.RecordEpoch(ctx, r.ID, e))
}
