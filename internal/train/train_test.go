package train

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"dogsvscats/internal/models"
)

// sliceSource replays fixed batches, copying inputs so solver updates cannot
// leak between epochs.
func sliceSource(batches []Batch) Source {
	return func(context.Context) (Iter, error) {
		return &sliceIter{batches: batches}, nil
	}
}

type sliceIter struct {
	batches []Batch
	next    int
}

func (s *sliceIter) Next() (Batch, bool) {
	if s.next >= len(s.batches) {
		return Batch{}, false
	}
	b := s.batches[s.next]
	s.next++

	data := append([]float64{}, b.Inputs.Data().([]float64)...)
	clone := tensor.New(tensor.WithShape(b.Inputs.Shape()...), tensor.WithBacking(data))
	return Batch{Inputs: clone, Labels: b.Labels, Size: b.Size}, true
}

func (s *sliceIter) Err() error { return nil }

// separable builds batches where the label is decided by which feature is
// larger, an easy problem the head must make progress on.
func separable(rng *rand.Rand, batches, size, features int) []Batch {
	out := make([]Batch, 0, batches)
	for b := 0; b < batches; b++ {
		backing := make([]float64, size*features)
		labels := make([]float64, size)
		for i := 0; i < size; i++ {
			a, z := rng.Float64(), rng.Float64()
			backing[i*features] = a
			backing[i*features+1] = z
			if a > z {
				labels[i] = 1
			}
		}
		out = append(out, Batch{
			Inputs: tensor.New(tensor.WithShape(size, features), tensor.WithBacking(backing)),
			Labels: labels,
			Size:   size,
		})
	}
	return out
}

func headBuilder(w *models.Weights, features int) Builder {
	return func(batchSize int, training bool) (*models.Graph, error) {
		return models.Head(w, batchSize, features, training)
	}
}

func decodeEpochLog(t *testing.T, buf *bytes.Buffer) []epochRecord {
	t.Helper()
	var recs []epochRecord
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var r epochRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	return recs
}

func TestFitReducesLoss(t *testing.T) {
	const features, batchSize = 2, 8

	rng := rand.New(rand.NewSource(7))
	data := separable(rng, 5, batchSize, features)

	w := models.NewWeights()
	var epochLog bytes.Buffer
	tr := &Trainer{
		Logger:   zap.NewNop(),
		Build:    headBuilder(w, features),
		Train:    sliceSource(data),
		EpochLog: &epochLog,
	}

	err := tr.Fit(context.Background(), "", FitOptions{
		Epochs:    15,
		BatchSize: batchSize,
		LearnRate: 0.01,
	})
	require.NoError(t, err)

	recs := decodeEpochLog(t, &epochLog)
	require.Len(t, recs, 15)
	assert.Equal(t, 1, recs[0].Epoch)
	assert.Equal(t, 15, recs[14].Epoch)
	assert.Less(t, recs[14].TrainLoss, recs[0].TrainLoss, "loss should fall on separable data")
}

func TestFitValidationAndNumbering(t *testing.T) {
	const features, batchSize = 2, 4

	rng := rand.New(rand.NewSource(11))
	data := separable(rng, 3, batchSize, features)

	w := models.NewWeights()
	var epochLog bytes.Buffer
	tr := &Trainer{
		Logger:   zap.NewNop(),
		Build:    headBuilder(w, features),
		Train:    sliceSource(data),
		Val:      sliceSource(separable(rng, 2, 3, features)), // odd batch size on purpose
		EpochLog: &epochLog,
	}

	err := tr.Fit(context.Background(), "", FitOptions{
		Epochs:       2,
		InitialEpoch: 10,
		BatchSize:    batchSize,
		LearnRate:    0.01,
	})
	require.NoError(t, err)

	recs := decodeEpochLog(t, &epochLog)
	require.Len(t, recs, 2)
	assert.Equal(t, 11, recs[0].Epoch)
	assert.Equal(t, 12, recs[1].Epoch)
	require.NotNil(t, recs[0].ValLoss)
	require.NotNil(t, recs[0].ValAcc)
}

func TestFitRejectsPartialBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := append(separable(rng, 2, 4, 2), separable(rng, 1, 3, 2)...)

	w := models.NewWeights()
	tr := &Trainer{
		Logger: zap.NewNop(),
		Build:  headBuilder(w, 2),
		Train:  sliceSource(data),
	}

	err := tr.Fit(context.Background(), "", FitOptions{Epochs: 1, BatchSize: 4, LearnRate: 0.01})
	assert.Error(t, err)
}

func TestEvaluateWeightsPartialBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := append(separable(rng, 2, 4, 2), separable(rng, 1, 2, 2)...)

	w := models.NewWeights()
	m, err := Evaluate(context.Background(), headBuilder(w, 2), sliceSource(data))
	require.NoError(t, err)

	assert.Equal(t, 10, m.Samples, "4 + 4 + 2 samples")
	assert.False(t, m.Loss < 0)
	assert.GreaterOrEqual(t, m.Accuracy, 0.0)
	assert.LessOrEqual(t, m.Accuracy, 1.0)
}

func TestEvaluateEmptySource(t *testing.T) {
	w := models.NewWeights()
	_, err := Evaluate(context.Background(), headBuilder(w, 2), sliceSource(nil))
	assert.Error(t, err)
}

type doublingExtractor struct{ features int }

func (d doublingExtractor) Extract(images []float64, n int) ([]float64, error) {
	out := make([]float64, n*d.features)
	for i := 0; i < n; i++ {
		for j := 0; j < d.features; j++ {
			out[i*d.features+j] = 2 * images[i*2] // first input value, doubled
		}
	}
	return out, nil
}

func (d doublingExtractor) FeatureSize() int { return d.features }

func TestFeaturizedReshapesBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	src := Featurized(sliceSource(separable(rng, 2, 4, 2)), doublingExtractor{features: 5})

	it, err := src(context.Background())
	require.NoError(t, err)

	var n int
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		n++
		assert.Equal(t, []int{4, 5}, []int(b.Inputs.Shape()))
		assert.Len(t, b.Labels, 4)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 2, n)
}
