package dataset

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dogsvscats/internal/preprocess"
	"dogsvscats/internal/tfexample"
	"dogsvscats/internal/tfrecord"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(4 * x), G: uint8(5 * y), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// writeShard writes one shard with an example per label. Labels are stored
// 1-based, as in the real shards.
func writeShard(t *testing.T, path string, encoded []byte, labels []int64) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := tfrecord.NewWriter(f)
	for _, label := range labels {
		ex := tfexample.Example{
			"image/encoded":     {Bytes: [][]byte{encoded}},
			"image/format":      {Bytes: [][]byte{[]byte("JPEG")}},
			"image/class/label": {Ints: []int64{label}},
		}
		require.NoError(t, w.Write(ex.Marshal()))
	}
	require.NoError(t, w.Flush())
}

func collect(t *testing.T, it *Iterator) []Batch {
	t.Helper()
	var out []Batch
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, b)
	}
	require.NoError(t, it.Err())
	return out
}

func TestPartialFinalBatchKept(t *testing.T) {
	dir := t.TempDir()
	jpg := testJPEG(t)
	writeShard(t, filepath.Join(dir, "s0"), jpg, []int64{1, 2, 1, 2, 1, 2})
	writeShard(t, filepath.Join(dir, "s1"), jpg, []int64{1, 2, 1, 2})

	it, err := Open(context.Background(), Options{
		Paths:     []string{filepath.Join(dir, "s0"), filepath.Join(dir, "s1")},
		BatchSize: 4,
	})
	require.NoError(t, err)

	batches := collect(t, it)
	require.Len(t, batches, 3)
	assert.Equal(t, 4, batches[0].Size)
	assert.Equal(t, 4, batches[1].Size)
	assert.Equal(t, 2, batches[2].Size, "10 samples at batch 4 end with a partial batch of 2")
}

func TestDropRemainder(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, filepath.Join(dir, "s0"), testJPEG(t), []int64{1, 2, 1, 2, 1, 2, 1, 2, 1, 2})

	it, err := Open(context.Background(), Options{
		Paths:         []string{filepath.Join(dir, "s0")},
		BatchSize:     4,
		DropRemainder: true,
	})
	require.NoError(t, err)

	batches := collect(t, it)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, 4, b.Size)
	}
}

func TestBatchShapeAndLabelMapping(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, filepath.Join(dir, "s0"), testJPEG(t), []int64{1, 2, 2})

	it, err := Open(context.Background(), Options{
		Paths:       []string{filepath.Join(dir, "s0")},
		BatchSize:   3,
		Parallelism: 1, // keep record order
	})
	require.NoError(t, err)

	batches := collect(t, it)
	require.Len(t, batches, 1)

	b := batches[0]
	assert.Equal(t, []int{3, preprocess.Channels, preprocess.InputSize, preprocess.InputSize}, []int(b.Images.Shape()))
	assert.Equal(t, []float64{0, 1, 1}, b.Labels, "labels are 1-based on disk")

	for _, v := range b.Images.Data().([]float64) {
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}

func TestShuffleIsAPermutation(t *testing.T) {
	dir := t.TempDir()
	labels := []int64{1, 1, 1, 2, 2, 2, 2, 1, 2, 1}
	writeShard(t, filepath.Join(dir, "s0"), testJPEG(t), labels)

	it, err := Open(context.Background(), Options{
		Paths:         []string{filepath.Join(dir, "s0")},
		BatchSize:     10,
		Shuffle:       true,
		ShuffleBuffer: 4,
		Parallelism:   1,
		Seed:          42,
	})
	require.NoError(t, err)

	batches := collect(t, it)
	require.Len(t, batches, 1)

	got := append([]float64{}, batches[0].Labels...)
	sort.Float64s(got)
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}, got)
}

func TestMissingShardFails(t *testing.T) {
	it, err := Open(context.Background(), Options{
		Paths:     []string{filepath.Join(t.TempDir(), "absent")},
		BatchSize: 4,
	})
	require.NoError(t, err)

	for {
		if _, ok := it.Next(); !ok {
			break
		}
	}
	assert.Error(t, it.Err())
}

func TestMalformedRecordFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s0")

	f, err := os.Create(path)
	require.NoError(t, err)
	w := tfrecord.NewWriter(f)
	ex := tfexample.Example{"image/class/label": {Ints: []int64{1}}} // no image
	require.NoError(t, w.Write(ex.Marshal()))
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	it, err := Open(context.Background(), Options{Paths: []string{path}, BatchSize: 1})
	require.NoError(t, err)

	for {
		if _, ok := it.Next(); !ok {
			break
		}
	}
	assert.Error(t, it.Err())
}
