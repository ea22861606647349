// Package dataset streams training and evaluation batches out of TFRecord
// shards: records are parsed and decoded by a worker pool, optionally
// shuffled through a fixed-size buffer, collected into fixed-shape batches
// and prefetched. Concurrency here is plumbing only; all gradient work lives
// in the framework.
package dataset

import (
	"context"
	"io"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"dogsvscats/internal/preprocess"
	"dogsvscats/internal/tfexample"
	"dogsvscats/internal/tfrecord"
)

// Sample is one decoded, preprocessed image with its binary label
// (0 = cat, 1 = dog; shards store 1-based labels).
type Sample struct {
	Image []float64
	Label float64
}

// Batch is a model-ready batch: NCHW images and a label column.
type Batch struct {
	Images *tensor.Dense // (Size, 3, 160, 160)
	Labels []float64     // len Size
	Size   int
}

// Options configures one pass over a set of shards.
type Options struct {
	Paths         []string
	Augment       bool // random crop + flip (training only)
	Shuffle       bool
	ShuffleBuffer int
	BatchSize     int
	DropRemainder bool
	Parallelism   int
	Prefetch      int
	Seed          int64
}

// Iterator yields the batches of a single pass. A new Iterator is opened for
// every epoch, re-reading the shards like the original record dataset.
type Iterator struct {
	batches <-chan Batch
	g       *errgroup.Group
	cancel  context.CancelFunc
}

// Open starts the pipeline. The caller must drain Next until it reports false
// (or cancel ctx) and then check Err.
func Open(ctx context.Context, opts Options) (*Iterator, error) {
	if opts.BatchSize < 1 {
		return nil, errors.Errorf("dataset: batch size must be >= 1 (%d)", opts.BatchSize)
	}
	if len(opts.Paths) == 0 {
		return nil, errors.New("dataset: no shard paths")
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.Shuffle && opts.ShuffleBuffer < 1 {
		opts.ShuffleBuffer = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	records := make(chan []byte, opts.Parallelism)
	samples := make(chan Sample, opts.Parallelism)
	batches := make(chan Batch, opts.Prefetch)

	// Stage 1: read the shards in order.
	g.Go(func() error {
		defer close(records)
		for _, path := range opts.Paths {
			if err := readShard(ctx, path, records); err != nil {
				return err
			}
		}
		return nil
	})

	// Stage 2: parse, decode and preprocess in parallel.
	decoders, dctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Parallelism; i++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		decoders.Go(func() error {
			return decode(dctx, records, samples, opts.Augment, rng)
		})
	}
	g.Go(func() error {
		defer close(samples)
		return decoders.Wait()
	})

	// Stage 3: shuffle and batch.
	g.Go(func() error {
		defer close(batches)
		in := samples
		if opts.Shuffle {
			shuffled := make(chan Sample, opts.Parallelism)
			go shuffle(ctx, samples, shuffled, opts.ShuffleBuffer, rand.New(rand.NewSource(opts.Seed)))
			in = shuffled
		}
		return batch(ctx, in, batches, opts.BatchSize, opts.DropRemainder)
	})

	return &Iterator{batches: batches, g: g, cancel: cancel}, nil
}

// Next returns the next batch; ok is false once the pass is complete or an
// error stopped the pipeline.
func (it *Iterator) Next() (b Batch, ok bool) {
	b, ok = <-it.batches
	return b, ok
}

// Err blocks until the pipeline has wound down and reports its first error.
func (it *Iterator) Err() error {
	defer it.cancel()
	for range it.batches {
		// drain so the stages can exit
	}
	return it.g.Wait()
}

func readShard(ctx context.Context, path string, out chan<- []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "dataset: opening shard %s", path)
	}
	defer f.Close()

	r := tfrecord.NewReader(f)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "dataset: shard %s", path)
		}

		payload := append([]byte{}, rec...)
		select {
		case out <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decode(ctx context.Context, in <-chan []byte, out chan<- Sample, augment bool, rng *rand.Rand) error {
	for {
		var raw []byte
		var ok bool
		select {
		case raw, ok = <-in:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		ex, err := tfexample.Parse(raw)
		if err != nil {
			return err
		}

		encoded := ex.BytesValue("image/encoded")
		if len(encoded) == 0 {
			return errors.Errorf("dataset: record %q has no encoded image", ex.StringValue("image/filename"))
		}
		img, err := preprocess.Decode(encoded)
		if err != nil {
			return errors.Wrapf(err, "dataset: record %q", ex.StringValue("image/filename"))
		}

		var data []float64
		if augment {
			data = preprocess.Train(img, rng)
		} else {
			data = preprocess.Eval(img)
		}

		s := Sample{
			Image: data,
			Label: float64(ex.Int64Value("image/class/label") - 1),
		}
		select {
		case out <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// shuffle mirrors the record dataset's buffered shuffle: keep up to size
// samples, emit a random one for every new arrival, then flush the remainder
// in random order.
func shuffle(ctx context.Context, in <-chan Sample, out chan<- Sample, size int, rng *rand.Rand) {
	defer close(out)

	buf := make([]Sample, 0, size)
	for s := range in {
		if len(buf) < size {
			buf = append(buf, s)
			continue
		}
		i := rng.Intn(len(buf))
		emit := buf[i]
		buf[i] = s
		select {
		case out <- emit:
		case <-ctx.Done():
			return
		}
	}

	rng.Shuffle(len(buf), func(i, j int) { buf[i], buf[j] = buf[j], buf[i] })
	for _, s := range buf {
		select {
		case out <- s:
		case <-ctx.Done():
			return
		}
	}
}

func batch(ctx context.Context, in <-chan Sample, out chan<- Batch, size int, dropRemainder bool) error {
	pending := make([]Sample, 0, size)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		b := makeBatch(pending)
		pending = pending[:0]
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for s := range in {
		pending = append(pending, s)
		if len(pending) == size {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if dropRemainder {
		return nil
	}
	return flush()
}

func makeBatch(samples []Sample) Batch {
	n := len(samples)
	per := preprocess.Channels * preprocess.InputSize * preprocess.InputSize

	backing := make([]float64, 0, n*per)
	labels := make([]float64, n)
	for i, s := range samples {
		backing = append(backing, s.Image...)
		labels[i] = s.Label
	}

	images := tensor.New(
		tensor.WithShape(n, preprocess.Channels, preprocess.InputSize, preprocess.InputSize),
		tensor.WithBacking(backing),
	)
	return Batch{Images: images, Labels: labels, Size: n}
}
