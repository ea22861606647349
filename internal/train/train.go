// Package train drives the optimization and evaluation loops: it feeds
// batches into compiled graphs, steps the solver, tracks per-epoch metrics
// and records them to the structured log, the epoch log file and the run
// history.
package train

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"dogsvscats/internal/dataset"
	"dogsvscats/internal/models"
	"dogsvscats/internal/runs"
)

// Batch is one model-ready input batch: images (n, 3, h, w) for the CNN or
// feature rows (n, f) for the classifier head.
type Batch struct {
	Inputs *tensor.Dense
	Labels []float64
	Size   int
}

// Iter yields the batches of one pass over a split.
type Iter interface {
	Next() (Batch, bool)
	Err() error
}

// Source opens a fresh pass over a split; Fit opens one per epoch so that
// shuffling and augmentation differ between epochs.
type Source func(ctx context.Context) (Iter, error)

// Builder compiles a model graph at a batch size. Evaluation passes compile
// one graph per batch size they encounter, so a partial final batch gets its
// own (weight-sharing) graph.
type Builder func(batchSize int, training bool) (*models.Graph, error)

// Metrics aggregates a full pass.
type Metrics struct {
	Loss     float64
	Accuracy float64
	Samples  int
}

// FitOptions controls one call to Fit.
type FitOptions struct {
	Epochs       int
	InitialEpoch int // epochs are numbered InitialEpoch+1 .. InitialEpoch+Epochs
	BatchSize    int
	LearnRate    float64
}

// Trainer wires a model to its data and reporting sinks. Val, History and
// EpochLog are optional.
type Trainer struct {
	Logger  *zap.Logger
	Build   Builder
	Train   Source
	Val     Source
	History *runs.Store
	// EpochLog receives one JSON object per epoch.
	EpochLog io.Writer
}

type epochRecord struct {
	Epoch     int      `json:"epoch"`
	TrainLoss float64  `json:"train_loss"`
	TrainAcc  float64  `json:"train_acc"`
	ValLoss   *float64 `json:"val_loss,omitempty"`
	ValAcc    *float64 `json:"val_acc,omitempty"`
	Seconds   float64  `json:"seconds"`
}

// Fit runs the optimization loop: for each epoch one full pass over the
// training source with an RMSProp step per batch, then a validation pass.
func (t *Trainer) Fit(ctx context.Context, runID string, opts FitOptions) error {
	gr, err := t.Build(opts.BatchSize, true)
	if err != nil {
		return err
	}

	solver := gorgonia.NewRMSPropSolver(gorgonia.WithLearnRate(opts.LearnRate))
	vm := gorgonia.NewTapeMachine(gr.G, gorgonia.BindDualValues(gr.Learnables...))
	defer vm.Close()

	eval := newEvaluator(t.Build)
	defer eval.Close()

	var enc *json.Encoder
	if t.EpochLog != nil {
		enc = json.NewEncoder(t.EpochLog)
	}

	for i := 1; i <= opts.Epochs; i++ {
		epoch := opts.InitialEpoch + i
		start := time.Now()

		trainM, err := t.trainEpoch(ctx, gr, vm, solver, opts.BatchSize)
		if err != nil {
			return errors.Wrapf(err, "train: epoch %d", epoch)
		}

		rec := epochRecord{
			Epoch:     epoch,
			TrainLoss: trainM.Loss,
			TrainAcc:  trainM.Accuracy,
			Seconds:   time.Since(start).Seconds(),
		}
		fields := []zap.Field{
			zap.Int("epoch", epoch),
			zap.Float64("loss", trainM.Loss),
			zap.Float64("accuracy", trainM.Accuracy),
		}

		if t.Val != nil {
			valM, err := eval.pass(ctx, t.Val)
			if err != nil {
				return errors.Wrapf(err, "train: validating epoch %d", epoch)
			}
			rec.ValLoss, rec.ValAcc = &valM.Loss, &valM.Accuracy
			fields = append(fields,
				zap.Float64("val_loss", valM.Loss),
				zap.Float64("val_accuracy", valM.Accuracy))
		}
		rec.Seconds = time.Since(start).Seconds()
		fields = append(fields, zap.Duration("took", time.Since(start)))

		t.Logger.Info("epoch complete", fields...)
		if enc != nil {
			if err := enc.Encode(rec); err != nil {
				return errors.Wrap(err, "train: writing epoch log")
			}
		}
		if t.History != nil {
			err := t.History.RecordEpoch(ctx, runID, runs.Epoch{
				Epoch:     epoch,
				TrainLoss: rec.TrainLoss,
				TrainAcc:  rec.TrainAcc,
				ValLoss:   rec.ValLoss,
				ValAcc:    rec.ValAcc,
				Duration:  time.Since(start),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, gr *models.Graph, vm gorgonia.VM, solver gorgonia.Solver, batchSize int) (Metrics, error) {
	it, err := t.Train(ctx)
	if err != nil {
		return Metrics{}, err
	}

	var m Metrics
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		if b.Size != batchSize {
			it.Err()
			return Metrics{}, errors.Errorf("train: got a batch of %d, graph takes %d (drop the remainder when training)", b.Size, batchSize)
		}

		if err := step(gr, vm, b); err != nil {
			it.Err()
			return Metrics{}, err
		}
		accumulate(&m, gr, b)

		if err := solver.Step(gorgonia.NodesToValueGrads(gr.Learnables)); err != nil {
			it.Err()
			return Metrics{}, errors.Wrap(err, "train: solver step")
		}
		vm.Reset()
	}
	if err := it.Err(); err != nil {
		return Metrics{}, err
	}
	if m.Samples == 0 {
		return Metrics{}, errors.New("train: empty training pass")
	}
	finalize(&m)
	return m, nil
}

// Evaluate runs a single pass and aggregates loss and accuracy, weighting
// each batch by its size so a partial final batch counts correctly.
func Evaluate(ctx context.Context, build Builder, src Source) (Metrics, error) {
	eval := newEvaluator(build)
	defer eval.Close()
	return eval.pass(ctx, src)
}

// evaluator caches one inference graph and machine per batch size seen.
type evaluator struct {
	build  Builder
	graphs map[int]*models.Graph
	vms    map[int]gorgonia.VM
}

func newEvaluator(build Builder) *evaluator {
	return &evaluator{
		build:  build,
		graphs: map[int]*models.Graph{},
		vms:    map[int]gorgonia.VM{},
	}
}

func (e *evaluator) graph(size int) (*models.Graph, gorgonia.VM, error) {
	if gr, ok := e.graphs[size]; ok {
		return gr, e.vms[size], nil
	}
	gr, err := e.build(size, false)
	if err != nil {
		return nil, nil, err
	}
	vm := gorgonia.NewTapeMachine(gr.G)
	e.graphs[size] = gr
	e.vms[size] = vm
	return gr, vm, nil
}

func (e *evaluator) pass(ctx context.Context, src Source) (Metrics, error) {
	it, err := src(ctx)
	if err != nil {
		return Metrics{}, err
	}

	var m Metrics
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		gr, vm, err := e.graph(b.Size)
		if err != nil {
			it.Err()
			return Metrics{}, err
		}
		if err := step(gr, vm, b); err != nil {
			it.Err()
			return Metrics{}, err
		}
		accumulate(&m, gr, b)
		vm.Reset()
	}
	if err := it.Err(); err != nil {
		return Metrics{}, err
	}
	if m.Samples == 0 {
		return Metrics{}, errors.New("train: empty evaluation pass")
	}
	finalize(&m)
	return m, nil
}

func (e *evaluator) Close() {
	for _, vm := range e.vms {
		vm.Close()
	}
}

func step(gr *models.Graph, vm gorgonia.VM, b Batch) error {
	if err := gorgonia.Let(gr.X, b.Inputs); err != nil {
		return errors.Wrap(err, "train: binding inputs")
	}
	labels := tensor.New(tensor.WithShape(b.Size, 1), tensor.WithBacking(b.Labels))
	if err := gorgonia.Let(gr.Y, labels); err != nil {
		return errors.Wrap(err, "train: binding labels")
	}
	if err := vm.RunAll(); err != nil {
		return errors.Wrap(err, "train: running graph")
	}
	return nil
}

func accumulate(m *Metrics, gr *models.Graph, b Batch) {
	n := float64(b.Size)
	m.Loss += gr.Cost() * n
	m.Accuracy += models.Accuracy(gr.Predictions(), b.Labels) * n
	m.Samples += b.Size
}

func finalize(m *Metrics) {
	n := float64(m.Samples)
	m.Loss /= n
	m.Accuracy /= n
}

// FromShards adapts the TFRecord pipeline into a Source.
func FromShards(opts dataset.Options) Source {
	return func(ctx context.Context) (Iter, error) {
		it, err := dataset.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return shardIter{it}, nil
	}
}

type shardIter struct {
	it *dataset.Iterator
}

func (s shardIter) Next() (Batch, bool) {
	b, ok := s.it.Next()
	if !ok {
		return Batch{}, false
	}
	return Batch{Inputs: b.Images, Labels: b.Labels, Size: b.Size}, true
}

func (s shardIter) Err() error { return s.it.Err() }

// FeatureExtractor maps a batch of images to feature rows. The ONNX backbone
// satisfies it.
type FeatureExtractor interface {
	Extract(images []float64, n int) ([]float64, error)
	FeatureSize() int
}

// Featurized pipes every batch of a Source through the frozen backbone, so
// the classifier head sees feature rows instead of images.
func Featurized(src Source, ex FeatureExtractor) Source {
	return func(ctx context.Context) (Iter, error) {
		it, err := src(ctx)
		if err != nil {
			return nil, err
		}
		return &featureIter{it: it, ex: ex}, nil
	}
}

type featureIter struct {
	it  Iter
	ex  FeatureExtractor
	err error
}

func (f *featureIter) Next() (Batch, bool) {
	if f.err != nil {
		return Batch{}, false
	}
	b, ok := f.it.Next()
	if !ok {
		return Batch{}, false
	}

	feats, err := f.ex.Extract(b.Inputs.Data().([]float64), b.Size)
	if err != nil {
		f.err = err
		return Batch{}, false
	}
	inputs := tensor.New(tensor.WithShape(b.Size, f.ex.FeatureSize()), tensor.WithBacking(feats))
	return Batch{Inputs: inputs, Labels: b.Labels, Size: b.Size}, true
}

func (f *featureIter) Err() error {
	if err := f.it.Err(); err != nil {
		return err
	}
	return f.err
}
