package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dogsvscats/internal/backbone"
	"dogsvscats/internal/config"
	"dogsvscats/internal/models"
	"dogsvscats/internal/preprocess"
	"dogsvscats/internal/train"
)

func newTrainPretrainedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "train-pretrained",
		Short: "Train a classifier head on a frozen pretrained backbone, then fine-tune it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.trainPretrained(cmd)
		},
	}
}

func (a *app) openBackbone() (*backbone.Extractor, error) {
	b := a.cfg.Backbone
	if b.ModelPath == "" || b.MetadataPath == "" {
		return nil, errors.New("no backbone configured (set backbone.model and backbone.metadata in the config file)")
	}
	ex, err := backbone.New(b.ModelPath, b.MetadataPath)
	if err != nil {
		return nil, err
	}
	if ex.ImageSize() != preprocess.InputSize {
		ex.Close()
		return nil, errors.Errorf("backbone %s expects %dx%d images, pipeline produces %dx%d",
			ex.Name(), ex.ImageSize(), ex.ImageSize(), preprocess.InputSize, preprocess.InputSize)
	}
	if ex.BatchSize() < a.cfg.BatchSize {
		ex.Close()
		return nil, errors.Errorf("backbone %s takes batches of %d, configured batch size is %d",
			ex.Name(), ex.BatchSize(), a.cfg.BatchSize)
	}
	a.logger.Info("backbone loaded",
		zap.String("name", ex.Name()),
		zap.Int("feature_size", ex.FeatureSize()))
	return ex, nil
}

func (a *app) trainPretrained(cmd *cobra.Command) error {
	ctx := cmd.Context()

	ex, err := a.openBackbone()
	if err != nil {
		return err
	}
	defer ex.Close()

	w := models.NewWeights()
	build := func(batchSize int, training bool) (*models.Graph, error) {
		return models.Head(w, batchSize, ex.FeatureSize(), training)
	}
	trainer := &train.Trainer{
		Logger:  a.logger,
		Build:   build,
		Train:   train.Featurized(a.trainSource(), ex),
		Val:     train.Featurized(a.evalSource(config.Validation), ex),
		History: a.history,
	}

	// Phase 1: train the fresh head with the backbone frozen.
	err = a.runPhase(ctx, trainer, ex, w, "reuse", train.FitOptions{
		Epochs:    a.cfg.ReuseEpochs,
		BatchSize: a.cfg.BatchSize,
		LearnRate: a.cfg.LearningRate,
	})
	if err != nil {
		return err
	}

	// Phase 2: continue at a much lower learning rate.
	return a.runPhase(ctx, trainer, ex, w, "finetune", train.FitOptions{
		Epochs:       a.cfg.FinetuneEpochs,
		InitialEpoch: a.cfg.ReuseEpochs,
		BatchSize:    a.cfg.BatchSize,
		LearnRate:    a.cfg.FinetuneRate,
	})
}

// runPhase runs one training phase and saves its model artifact.
func (a *app) runPhase(ctx context.Context, trainer *train.Trainer, ex *backbone.Extractor, w *models.Weights, phase string, opts train.FitOptions) error {
	model := fmt.Sprintf("dvc_tfr-%s-%s", ex.Name(), phase)

	run, err := a.history.Begin(ctx, model, "train")
	if err != nil {
		return err
	}
	epochLog, err := a.openEpochLog(model)
	if err != nil {
		return err
	}
	defer epochLog.Close()
	trainer.EpochLog = epochLog

	a.logger.Info("training",
		zap.String("model", model),
		zap.String("run", run.ID),
		zap.Int("epochs", opts.Epochs),
		zap.Float64("learn_rate", opts.LearnRate))

	if err := trainer.Fit(ctx, run.ID, opts); err != nil {
		return err
	}

	dir := a.modelDir(model)
	m := models.Manifest{
		Kind:        models.KindHead,
		Backbone:    ex.Name(),
		InputSize:   preprocess.InputSize,
		FeatureSize: ex.FeatureSize(),
		Phase:       phase,
		Epochs:      opts.InitialEpoch + opts.Epochs,
		RunID:       run.ID,
	}
	if err := models.Save(dir, m, w); err != nil {
		return err
	}
	a.logger.Info("model saved", zap.String("dir", dir))

	return a.history.Finish(ctx, run.ID, nil, nil)
}
