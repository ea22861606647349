package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dogsvscats/internal/config"
	"dogsvscats/internal/models"
	"dogsvscats/internal/preprocess"
	"dogsvscats/internal/train"
)

func newTrainSimpleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "train-simple",
		Short: "Train the small CNN from scratch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.trainSimple(cmd)
		},
	}
}

func (a *app) trainSimple(cmd *cobra.Command) error {
	const model = "dvc_tfr-cnn-simple"
	ctx := cmd.Context()

	w := models.NewWeights()
	build := func(batchSize int, training bool) (*models.Graph, error) {
		return models.SimpleCNN(w, batchSize, preprocess.InputSize, training)
	}

	run, err := a.history.Begin(ctx, model, "train")
	if err != nil {
		return err
	}
	epochLog, err := a.openEpochLog(model)
	if err != nil {
		return err
	}
	defer epochLog.Close()

	a.logger.Info("training",
		zap.String("model", model),
		zap.String("run", run.ID),
		zap.Int("epochs", a.cfg.SimpleEpochs))

	trainer := &train.Trainer{
		Logger:   a.logger,
		Build:    build,
		Train:    a.trainSource(),
		Val:      a.evalSource(config.Validation),
		History:  a.history,
		EpochLog: epochLog,
	}
	err = trainer.Fit(ctx, run.ID, train.FitOptions{
		Epochs:    a.cfg.SimpleEpochs,
		BatchSize: a.cfg.BatchSize,
		LearnRate: a.cfg.LearningRate,
	})
	if err != nil {
		return err
	}

	dir := a.modelDir(model)
	m := models.Manifest{
		Kind:      models.KindSimple,
		InputSize: preprocess.InputSize,
		Epochs:    a.cfg.SimpleEpochs,
		RunID:     run.ID,
	}
	if err := models.Save(dir, m, w); err != nil {
		return err
	}
	a.logger.Info("model saved", zap.String("dir", dir))

	return a.history.Finish(ctx, run.ID, nil, nil)
}
