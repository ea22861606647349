package main

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dogsvscats/internal/config"
	"dogsvscats/internal/models"
	"dogsvscats/internal/train"
)

func newEvaluateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <model-dir>",
		Short: "Evaluate a saved model on the test split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.evaluate(cmd, args[0])
		},
	}
}

func (a *app) evaluate(cmd *cobra.Command, dir string) error {
	ctx := cmd.Context()

	manifest, w, err := models.Load(dir)
	if err != nil {
		return err
	}
	a.logger.Info("model loaded",
		zap.String("dir", dir),
		zap.String("kind", manifest.Kind),
		zap.Int("epochs", manifest.Epochs))

	src := a.evalSource(config.Test)
	var build train.Builder

	switch manifest.Kind {
	case models.KindSimple:
		build = func(batchSize int, training bool) (*models.Graph, error) {
			return models.SimpleCNN(w, batchSize, manifest.InputSize, training)
		}
	case models.KindHead:
		ex, err := a.openBackbone()
		if err != nil {
			return err
		}
		defer ex.Close()
		if ex.Name() != manifest.Backbone {
			return errors.Errorf("model was trained on backbone %q, configured backbone is %q",
				manifest.Backbone, ex.Name())
		}
		if ex.FeatureSize() != manifest.FeatureSize {
			return errors.Errorf("backbone produces %d features, model expects %d",
				ex.FeatureSize(), manifest.FeatureSize)
		}
		src = train.Featurized(src, ex)
		build = func(batchSize int, training bool) (*models.Graph, error) {
			return models.Head(w, batchSize, manifest.FeatureSize, training)
		}
	default:
		return errors.Errorf("unknown model kind %q in %s", manifest.Kind, dir)
	}

	run, err := a.history.Begin(ctx, filepath.Base(dir), "evaluate")
	if err != nil {
		return err
	}

	m, err := train.Evaluate(ctx, build, src)
	if err != nil {
		return err
	}

	a.logger.Info("evaluation complete",
		zap.Int("samples", m.Samples),
		zap.Float64("loss", m.Loss),
		zap.Float64("accuracy", m.Accuracy))
	fmt.Fprintf(cmd.OutOrStdout(), "Test set accuracy: %.2f%%\n", 100*m.Accuracy)

	return a.history.Finish(ctx, run.ID, &m.Loss, &m.Accuracy)
}
