// dvc trains and evaluates dogs-vs-cats classifiers on the TFRecord shards
// of the 25k image set: a small CNN trained from scratch, or a classifier
// head on top of a frozen pretrained backbone.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dogsvscats/internal/config"
	"dogsvscats/internal/dataset"
	"dogsvscats/internal/runs"
	"dogsvscats/internal/train"
)

type app struct {
	cfg     config.Config
	logger  *zap.Logger
	history *runs.Store
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath string

	root := &cobra.Command{
		Use:           "dvc",
		Short:         "Train and evaluate dogs-vs-cats image classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			history, err := runs.Open(cfg.RunsDB)
			if err != nil {
				logger.Sync()
				return err
			}

			a.cfg, a.logger, a.history = cfg, logger, history
			logger.Info("configured",
				zap.String("data_dir", cfg.DataDir),
				zap.Int("batch_size", cfg.BatchSize))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.history != nil {
				a.history.Close()
			}
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	root.AddCommand(newTrainSimpleCmd(a))
	root.AddCommand(newTrainPretrainedCmd(a))
	root.AddCommand(newEvaluateCmd(a))
	return root
}

// trainSource is the augmented, shuffled training pass. The remainder is
// dropped so every step sees a full batch.
func (a *app) trainSource() train.Source {
	return train.FromShards(dataset.Options{
		Paths:         a.cfg.ShardPaths(config.Train),
		Augment:       true,
		Shuffle:       true,
		ShuffleBuffer: a.cfg.ShuffleBuffer,
		BatchSize:     a.cfg.BatchSize,
		DropRemainder: true,
		Parallelism:   a.cfg.Parallelism,
		Prefetch:      a.cfg.Prefetch,
		Seed:          a.cfg.Seed,
	})
}

// evalSource is a deterministic pass over a split, keeping the partial final
// batch.
func (a *app) evalSource(split config.Split) train.Source {
	return train.FromShards(dataset.Options{
		Paths:       a.cfg.ShardPaths(split),
		BatchSize:   a.cfg.BatchSize,
		Parallelism: a.cfg.Parallelism,
		Prefetch:    a.cfg.Prefetch,
	})
}

// openEpochLog creates logs/<model>-<timestamp>/epochs.jsonl.
func (a *app) openEpochLog(model string) (*os.File, error) {
	dir := filepath.Join(a.cfg.LogDir, fmt.Sprintf("%s-%s", model, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	a.logger.Info("epoch log", zap.String("dir", dir))
	return os.Create(filepath.Join(dir, "epochs.jsonl"))
}

func (a *app) modelDir(model string) string {
	return filepath.Join(a.cfg.ModelDir, model)
}
