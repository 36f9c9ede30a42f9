package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"segforge/internal/config"
)

// CLI flags shared by every subcommand.
var (
	cfgPath   string
	logFormat string
	logLevel  string
	overrides config.Overrides
)

var rootCmd = &cobra.Command{
	Use:   "segforge",
	Short: "Train, evaluate and quantize a LoveDA segmentation network",
	Long: `segforge trains a UNetFormer-style network on LoveDA, keeps the best and
last checkpoints by validation mIoU, and converts the trained network to int8
with post-training quantization.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config (defaults to the built-in experiment)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log encoding: console or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Minimum log level")
	rootCmd.PersistentFlags().StringSliceVar(&overrides.TrainRoots, "train-root", nil, "Override training roots")
	rootCmd.PersistentFlags().StringSliceVar(&overrides.ValRoots, "val-root", nil, "Override validation roots")
	rootCmd.PersistentFlags().IntVar(&overrides.NumWorkers, "num-workers", 0, "Number of data loader workers")
	rootCmd.PersistentFlags().IntVar(&overrides.ValBatchSize, "val-batch-size", 0, "Validation batch size")
	rootCmd.PersistentFlags().IntVar(&overrides.Threads, "threads", 0, "Compute threads (0 = one per CPU)")
	rootCmd.PersistentFlags().StringVar(&overrides.WeightsDir, "weights-dir", "", "Override checkpoint directory")

	trainCmd.Flags().IntVar(&overrides.MaxEpoch, "max-epoch", 0, "Number of epochs")
	trainCmd.Flags().IntVar(&overrides.TrainBatchSize, "batch-size", 0, "Training batch size")
	trainCmd.Flags().Int64Var(&overrides.Seed, "seed", 0, "PRNG seed")
	trainCmd.Flags().IntVar(&overrides.LogEvery, "log-every", 0, "Log every N batches")
	trainCmd.Flags().StringVar(&overrides.PretrainedCkpt, "pretrained", "", "Float checkpoint to start from")
	trainCmd.Flags().StringVar(&overrides.HistoryDB, "history-db", "", "SQLite file recording run history")

	evalCmd.Flags().StringVar(&ckptPath, "checkpoint", "", "Checkpoint to evaluate (defaults to the best checkpoint)")
	quantizeCmd.Flags().StringVar(&ckptPath, "checkpoint", "", "Float checkpoint to quantize (defaults to the best checkpoint)")

	rootCmd.AddCommand(trainCmd, evalCmd, quantizeCmd, deviceCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration, applies flag overrides and builds the logger.
func setup() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(logFormat, logLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(format, level string) (*zap.SugaredLogger, error) {
	var zcfg zap.Config
	switch format {
	case "json":
		zcfg = zap.NewProductionConfig()
	case "console":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Development = false
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg.Level = lvl
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
