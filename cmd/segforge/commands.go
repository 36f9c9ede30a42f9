package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"segforge/internal/checkpoint"
	"segforge/internal/config"
	"segforge/internal/device"
	"segforge/internal/loss"
	"segforge/internal/quant"
	"segforge/internal/trainer"
)

var ckptPath string

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train, validate and checkpoint every epoch, then quantize",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		sess, err := trainer.NewSession(cfg, log)
		if err != nil {
			return err
		}
		defer sess.Close()

		log.Infow("starting run",
			"run", sess.Deps.Checkpoints.RunID(),
			"device", sess.Device.Name,
			"cpu", sess.Device.Brand,
			"threads", sess.Device.Threads,
			"engine", sess.RunConfig.Quantize.Engine,
			"train_batches", sess.Deps.Train.Len(),
			"val_batches", sess.Deps.Val.Len(),
			"weights_dir", cfg.WeightsDir,
		)

		ctx, stop := signalContext()
		defer stop()

		res, err := trainer.Run(ctx, sess.RunConfig, sess.Deps)
		if err != nil {
			log.Errorw("training failed", "error", err)
			return err
		}
		log.Infow("run complete", "run", res.RunID, "best_miou", res.BestMIoU)
		return nil
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a checkpoint on the validation set",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		dev := device.Detect(cfg.Threads)
		path := ckptPath
		if path == "" {
			path = checkpoint.NewManager(cfg.WeightsDir, cfg.WeightsName, cfg.SaveLast, "").Path(checkpoint.TagBest)
		}
		net, snap, err := trainer.LoadModel(path, dev)
		if err != nil {
			return err
		}
		val, err := trainer.NewValLoader(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		opts := net.Options()
		rep, err := trainer.Evaluate(ctx, net, loss.NewUNetFormerLoss(int32(cfg.IgnoreIndex)), trainer.FromLoader(val), trainer.EvalConfig{
			NumClasses:  opts.NumClasses,
			IgnoreIndex: int32(cfg.IgnoreIndex),
			UseAux:      opts.Aux,
			AuxWeight:   cfg.AuxWeight,
		})
		if err != nil {
			return err
		}
		log.Infow("evaluation complete",
			"checkpoint", path,
			"stage", snap.State.Stage,
			"engine", snap.State.Engine,
			"epoch", snap.Epoch+1,
			"val_loss", rep.Loss,
			"val_miou", rep.MIoU,
			"class_iou", formatClassIoU(rep.ClassIoU),
		)
		return nil
	},
}

var quantizeCmd = &cobra.Command{
	Use:   "quantize",
	Short: "Calibrate and convert a float checkpoint to int8",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		dev := device.Detect(cfg.Threads)
		mgr := checkpoint.NewManager(cfg.WeightsDir, cfg.WeightsName, cfg.SaveLast, "")
		path := ckptPath
		if path == "" {
			path = mgr.Path(checkpoint.TagBest)
		}
		net, snap, err := trainer.LoadModel(path, dev)
		if err != nil {
			return err
		}
		if snap.State.Stage != quant.StageFloat {
			return fmt.Errorf("%s is already %s", path, snap.State.Stage)
		}
		train, err := trainer.NewTrainLoader(cfg)
		if err != nil {
			return err
		}
		val, err := trainer.NewValLoader(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		opts := net.Options()
		qr, err := trainer.Quantize(ctx, trainer.RunConfig{
			MaxEpoch:    snap.Epoch + 1,
			NumClasses:  opts.NumClasses,
			IgnoreIndex: int32(cfg.IgnoreIndex),
			UseAux:      opts.Aux,
			AuxWeight:   cfg.AuxWeight,
			Quantize: trainer.QuantizeConfig{
				Enabled: true,
				Engine:  dev.ResolveEngine(cfg.Quantize.Engine),
			},
		}, trainer.Deps{
			Model:       net,
			Criterion:   loss.NewUNetFormerLoss(int32(cfg.IgnoreIndex)),
			Train:       trainer.FromLoader(train),
			Val:         trainer.FromLoader(val),
			Checkpoints: mgr,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		log.Infow("quantization complete", "source", path, "output", qr.Path, "float_miou", snap.MIoU, "int8_miou", qr.ValMIoU)
		return nil
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Show the detected device and quantization engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		dev := device.Detect(cfg.Threads)
		log.Infow("device",
			"name", dev.Name,
			"cpu", dev.Brand,
			"threads", dev.Threads,
			"detected_engine", dev.Engine,
			"engine", dev.ResolveEngine(cfg.Quantize.Engine),
			"features", strings.Join(dev.Features, ","),
		)
		return nil
	},
}

func formatClassIoU(iou []float64) string {
	parts := make([]string, len(iou))
	for i, v := range iou {
		name := fmt.Sprint(i)
		if i < len(config.LoveDAClasses) {
			name = config.LoveDAClasses[i]
		}
		parts[i] = fmt.Sprintf("%s=%.4f", name, v)
	}
	return strings.Join(parts, " ")
}
