package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"segforge/internal/checkpoint"
	"segforge/internal/history"
	"segforge/internal/loss"
	"segforge/internal/metrics"
	"segforge/internal/model"
	"segforge/internal/optim"
	"segforge/internal/quant"
	"segforge/internal/tensor"
)

// Model is the network surface the loop drives: training, calibration and
// snapshotting.
type Model interface {
	model.Network
	quant.Quantizable
	Prepare(cfg quant.QConfig) error
	StateDict() model.State
}

// Batches is one pass over a dataset.
type Batches interface {
	Next(ctx context.Context) (model.Batch, error)
	NextImages(ctx context.Context) (*tensor.Tensor, error)
	Close()
}

// BatchSource starts passes over a dataset.
type BatchSource interface {
	Len() int
	Epoch(ctx context.Context, epoch int) (Batches, error)
}

// Scheduler adjusts learning rates once per epoch.
type Scheduler interface {
	Step()
	LRs() []float64
}

// QuantizeConfig controls post-training quantization.
type QuantizeConfig struct {
	Enabled bool
	Engine  quant.Engine
}

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	MaxEpoch    int
	NumClasses  int
	IgnoreIndex int32
	UseAux      bool
	AuxWeight   float64
	LogEvery    int
	WeightsName string
	// ConfigText is stored with the run in the history database.
	ConfigText string
	Quantize   QuantizeConfig
}

// Deps are the collaborators of a run.
type Deps struct {
	Model       Model
	Criterion   loss.Criterion
	Optimizer   optim.Optimizer
	Scheduler   Scheduler
	Train       BatchSource
	Val         BatchSource
	Checkpoints *checkpoint.Manager
	History     *history.Store
	Logger      *zap.SugaredLogger
}

// EpochReport summarizes one epoch.
type EpochReport struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	ValMIoU   float64
	ClassIoU  []float64
	LR        []float64
	BestSaved bool
	LastSaved bool
}

// QuantReport summarizes post-training quantization.
type QuantReport struct {
	Engine             quant.Engine
	CalibrationBatches int
	ValLoss            float64
	ValMIoU            float64
	Path               string
}

// Result is everything a run produced.
type Result struct {
	RunID     string
	Epochs    []EpochReport
	BestMIoU  float64
	Quantized *QuantReport
}

// Run trains for MaxEpoch epochs, validating and checkpointing after each,
// then quantizes the trained network when enabled. Any error aborts the run.
func Run(ctx context.Context, cfg RunConfig, deps Deps) (Result, error) {
	if cfg.MaxEpoch <= 0 {
		return Result{}, errors.New("trainer: max epoch must be > 0")
	}
	if deps.Model == nil || deps.Criterion == nil || deps.Optimizer == nil || deps.Scheduler == nil {
		return Result{}, errors.New("trainer: model, criterion, optimizer and scheduler are required")
	}
	if deps.Train == nil || deps.Val == nil || deps.Checkpoints == nil {
		return Result{}, errors.New("trainer: train, val and checkpoints are required")
	}
	if deps.Train.Len() == 0 {
		return Result{}, errors.New("trainer: training loader yields no batches")
	}
	if deps.Val.Len() == 0 {
		return Result{}, errors.New("trainer: validation loader yields no batches")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	runID := deps.Checkpoints.RunID()
	log := deps.logger().With("run", runID)

	if deps.History != nil {
		err := deps.History.StartRun(ctx, history.Run{
			ID:          runID,
			WeightsName: cfg.WeightsName,
			Config:      cfg.ConfigText,
			StartedAt:   time.Now(),
		})
		if err != nil {
			return Result{}, err
		}
	}

	res := Result{RunID: runID}
	for epoch := 0; epoch < cfg.MaxEpoch; epoch++ {
		rep, err := runEpoch(ctx, cfg, deps, log, epoch)
		if err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		res.Epochs = append(res.Epochs, rep)
	}
	res.BestMIoU = deps.Checkpoints.Best()

	if !cfg.Quantize.Enabled {
		return res, nil
	}
	qr, err := Quantize(ctx, cfg, deps.withLogger(log))
	if err != nil {
		return res, fmt.Errorf("quantize: %w", err)
	}
	res.Quantized = &qr
	return res, nil
}

func runEpoch(ctx context.Context, cfg RunConfig, deps Deps, log *zap.SugaredLogger, epoch int) (EpochReport, error) {
	rep := EpochReport{Epoch: epoch, LR: deps.Scheduler.LRs()}

	trainLoss, err := trainEpoch(ctx, cfg, deps, log, epoch)
	if err != nil {
		return rep, err
	}
	rep.TrainLoss = trainLoss

	deps.Scheduler.Step()

	eval, err := Evaluate(ctx, deps.Model, deps.Criterion, deps.Val, EvalConfig{
		NumClasses:  cfg.NumClasses,
		IgnoreIndex: cfg.IgnoreIndex,
		UseAux:      cfg.UseAux,
		AuxWeight:   cfg.AuxWeight,
		Epoch:       epoch,
	})
	if err != nil {
		return rep, fmt.Errorf("validate: %w", err)
	}
	rep.ValLoss, rep.ValMIoU, rep.ClassIoU = eval.Loss, eval.MIoU, eval.ClassIoU

	decision, err := deps.Checkpoints.Observe(epoch, eval.MIoU, deps.Model.StateDict())
	if err != nil {
		return rep, err
	}
	rep.BestSaved, rep.LastSaved = decision.Best, decision.Last

	if deps.History != nil {
		err := deps.History.RecordEpoch(ctx, deps.Checkpoints.RunID(), history.Epoch{
			Epoch:     epoch,
			TrainLoss: rep.TrainLoss,
			ValLoss:   rep.ValLoss,
			ValMIoU:   rep.ValMIoU,
			LR:        defaultLR(rep.LR),
			Best:      rep.BestSaved,
		})
		if err != nil {
			return rep, err
		}
	}

	log.Infow("epoch complete",
		"epoch", fmt.Sprintf("%d/%d", epoch+1, cfg.MaxEpoch),
		"train_loss", rep.TrainLoss,
		"val_loss", rep.ValLoss,
		"val_miou", rep.ValMIoU,
		"class_iou", rep.ClassIoU,
		"lr", rep.LR,
		"best", rep.BestSaved,
	)
	return rep, nil
}

// trainEpoch runs one pass over the training data and returns the summed
// combined loss divided by the number of batches.
func trainEpoch(ctx context.Context, cfg RunConfig, deps Deps, log *zap.SugaredLogger, epoch int) (float64, error) {
	it, err := deps.Train.Epoch(ctx, epoch)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var (
		total  metrics.Mean
		window metrics.Window
	)
	for step := 1; ; step++ {
		startData := time.Now()
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		value, err := trainStep(ctx, cfg, deps, batch)
		if err != nil {
			return 0, fmt.Errorf("batch %d: %w", step, err)
		}
		computeTime := time.Since(startCompute)

		total.Add(value)
		window.Record(batch.Size(), dataTime, computeTime, value)

		if step%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Infow("train progress",
				"epoch", epoch+1,
				"step", step,
				"images_per_sec", snap.ImagesPerSec,
				"data_ms", snap.AvgDataMS,
				"compute_ms", snap.AvgComputeMS,
				"loss", snap.AvgLoss,
			)
		}
	}
	if total.Count == 0 {
		return 0, errors.New("training pass yielded no batches")
	}
	return total.Value(), nil
}

func trainStep(ctx context.Context, cfg RunConfig, deps Deps, batch model.Batch) (float64, error) {
	deps.Optimizer.ZeroGrad()
	out, err := deps.Model.Forward(ctx, batch.Images, true)
	if err != nil {
		return 0, err
	}
	aux := out.Aux
	if !cfg.UseAux {
		aux = nil
	}
	terms, err := loss.Combine(deps.Criterion, out.Main, aux, batch.Masks, cfg.AuxWeight, true)
	if err != nil {
		return 0, err
	}
	grads := model.Output{Main: terms.Main.Grad}
	if terms.HasAux {
		grads.Aux = terms.Aux.Grad
	}
	if err := deps.Model.Backward(ctx, grads); err != nil {
		return 0, err
	}
	deps.Optimizer.Step()
	return terms.Value(), nil
}

// Quantize converts the trained deps.Model: observers are inserted,
// calibrated on one full training pass and
// frozen to int8. The converted model is validated and saved as the int8
// checkpoint. Only Model, Criterion, Train, Val and Checkpoints are needed.
func Quantize(ctx context.Context, cfg RunConfig, deps Deps) (QuantReport, error) {
	log := deps.logger()
	qr := QuantReport{Engine: cfg.Quantize.Engine}
	if err := deps.Model.Prepare(quant.DefaultQConfig(cfg.Quantize.Engine)); err != nil {
		return qr, err
	}

	// Calibration draws a fresh pass from the training loader.
	it, err := deps.Train.Epoch(ctx, cfg.MaxEpoch)
	if err != nil {
		return qr, err
	}
	n, err := quant.Calibrate(ctx, deps.Model, it)
	it.Close()
	if err != nil {
		return qr, err
	}
	qr.CalibrationBatches = n
	log.Infow("calibration complete", "engine", cfg.Quantize.Engine, "batches", n)

	if err := quant.Convert(deps.Model); err != nil {
		return qr, err
	}

	eval, err := Evaluate(ctx, deps.Model, deps.Criterion, deps.Val, EvalConfig{
		NumClasses:  cfg.NumClasses,
		IgnoreIndex: cfg.IgnoreIndex,
		UseAux:      cfg.UseAux,
		AuxWeight:   cfg.AuxWeight,
		Epoch:       cfg.MaxEpoch,
	})
	if err != nil {
		return qr, fmt.Errorf("validate quantized: %w", err)
	}
	qr.ValLoss, qr.ValMIoU = eval.Loss, eval.MIoU

	if err := deps.Checkpoints.SaveQuantized(cfg.MaxEpoch-1, eval.MIoU, deps.Model.StateDict()); err != nil {
		return qr, err
	}
	qr.Path = deps.Checkpoints.Path(checkpoint.TagQuantized)

	if deps.History != nil {
		err := deps.History.RecordQuantized(ctx, deps.Checkpoints.RunID(), history.Quantized{
			Engine:             string(qr.Engine),
			CalibrationBatches: qr.CalibrationBatches,
			ValLoss:            qr.ValLoss,
			ValMIoU:            qr.ValMIoU,
		})
		if err != nil {
			return qr, err
		}
	}

	log.Infow("quantized model evaluated",
		"engine", qr.Engine,
		"val_loss", qr.ValLoss,
		"val_miou", qr.ValMIoU,
		"path", qr.Path,
	)
	return qr, nil
}

func (d Deps) logger() *zap.SugaredLogger {
	if d.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return d.Logger
}

func (d Deps) withLogger(log *zap.SugaredLogger) Deps {
	d.Logger = log
	return d
}

// defaultLR is the learning rate of the last group, which LayerwiseGroups
// reserves for parameters no rule matched.
func defaultLR(lrs []float64) float64 {
	if len(lrs) == 0 {
		return 0
	}
	return lrs[len(lrs)-1]
}
