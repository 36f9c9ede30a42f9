package trainer

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"segforge/internal/checkpoint"
	"segforge/internal/config"
	"segforge/internal/dataset"
	"segforge/internal/device"
	"segforge/internal/history"
	"segforge/internal/loss"
	"segforge/internal/model"
	"segforge/internal/optim"
	"segforge/internal/quant"
)

// Session is a run assembled from a Config.
type Session struct {
	Device    device.Device
	Model     *model.UNetFormer
	RunConfig RunConfig
	Deps      Deps
}

// NewSession builds the model, optimizer, schedule, loaders, checkpoint
// manager and optional history store described by cfg. A pretrained
// checkpoint is loaded before the optimizer captures its slow weights.
func NewSession(cfg *config.Config, logger *zap.SugaredLogger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	dev := device.Detect(cfg.Threads)
	net := NewModel(cfg, dev)
	if cfg.PretrainedCkpt != "" {
		snap, err := checkpoint.Load(cfg.PretrainedCkpt)
		if err != nil {
			return nil, err
		}
		if snap.State.Stage != quant.StageFloat {
			return nil, fmt.Errorf("pretrained checkpoint %s is %s, want a float model", cfg.PretrainedCkpt, snap.State.Stage)
		}
		if err := net.LoadStateDict(snap.State); err != nil {
			return nil, fmt.Errorf("load pretrained weights: %w", err)
		}
		logger.Infow("loaded pretrained weights", "path", cfg.PretrainedCkpt, "epoch", snap.Epoch)
	}

	groups, err := optim.LayerwiseGroups(net.Parameters(), cfg.LR, cfg.WeightDecay, []optim.Rule{
		{Pattern: "backbone.*", LR: cfg.BackboneLR, WeightDecay: cfg.BackboneWeightDecay},
	})
	if err != nil {
		return nil, err
	}
	opt := optim.NewLookahead(optim.NewAdamW(groups), cfg.LookaheadK, cfg.LookaheadAlpha)
	sched := optim.NewCosineAnnealing(opt, cfg.MaxEpoch, cfg.EtaMin)

	train, err := NewTrainLoader(cfg)
	if err != nil {
		return nil, fmt.Errorf("train loader: %w", err)
	}
	val, err := NewValLoader(cfg)
	if err != nil {
		return nil, fmt.Errorf("val loader: %w", err)
	}

	var store *history.Store
	if cfg.HistoryDB != "" {
		store, err = history.Open(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
	}

	text, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	return &Session{
		Device: dev,
		Model:  net,
		RunConfig: RunConfig{
			MaxEpoch:    cfg.MaxEpoch,
			NumClasses:  cfg.NumClasses,
			IgnoreIndex: int32(cfg.IgnoreIndex),
			UseAux:      cfg.UseAuxLoss,
			AuxWeight:   cfg.AuxWeight,
			LogEvery:    cfg.LogEvery,
			WeightsName: cfg.WeightsName,
			ConfigText:  string(text),
			Quantize: QuantizeConfig{
				Enabled: cfg.Quantize.Enabled,
				Engine:  dev.ResolveEngine(cfg.Quantize.Engine),
			},
		},
		Deps: Deps{
			Model:       net,
			Criterion:   loss.NewUNetFormerLoss(int32(cfg.IgnoreIndex)),
			Optimizer:   opt,
			Scheduler:   sched,
			Train:       FromLoader(train),
			Val:         FromLoader(val),
			Checkpoints: checkpoint.NewManager(cfg.WeightsDir, cfg.WeightsName, cfg.SaveLast, ""),
			History:     store,
			Logger:      logger,
		},
	}, nil
}

// Close releases the history store.
func (s *Session) Close() error {
	if s.Deps.History != nil {
		return s.Deps.History.Close()
	}
	return nil
}

// NewModel constructs a freshly initialized network for cfg on dev.
func NewModel(cfg *config.Config, dev device.Device) *model.UNetFormer {
	return model.NewUNetFormer(model.Options{
		NumClasses: cfg.NumClasses,
		Features:   cfg.Features,
		Aux:        cfg.UseAuxLoss,
		Threads:    dev.Threads,
		Seed:       cfg.Seed,
	})
}

// LoadModel rebuilds the network stored at path. The checkpoint's
// architecture wins over cfg; threads come from dev.
func LoadModel(path string, dev device.Device) (*model.UNetFormer, checkpoint.Snapshot, error) {
	snap, err := checkpoint.Load(path)
	if err != nil {
		return nil, snap, err
	}
	opts := snap.State.Options
	opts.Threads = dev.Threads
	net := model.NewUNetFormer(opts)
	if err := net.LoadStateDict(snap.State); err != nil {
		return nil, snap, fmt.Errorf("load %s: %w", path, err)
	}
	return net, snap, nil
}

func maskCodec(cfg *config.Config) dataset.MaskCodec {
	return dataset.MaskCodec{Classes: cfg.NumClasses, Ignore: uint8(cfg.IgnoreIndex), Offset: cfg.MaskOffset}
}

// NewTrainLoader builds the shuffled, augmented, drop-last training loader.
func NewTrainLoader(cfg *config.Config) (*dataset.Loader, error) {
	src, err := dataset.NewSource(cfg.TrainRoots, true, cfg.Seed, cfg.NumWorkers)
	if err != nil {
		return nil, err
	}
	return dataset.NewLoader(src, dataset.LoaderOptions{
		BatchSize:  cfg.TrainBatchSize,
		DropLast:   true,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Codec:      maskCodec(cfg),
		Pipeline: dataset.TrainPipeline(dataset.AugmentOptions{
			Scales:   cfg.Augment.Scales,
			CropSize: cfg.Augment.CropSize,
			MaxRatio: cfg.Augment.MaxRatio,
			FlipProb: cfg.Augment.FlipProb,
			Ignore:   uint8(cfg.IgnoreIndex),
		}),
	})
}

// NewValLoader builds the ordered, normalize-only validation loader.
func NewValLoader(cfg *config.Config) (*dataset.Loader, error) {
	src, err := dataset.NewSource(cfg.ValRoots, false, cfg.Seed, cfg.NumWorkers)
	if err != nil {
		return nil, err
	}
	return dataset.NewLoader(src, dataset.LoaderOptions{
		BatchSize:  cfg.ValBatchSize,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Codec:      maskCodec(cfg),
		Pipeline:   dataset.EvalPipeline(),
	})
}
