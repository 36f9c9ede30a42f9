package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Quantization order values. Only after-train is runnable; before-train
// would calibrate an untrained network and then leave nothing trainable.
const (
	OrderAfterTrain  = "after-train"
	OrderBeforeTrain = "before-train"
)

// Quantize configures post-training quantization.
type Quantize struct {
	Enabled bool   `yaml:"enabled"`
	Order   string `yaml:"order"`
	Engine  string `yaml:"engine"`
}

// Augment configures the training-time augmentation policy.
type Augment struct {
	Scales   []float64 `yaml:"scales"`
	CropSize int       `yaml:"crop_size"`
	MaxRatio float64   `yaml:"max_ratio"`
	FlipProb float64   `yaml:"flip_prob"`
}

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoots          []string `yaml:"train_roots"`
	ValRoots            []string `yaml:"val_roots"`
	MaxEpoch            int      `yaml:"max_epoch"`
	TrainBatchSize      int      `yaml:"train_batch_size"`
	ValBatchSize        int      `yaml:"val_batch_size"`
	NumWorkers          int      `yaml:"num_workers"`
	LR                  float64  `yaml:"lr"`
	WeightDecay         float64  `yaml:"weight_decay"`
	BackboneLR          float64  `yaml:"backbone_lr"`
	BackboneWeightDecay float64  `yaml:"backbone_weight_decay"`
	EtaMin              float64  `yaml:"eta_min"`
	LookaheadK          int      `yaml:"lookahead_k"`
	LookaheadAlpha      float64  `yaml:"lookahead_alpha"`
	NumClasses          int      `yaml:"num_classes"`
	IgnoreIndex         int      `yaml:"ignore_index"`
	MaskOffset          int      `yaml:"mask_offset"`
	UseAuxLoss          bool     `yaml:"use_aux_loss"`
	AuxWeight           float64  `yaml:"aux_weight"`
	Features            int      `yaml:"features"`
	WeightsName         string   `yaml:"weights_name"`
	WeightsDir          string   `yaml:"weights_dir"`
	SaveLast            bool     `yaml:"save_last"`
	PretrainedCkpt      string   `yaml:"pretrained_ckpt"`
	HistoryDB           string   `yaml:"history_db"`
	Threads             int      `yaml:"threads"`
	Seed                int64    `yaml:"seed"`
	LogEvery            int      `yaml:"log_every"`
	Augment             Augment  `yaml:"augment"`
	Quantize            Quantize `yaml:"quantize"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoots     []string
	ValRoots       []string
	MaxEpoch       int
	TrainBatchSize int
	ValBatchSize   int
	NumWorkers     int
	WeightsDir     string
	PretrainedCkpt string
	HistoryDB      string
	Threads        int
	Seed           int64
	LogEvery       int
}

// LoveDA class names, in label order.
var LoveDAClasses = []string{"background", "building", "road", "water", "barren", "forest", "agricultural"}

const defaultWeightsName = "unetformer-r18-512crop-ms-epoch30-rep"

// Default returns the LoveDA UNetFormer experiment.
func Default() *Config {
	classes := len(LoveDAClasses)
	return &Config{
		TrainRoots:          []string{"data/LoveDA/Train"},
		ValRoots:            []string{"data/LoveDA/Val"},
		MaxEpoch:            30,
		TrainBatchSize:      16,
		ValBatchSize:        16,
		NumWorkers:          4,
		LR:                  6e-4,
		WeightDecay:         0.01,
		BackboneLR:          6e-5,
		BackboneWeightDecay: 0.01,
		EtaMin:              1e-6,
		LookaheadK:          5,
		LookaheadAlpha:      0.5,
		NumClasses:          classes,
		IgnoreIndex:         classes,
		MaskOffset:          1,
		UseAuxLoss:          true,
		AuxWeight:           0.4,
		Features:            16,
		WeightsName:         defaultWeightsName,
		WeightsDir:          filepath.Join("model_weights", "loveda", defaultWeightsName),
		SaveLast:            true,
		LogEvery:            50,
		Augment: Augment{
			Scales:   []float64{0.75, 1.0, 1.25, 1.5},
			CropSize: 512,
			MaxRatio: 0.75,
			FlipProb: 0.5,
		},
		Quantize: Quantize{
			Enabled: true,
			Order:   OrderAfterTrain,
			Engine:  "auto",
		},
	}
}

// Load overlays the YAML file at path onto Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = o.TrainRoots
	}
	if len(o.ValRoots) > 0 {
		c.ValRoots = o.ValRoots
	}
	if o.MaxEpoch > 0 {
		c.MaxEpoch = o.MaxEpoch
	}
	if o.TrainBatchSize > 0 {
		c.TrainBatchSize = o.TrainBatchSize
	}
	if o.ValBatchSize > 0 {
		c.ValBatchSize = o.ValBatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.WeightsDir != "" {
		c.WeightsDir = o.WeightsDir
	}
	if o.PretrainedCkpt != "" {
		c.PretrainedCkpt = o.PretrainedCkpt
	}
	if o.HistoryDB != "" {
		c.HistoryDB = o.HistoryDB
	}
	if o.Threads > 0 {
		c.Threads = o.Threads
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.TrainRoots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if len(c.ValRoots) == 0 {
		return errors.New("at least one validation root must be set")
	}
	if c.MaxEpoch <= 0 {
		return fmt.Errorf("max_epoch must be > 0 (got %d)", c.MaxEpoch)
	}
	if c.TrainBatchSize <= 0 {
		return fmt.Errorf("train_batch_size must be > 0 (got %d)", c.TrainBatchSize)
	}
	if c.ValBatchSize <= 0 {
		return fmt.Errorf("val_batch_size must be > 0 (got %d)", c.ValBatchSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.LR <= 0 || c.BackboneLR <= 0 {
		return fmt.Errorf("learning rates must be > 0 (lr=%g backbone_lr=%g)", c.LR, c.BackboneLR)
	}
	if c.WeightDecay < 0 || c.BackboneWeightDecay < 0 {
		return errors.New("weight decay must be >= 0")
	}
	if c.EtaMin < 0 || c.EtaMin > c.BackboneLR {
		return fmt.Errorf("eta_min must be in [0, backbone_lr] (got %g)", c.EtaMin)
	}
	if c.LookaheadK <= 0 {
		return fmt.Errorf("lookahead_k must be > 0 (got %d)", c.LookaheadK)
	}
	if c.LookaheadAlpha <= 0 || c.LookaheadAlpha > 1 {
		return fmt.Errorf("lookahead_alpha must be in (0, 1] (got %g)", c.LookaheadAlpha)
	}
	if c.NumClasses < 2 || c.NumClasses > 255 {
		return fmt.Errorf("num_classes must be in [2, 255] (got %d)", c.NumClasses)
	}
	if c.IgnoreIndex < c.NumClasses || c.IgnoreIndex > 255 {
		return fmt.Errorf("ignore_index must be in [num_classes, 255] (got %d)", c.IgnoreIndex)
	}
	if c.AuxWeight < 0 {
		return fmt.Errorf("aux_weight must be >= 0 (got %g)", c.AuxWeight)
	}
	if c.Features <= 0 {
		return fmt.Errorf("features must be > 0 (got %d)", c.Features)
	}
	if strings.TrimSpace(c.WeightsName) == "" {
		return errors.New("weights_name must be set")
	}
	if c.WeightsDir == "" {
		return errors.New("weights_dir must be set")
	}
	if len(c.Augment.Scales) == 0 {
		return errors.New("augment.scales must not be empty")
	}
	for _, s := range c.Augment.Scales {
		if s <= 0 {
			return fmt.Errorf("augment.scales must be > 0 (got %g)", s)
		}
	}
	if c.Augment.CropSize <= 0 {
		return fmt.Errorf("augment.crop_size must be > 0 (got %d)", c.Augment.CropSize)
	}
	if c.Augment.MaxRatio <= 0 || c.Augment.MaxRatio > 1 {
		return fmt.Errorf("augment.max_ratio must be in (0, 1] (got %g)", c.Augment.MaxRatio)
	}
	if c.Augment.FlipProb < 0 || c.Augment.FlipProb > 1 {
		return fmt.Errorf("augment.flip_prob must be in [0, 1] (got %g)", c.Augment.FlipProb)
	}
	if c.Quantize.Enabled {
		switch c.Quantize.Order {
		case OrderAfterTrain:
		case OrderBeforeTrain:
			return errors.New("quantize.order before-train is not supported: a converted network has integer weights and cannot be trained; use after-train")
		default:
			return fmt.Errorf("quantize.order must be %q (got %q)", OrderAfterTrain, c.Quantize.Order)
		}
		switch c.Quantize.Engine {
		case "auto", "fbgemm", "qnnpack":
		default:
			return fmt.Errorf("quantize.engine must be auto, fbgemm or qnnpack (got %q)", c.Quantize.Engine)
		}
	}
	if c.LogEvery <= 0 {
		return fmt.Errorf("log_every must be positive (got %d)", c.LogEvery)
	}
	return nil
}
