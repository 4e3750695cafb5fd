// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the run configuration of a fine-tuning job, loaded in layers: built-in
// defaults, an optional YAML file, and environment variables prefixed with FINETUNE_ (where "__"
// separates sections, e.g. FINETUNE_TRAINING__BATCH_SIZE=16).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix of the environment variables that override configuration values.
const EnvPrefix = "FINETUNE_"

// EnvConfigPath is the environment variable with the path of the YAML configuration file, used
// if no path is given explicitly.
const EnvConfigPath = EnvPrefix + "CONFIG"

// Config of a fine-tuning run. It is immutable once the run starts.
type Config struct {
	Dataset     DatasetConfig     `koanf:"dataset"`
	Training    TrainingConfig    `koanf:"training"`
	Optimizer   OptimizerConfig   `koanf:"optimizer"`
	Initializer InitializerConfig `koanf:"initializer"`
	Surgery     SurgeryConfig     `koanf:"surgery"`
	Augment     AugmentConfig     `koanf:"augment"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`

	// Backend configuration passed to GoMLX, e.g. "xla:cuda" or "go". Empty uses GoMLX's default.
	Backend string `koanf:"backend"`
}

// DatasetConfig describes the record files and the image preprocessing.
type DatasetConfig struct {
	TrainRec string `koanf:"train_rec"`

	// ValRec is the validation record file. Empty skips validation at the end of each epoch.
	ValRec     string `koanf:"val_rec"`
	NumClasses int    `koanf:"num_classes"`

	// DataShape is the input shape (channels, height, width) fed to the network.
	DataShape []int `koanf:"data_shape"`

	MeanR float64 `koanf:"mean_r"`
	MeanG float64 `koanf:"mean_g"`
	MeanB float64 `koanf:"mean_b"`

	// Shuffle training records at every epoch.
	Shuffle bool `koanf:"shuffle"`
}

// TrainingConfig holds the batching and scheduling parameters.
type TrainingConfig struct {
	// BatchSize per device: the global batch is BatchSize * NumDevices.
	BatchSize  int `koanf:"batch_size"`
	NumDevices int `koanf:"num_devices"`

	// TotalEpochs is the epoch number training stops at: a run started at epoch s trains TotalEpochs-s epochs.
	TotalEpochs int `koanf:"total_epochs"`

	// SpeedometerFrequency is the number of batches between throughput reports.
	SpeedometerFrequency int `koanf:"speedometer_frequency"`

	// PreprocessThreads decoding images. If 0, 2*NumDevices is used.
	PreprocessThreads int `koanf:"preprocess_threads"`

	// LogFile template: "{start_epoch}" is replaced by the starting epoch. Empty disables the log file.
	LogFile string `koanf:"log_file"`

	// Seed for augmentation, shuffling and initialization.
	Seed uint64 `koanf:"seed"`
}

// OptimizerConfig of the SGD with momentum optimizer.
type OptimizerConfig struct {
	LearningRate float64 `koanf:"learning_rate"`
	Momentum     float64 `koanf:"momentum"`
	WeightDecay  float64 `koanf:"weight_decay"`

	// ClipGradient clips each rescaled gradient value to [-ClipGradient, ClipGradient]. 0 disables it.
	ClipGradient float64 `koanf:"clip_gradient"`
}

// InitializerConfig for parameters missing from the starting checkpoint.
type InitializerConfig struct {
	// RndType is "uniform" or "gaussian".
	RndType string `koanf:"rnd_type"`

	// FactorType is "avg", "in" or "out".
	FactorType string  `koanf:"factor_type"`
	Magnitude  float64 `koanf:"magnitude"`
}

// SurgeryConfig names the layers involved in replacing the classifier of a pre-trained network.
type SurgeryConfig struct {
	// AnchorLayer is the last layer kept from the pre-trained network.
	AnchorLayer string `koanf:"anchor_layer"`

	// NewLayer is the name of the new fully-connected classification layer.
	NewLayer string `koanf:"new_layer"`

	// OutputLayer is the name of the new softmax output layer.
	OutputLayer string `koanf:"output_layer"`
}

// AugmentConfig controls the random transformations applied to training images.
type AugmentConfig struct {
	RandCrop      bool    `koanf:"rand_crop"`
	RandMirror    bool    `koanf:"rand_mirror"`
	Rotate        float64 `koanf:"rotate"`
	MaxShearRatio float64 `koanf:"max_shear_ratio"`
}

// TelemetryConfig controls reporting of the training progress.
type TelemetryConfig struct {
	// MetricsAddr is the address to serve Prometheus metrics on, e.g. ":9090". Empty disables it.
	MetricsAddr string `koanf:"metrics_addr"`

	// ProgressionFile is where the training status JSON is written at the end of every epoch.
	// Empty uses $TRAINJOB_PROGRESSION_FILE_PATH, if set.
	ProgressionFile string `koanf:"progression_file"`

	// PlotFile is a PNG file where validation metrics per epoch are plotted. Empty disables it.
	PlotFile string `koanf:"plot_file"`
}

// Default returns the configuration of the Stanford Cars fine-tuning of VGG16.
func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			TrainRec:   "lists/rec/train.rec",
			ValRec:     "lists/rec/val.rec",
			NumClasses: 164,
			DataShape:  []int{3, 224, 224},
			MeanR:      123.68,
			MeanG:      116.779,
			MeanB:      103.939,
		},
		Training: TrainingConfig{
			BatchSize:            32,
			NumDevices:           1,
			TotalEpochs:          65,
			SpeedometerFrequency: 50,
			LogFile:              "training_{start_epoch}.log",
			Seed:                 42,
		},
		Optimizer: OptimizerConfig{
			LearningRate: 1e-5,
			Momentum:     0.9,
			WeightDecay:  0.0005,
		},
		Initializer: InitializerConfig{
			RndType:    "uniform",
			FactorType: "avg",
			Magnitude:  3,
		},
		Surgery: SurgeryConfig{
			AnchorLayer: "drop7",
			NewLayer:    "fc8",
			OutputLayer: "softmax",
		},
		Augment: AugmentConfig{
			RandCrop:      true,
			RandMirror:    true,
			Rotate:        15,
			MaxShearRatio: 0.1,
		},
	}
}

// Load the configuration: defaults, then the YAML file at path (if not empty; if empty the
// FINETUNE_CONFIG environment variable is used), then FINETUNE_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load default configuration")
	}
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %q", path)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		if s == EnvConfigPath {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration from environment")
	}
	cfg := &Config{}
	if err = k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Marshal returns the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(c, "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	data, err := k.Marshal(yaml.Parser())
	return data, errors.Wrap(err, "failed to marshal configuration")
}

// GlobalBatchSize is the number of examples per training step across all devices.
func (c *Config) GlobalBatchSize() int {
	return c.Training.BatchSize * c.Training.NumDevices
}

// RescaleGrad is the factor gradients are multiplied by: gradients are summed over the batch, so
// this turns the sum into a mean.
func (c *Config) RescaleGrad() float64 {
	return 1.0 / float64(c.GlobalBatchSize())
}

// NumPreprocessThreads returns the number of image decoding goroutines.
func (c *Config) NumPreprocessThreads() int {
	if c.Training.PreprocessThreads > 0 {
		return c.Training.PreprocessThreads
	}
	return 2 * max(c.Training.NumDevices, 1)
}

// LogFileFor returns the log file path for a run starting at startEpoch, or "" if disabled.
func (c *Config) LogFileFor(startEpoch int) string {
	if c.Training.LogFile == "" {
		return ""
	}
	return strings.ReplaceAll(c.Training.LogFile, "{start_epoch}", strconv.Itoa(startEpoch))
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	switch {
	case c.Dataset.NumClasses <= 0:
		return errors.Errorf("dataset.num_classes must be > 0, got %d", c.Dataset.NumClasses)
	case len(c.Dataset.DataShape) != 3 || c.Dataset.DataShape[0] != 3 || c.Dataset.DataShape[1] <= 0 || c.Dataset.DataShape[2] <= 0:
		return errors.Errorf("dataset.data_shape must be (3, height, width), got %v", c.Dataset.DataShape)
	case c.Dataset.TrainRec == "":
		return errors.New("dataset.train_rec must be set")
	case c.Training.BatchSize <= 0:
		return errors.Errorf("training.batch_size must be > 0, got %d", c.Training.BatchSize)
	case c.Training.NumDevices <= 0:
		return errors.Errorf("training.num_devices must be > 0, got %d", c.Training.NumDevices)
	case c.Training.TotalEpochs <= 0:
		return errors.Errorf("training.total_epochs must be > 0, got %d", c.Training.TotalEpochs)
	case c.Training.SpeedometerFrequency <= 0:
		return errors.Errorf("training.speedometer_frequency must be > 0, got %d", c.Training.SpeedometerFrequency)
	case c.Optimizer.LearningRate <= 0:
		return errors.Errorf("optimizer.learning_rate must be > 0, got %g", c.Optimizer.LearningRate)
	case c.Optimizer.Momentum < 0 || c.Optimizer.Momentum >= 1:
		return errors.Errorf("optimizer.momentum must be in [0, 1), got %g", c.Optimizer.Momentum)
	case c.Optimizer.WeightDecay < 0 || c.Optimizer.ClipGradient < 0:
		return errors.New("optimizer.weight_decay and optimizer.clip_gradient must be >= 0")
	case c.Initializer.RndType != "uniform" && c.Initializer.RndType != "gaussian":
		return errors.Errorf("initializer.rnd_type must be \"uniform\" or \"gaussian\", got %q", c.Initializer.RndType)
	case c.Initializer.FactorType != "avg" && c.Initializer.FactorType != "in" && c.Initializer.FactorType != "out":
		return errors.Errorf("initializer.factor_type must be \"avg\", \"in\" or \"out\", got %q", c.Initializer.FactorType)
	case c.Initializer.Magnitude <= 0:
		return errors.Errorf("initializer.magnitude must be > 0, got %g", c.Initializer.Magnitude)
	case c.Surgery.AnchorLayer == "" || c.Surgery.NewLayer == "" || c.Surgery.OutputLayer == "":
		return errors.New("surgery.anchor_layer, surgery.new_layer and surgery.output_layer must be set")
	case c.Surgery.NewLayer == c.Surgery.OutputLayer || c.Surgery.NewLayer == c.Surgery.AnchorLayer:
		return errors.Errorf("surgery.new_layer %q must differ from the anchor and output layers", c.Surgery.NewLayer)
	case c.Augment.Rotate < 0 || c.Augment.MaxShearRatio < 0:
		return errors.New("augment.rotate and augment.max_shear_ratio must be >= 0")
	}
	return nil
}
