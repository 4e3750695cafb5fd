package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 65, cfg.Training.TotalEpochs)
	assert.Equal(t, 50, cfg.Training.SpeedometerFrequency)
	assert.Equal(t, 1e-5, cfg.Optimizer.LearningRate)
	assert.Equal(t, 0.9, cfg.Optimizer.Momentum)
	assert.Equal(t, 0.0005, cfg.Optimizer.WeightDecay)
	assert.Equal(t, "drop7", cfg.Surgery.AnchorLayer)
	assert.Equal(t, "fc8", cfg.Surgery.NewLayer)
	assert.Equal(t, []int{3, 224, 224}, cfg.Dataset.DataShape)
	assert.Equal(t, 32, cfg.GlobalBatchSize())
	assert.InDelta(t, 1.0/32, cfg.RescaleGrad(), 1e-12)
	assert.Equal(t, 2, cfg.NumPreprocessThreads())
	assert.Equal(t, "training_0.log", cfg.LogFileFor(0))
	assert.Equal(t, "training_12.log", cfg.LogFileFor(12))
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cars.yaml")
	yamlConfig := `
dataset:
  num_classes: 10
  train_rec: /data/train.rec
training:
  batch_size: 8
  num_devices: 2
optimizer:
  learning_rate: 0.001
`
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))
	t.Setenv("FINETUNE_TRAINING__TOTAL_EPOCHS", "3")
	t.Setenv("FINETUNE_SURGERY__ANCHOR_LAYER", "drop6")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Dataset.NumClasses)
	assert.Equal(t, "/data/train.rec", cfg.Dataset.TrainRec)
	assert.Equal(t, "lists/rec/val.rec", cfg.Dataset.ValRec)
	assert.Equal(t, 16, cfg.GlobalBatchSize())
	assert.Equal(t, 4, cfg.NumPreprocessThreads())
	assert.Equal(t, 0.001, cfg.Optimizer.LearningRate)
	assert.Equal(t, 0.9, cfg.Optimizer.Momentum)
	assert.Equal(t, 3, cfg.Training.TotalEpochs)
	assert.Equal(t, "drop6", cfg.Surgery.AnchorLayer)

	// Config path from the environment.
	t.Setenv(EnvConfigPath, path)
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Dataset.NumClasses)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestMarshal(t *testing.T) {
	cfg := Default()
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "anchor_layer: drop7")
	assert.Contains(t, string(data), "total_epochs: 65")
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"classes":     func(c *Config) { c.Dataset.NumClasses = 0 },
		"shape":       func(c *Config) { c.Dataset.DataShape = []int{224, 224} },
		"batch":       func(c *Config) { c.Training.BatchSize = 0 },
		"momentum":    func(c *Config) { c.Optimizer.Momentum = 1 },
		"initializer": func(c *Config) { c.Initializer.FactorType = "fan" },
		"surgery":     func(c *Config) { c.Surgery.NewLayer = "softmax" },
		"records":     func(c *Config) { c.Dataset.TrainRec = "" },
	} {
		cfg := Default()
		mutate(cfg)
		require.Errorf(t, cfg.Validate(), "invalid %s should fail validation", name)
	}

	// Validation is optional.
	cfg := Default()
	cfg.Dataset.ValRec = ""
	require.NoError(t, cfg.Validate())
}
