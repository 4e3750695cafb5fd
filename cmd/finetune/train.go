// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"

	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/internal/engine"
	"github.com/gomlx/finetune/internal/finetune"
	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

type trainFlags struct {
	vgg, checkpoints, prefix, configPath string
	startEpoch                           int
}

func newTrainCommand() *cobra.Command {
	var flags trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune a pre-trained network, or resume a previous fine-tuning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return train(flags)
		},
	}
	cmd.Flags().StringVarP(&flags.vgg, "vgg", "v", "", "path prefix of the pre-trained VGG network, e.g. vgg16/vgg16")
	cmd.Flags().StringVarP(&flags.checkpoints, "checkpoints", "c", "", "checkpoint output directory")
	cmd.Flags().StringVarP(&flags.prefix, "prefix", "p", "", "name prefix of the checkpoints")
	cmd.Flags().IntVarP(&flags.startEpoch, "start_epoch", "s", 0, "epoch to restart training at, 0 to start from the pre-trained network")
	cmd.Flags().StringVar(&flags.configPath, "config", "", "YAML configuration file, defaults to $"+config.EnvConfigPath)
	for _, name := range []string{"vgg", "checkpoints", "prefix"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// setupLogFile directs klog to also write to path, truncating it.
func setupLogFile(path string) error {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create log directory %q", dir)
		}
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return errors.Wrapf(err, "failed to create log file %q", path)
	}
	for name, value := range map[string]string{
		"log_file":        path,
		"logtostderr":     "false",
		"alsologtostderr": "true",
	} {
		if err := klogFlags.Set(name, value); err != nil {
			return errors.Wrapf(err, "failed to set klog flag %q", name)
		}
	}
	return nil
}

func newBackend(cfg *config.Config) (backends.Backend, error) {
	if cfg.Backend != "" {
		return backends.NewWithConfig(cfg.Backend)
	}
	return backends.New()
}

func train(flags trainFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	if err = setupLogFile(cfg.LogFileFor(flags.startEpoch)); err != nil {
		return err
	}

	source := modelstore.Ref(flags.vgg)
	checkpoints := modelstore.NewRef(flags.checkpoints, flags.prefix)
	point := finetune.NewStartingPoint(flags.startEpoch, source, checkpoints)
	store := modelstore.Files{}
	start, err := finetune.ResolveStartingPoint(store, point, finetune.ContractFromConfig(cfg.Surgery), cfg.Dataset.NumClasses)
	if err != nil {
		return err
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return errors.WithMessage(err, "failed to create backend")
	}
	defer backend.Finalize()
	klog.Infof("Backend: %s", backend.Description())

	return finetune.Run(engine.New(backend), start, finetune.RunOptions{
		Config:      cfg,
		Store:       store,
		Checkpoints: checkpoints,
	})
}
