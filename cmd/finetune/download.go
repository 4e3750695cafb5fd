// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"

	"github.com/gomlx/finetune/internal/downloader"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
)

func newDownloadCommand() *cobra.Command {
	var (
		model string
		opts  = downloader.Options{ProgressBar: true}
	)
	cmd := &cobra.Command{
		Use:   "download <dir>",
		Short: "Download a pre-trained model, to be used with --vgg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, found := downloader.Zoo[model]
			if !found {
				known := maps.Keys(downloader.Zoo)
				slices.Sort(known)
				return errors.Errorf("unknown model %q, known models: %q", model, known)
			}
			ref, err := downloader.DownloadModel(cmd.Context(), args[0], m, opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %q, use it with --vgg=%s\n", model, ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", downloader.VGG16.Name, "name of the model to download")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "download files even if they already exist")
	return cmd
}
