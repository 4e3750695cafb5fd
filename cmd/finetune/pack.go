// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/finetune/internal/imageiter"
	"github.com/spf13/cobra"
)

func newPackCommand() *cobra.Command {
	var (
		root string
		opts imageiter.PackOptions
	)
	cmd := &cobra.Command{
		Use:   "pack <list> <rec>",
		Short: "Pack the images of a list file (\"index\\tlabel\\tpath\" lines) into a record file and its index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			listPath, recPath := args[0], args[1]
			if root == "" {
				root = filepath.Dir(listPath)
			}
			n, err := imageiter.Pack(listPath, root, recPath, opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Packed %d images into %q\n", n, recPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "directory the image paths are relative to, defaults to the list directory")
	cmd.Flags().IntVar(&opts.Resize, "resize", 0, "resize the shorter edge of the images, 0 keeps the original size")
	cmd.Flags().IntVar(&opts.Quality, "quality", 95, "JPEG quality")
	cmd.Flags().BoolVar(&opts.ProgressBar, "progress", true, "display a progress bar")
	return cmd
}
