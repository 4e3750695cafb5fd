// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// finetune fine-tunes a pre-trained VGG network on a new image classification dataset, saving a
// checkpoint at the end of every epoch.
//
// Start from the pre-trained network:
//
//	finetune -v vgg16/vgg16 -c checkpoints -p vggnet
//
// Resume from the checkpoint of epoch 12:
//
//	finetune -v vgg16/vgg16 -c checkpoints -p vggnet -s 12
//
// The other commands inspect checkpoints (inspect), pack image lists into record files (pack) and
// download pre-trained models (download).
package main

import (
	"flag"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// klogFlags holds the klog flags, exposed in the command line with the verbosity renamed to
// --log_level, since -v selects the pre-trained network.
var (
	klogFlags     = flag.NewFlagSet("klog", flag.ExitOnError)
	klogFlagsOnce sync.Once
)

func addKlogFlags(flags *pflag.FlagSet) {
	klogFlagsOnce.Do(func() { klog.InitFlags(klogFlags) })
	klogFlags.VisitAll(func(f *flag.Flag) {
		pf := pflag.PFlagFromGoFlag(f)
		pf.Shorthand = ""
		if f.Name == "v" {
			pf.Name = "log_level"
		}
		flags.AddFlag(pf)
	})
}

func newRootCommand() *cobra.Command {
	root := newTrainCommand()
	root.Use = "finetune"
	root.SilenceUsage = true
	root.SilenceErrors = true
	addKlogFlags(root.PersistentFlags())

	train := newTrainCommand()
	root.AddCommand(train, newInspectCommand(), newPackCommand(), newDownloadCommand())
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
