// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/gomlx/finetune/pkg/ndarray"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
)

type inspectFlags struct {
	epoch  int
	vars   bool
	layers bool
}

func newInspectCommand() *cobra.Command {
	var flags inspectFlags
	cmd := &cobra.Command{
		Use:   "inspect <prefix>",
		Short: "Summarize a checkpoint: its network, parameters and auxiliary states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), modelstore.Ref(args[0]), flags)
		},
	}
	cmd.Flags().IntVar(&flags.epoch, "epoch", -1, "epoch to inspect, -1 for the latest")
	cmd.Flags().BoolVar(&flags.vars, "vars", false, "list the parameters and auxiliary states")
	cmd.Flags().BoolVar(&flags.layers, "layers", false, "list the layers of the network")
	return cmd
}

func inspect(w io.Writer, ref modelstore.Ref, flags inspectFlags) error {
	epoch := flags.epoch
	if epoch < 0 {
		var err error
		if epoch, err = modelstore.Latest(ref); err != nil {
			return err
		}
		if epoch < 0 {
			return errors.Errorf("no checkpoints found for %q", ref)
		}
	}
	ckpt, err := modelstore.Load(ref, epoch)
	if err != nil {
		return err
	}
	epochs, err := modelstore.Epochs(ref)
	if err != nil {
		return err
	}
	epochNames := make([]string, len(epochs))
	for ii, e := range epochs {
		epochNames[ii] = fmt.Sprint(e)
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newTable(false, lipgloss.Right, lipgloss.Left)
	table.Row(false, "checkpoint", string(ref))
	table.Row(false, "epoch", fmt.Sprint(epoch))
	table.Row(false, "epochs saved", strings.Join(epochNames, ", "))
	output := ckpt.Symbol.Output()
	table.Row(false, "output", fmt.Sprintf("%s (%s)", output.Name, output.Op))
	table.Row(false, "# layers", humanize.Comma(int64(len(ckpt.Symbol.Layers()))))
	table.Row(false, "# arrays", humanize.Comma(int64(len(ckpt.Args)+len(ckpt.Aux))))
	table.Row(false, "# parameters", humanize.Comma(int64(ckpt.NumParameters())))
	table.Row(false, "# bytes", humanize.Bytes(uint64(ckpt.Memory())))
	_, _ = fmt.Fprintln(w, table.Render())

	if flags.layers {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Layers"))
		table = newTable(true, lipgloss.Left)
		table.Headers("Name", "Op", "Inputs")
		for _, layer := range ckpt.Symbol.Layers() {
			var inputs []string
			for _, in := range layer.Inputs {
				inputs = append(inputs, ckpt.Symbol.Nodes[in.Node].Name)
			}
			table.Row(false, layer.Name, layer.Op, strings.Join(inputs, ", "))
		}
		_, _ = fmt.Fprintln(w, table.Render())
	}

	if flags.vars {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Arrays"))
		table = newTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
		table.Headers("Name", "Kind", "Shape", "Size", "Bytes")
		// Arguments of the network without values are highlighted.
		for _, name := range ckpt.Symbol.ListArguments() {
			if _, found := ckpt.Args[name]; !found && !strings.HasSuffix(name, "_label") && name != "data" {
				table.Row(true, name, "arg", "missing", "", "")
			}
		}
		addArrays := func(kind string, arrays map[string]*ndarray.Array) {
			names := maps.Keys(arrays)
			slices.Sort(names)
			for _, name := range names {
				a := arrays[name]
				table.Row(false, name, kind, fmt.Sprintf("%s%v", a.DType, a.Shape),
					humanize.Comma(int64(a.Size())), humanize.Bytes(uint64(a.Memory())))
			}
		}
		addArrays("arg", ckpt.Args)
		addArrays("aux", ckpt.Aux)
		_, _ = fmt.Fprintln(w, table.Render())
	}
	return nil
}
