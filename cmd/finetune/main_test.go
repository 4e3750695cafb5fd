package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/gomlx/finetune/pkg/symbol/symboltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	root := newRootCommand()
	require.NoError(t, root.ParseFlags([]string{"-v", "vgg16/vgg16", "-c", "out", "-p", "vggnet", "-s", "12", "--log_level=2"}))
	vgg, err := root.Flags().GetString("vgg")
	require.NoError(t, err)
	assert.Equal(t, "vgg16/vgg16", vgg)
	start, err := root.Flags().GetInt("start_epoch")
	require.NoError(t, err)
	assert.Equal(t, 12, start)
	assert.Equal(t, "2", klogFlags.Lookup("v").Value.String())
	require.NoError(t, klogFlags.Set("v", "0"))

	train, _, err := root.Find([]string{"train"})
	require.NoError(t, err)
	assert.Equal(t, "train", train.Name())
}

func TestInspect(t *testing.T) {
	sym := symboltest.TinyVGG(5)
	args, aux, err := symboltest.RandomParams(sym, map[string][]int{"data": symboltest.DataShape}, 1)
	require.NoError(t, err)
	delete(args, "fc8_bias")
	ref := modelstore.NewRef(t.TempDir(), "tiny")
	for _, epoch := range []int{3, 4} {
		require.NoError(t, modelstore.Save(ref, epoch, &modelstore.Checkpoint{Symbol: sym, Args: args, Aux: aux}))
	}

	var out bytes.Buffer
	require.NoError(t, inspect(&out, ref, inspectFlags{epoch: -1, vars: true, layers: true}))
	report := out.String()
	assert.Contains(t, report, "3, 4")
	assert.Contains(t, report, "prob (SoftmaxOutput)")
	assert.Contains(t, report, "fc8_weight")
	assert.Contains(t, report, "fc8_bias")
	assert.Contains(t, report, "missing")
	assert.Contains(t, report, "conv1_1")

	err = inspect(&out, modelstore.NewRef(filepath.Join(t.TempDir(), "none"), "tiny"), inspectFlags{epoch: -1})
	require.ErrorContains(t, err, "no checkpoints")
}
