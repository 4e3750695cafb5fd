// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package modelstore persists model checkpoints in the MXNet layout: a topology file
// "<prefix>-symbol.json" shared by all epochs, and one parameters file per epoch,
// "<prefix>-<epoch:04d>.params".
package modelstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/gomlx/finetune/pkg/ndarray"
	"github.com/gomlx/finetune/pkg/symbol"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Ref identifies a model by its path prefix: the directory plus the model name, e.g.
// "models/vgg16" for "models/vgg16-symbol.json" and "models/vgg16-0000.params".
type Ref string

// NewRef joins a directory and a model name.
func NewRef(dir, name string) Ref {
	return Ref(filepath.Join(dir, name))
}

// String implements fmt.Stringer.
func (r Ref) String() string { return string(r) }

// Dir returns the directory of the model files.
func (r Ref) Dir() string { return filepath.Dir(string(r)) }

// Name returns the model name, the last element of the prefix.
func (r Ref) Name() string { return filepath.Base(string(r)) }

// SymbolPath returns the path of the topology file.
func (r Ref) SymbolPath() string { return string(r) + "-symbol.json" }

// ParamsPath returns the path of the parameters file for the given epoch.
func (r Ref) ParamsPath(epoch int) string { return fmt.Sprintf("%s-%04d.params", string(r), epoch) }

// Checkpoint is a model topology with its learned parameters (arguments) and auxiliary states.
type Checkpoint struct {
	Symbol *symbol.Symbol
	Args   map[string]*ndarray.Array
	Aux    map[string]*ndarray.Array
}

// NumParameters returns the total number of values of arguments and auxiliary states.
func (c *Checkpoint) NumParameters() int {
	total := 0
	for _, a := range c.Args {
		total += a.Size()
	}
	for _, a := range c.Aux {
		total += a.Size()
	}
	return total
}

// Memory returns the number of bytes used by arguments and auxiliary states.
func (c *Checkpoint) Memory() int {
	total := 0
	for _, a := range c.Args {
		total += a.Memory()
	}
	for _, a := range c.Aux {
		total += a.Memory()
	}
	return total
}

// NotFoundError is returned when a checkpoint file doesn't exist.
type NotFoundError struct {
	Ref   Ref
	Epoch int
	Path  string
}

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %q epoch %d not found: %q does not exist", e.Ref, e.Epoch, e.Path)
}

// Exists returns whether both the topology and the parameters of the epoch exist.
func Exists(ref Ref, epoch int) bool {
	for _, path := range []string{ref.SymbolPath(), ref.ParamsPath(epoch)} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Load reads the checkpoint of the given epoch.
//
// It returns a *NotFoundError if either file is missing. Other errors mean the files are invalid.
func Load(ref Ref, epoch int) (*Checkpoint, error) {
	for _, path := range []string{ref.SymbolPath(), ref.ParamsPath(epoch)} {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, &NotFoundError{Ref: ref, Epoch: epoch, Path: path}
			}
			return nil, errors.Wrapf(err, "checking checkpoint file %q", path)
		}
	}
	sym, err := symbol.Load(ref.SymbolPath())
	if err != nil {
		return nil, err
	}
	arrays, err := ndarray.Load(ref.ParamsPath(epoch))
	if err != nil {
		return nil, err
	}
	args, aux, err := ndarray.SplitArgsAux(arrays)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", ref.ParamsPath(epoch))
	}
	klog.V(1).Infof("Loaded checkpoint %q epoch %d: %d arguments, %d auxiliary states", ref, epoch, len(args), len(aux))
	return &Checkpoint{Symbol: sym, Args: args, Aux: aux}, nil
}

// Save writes the checkpoint for the given epoch: the topology file is (re-)written and a new
// parameters file is created. Both are written atomically.
func Save(ref Ref, epoch int, ckpt *Checkpoint) error {
	if err := os.MkdirAll(ref.Dir(), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", ref.Dir())
	}
	data, err := ckpt.Symbol.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "failed to serialize symbol")
	}
	if err = writeFileAtomic(ref.SymbolPath(), data); err != nil {
		return err
	}
	if err = ndarray.Save(ref.ParamsPath(epoch), ndarray.JoinArgsAux(ckpt.Args, ckpt.Aux)); err != nil {
		return err
	}
	klog.V(1).Infof("Saved checkpoint %q", ref.ParamsPath(epoch))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpPath, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

// Epochs lists, in increasing order, the epochs with a parameters file for the model.
func Epochs(ref Ref) ([]int, error) {
	entries, err := os.ReadDir(ref.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list checkpoint directory %q", ref.Dir())
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(ref.Name()) + `-(\d{4,})\.params$`)
	var epochs []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := pattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		epoch, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	slices.Sort(epochs)
	return epochs, nil
}

// Latest returns the highest saved epoch, or -1 if there are none.
func Latest(ref Ref) (int, error) {
	epochs, err := Epochs(ref)
	if err != nil || len(epochs) == 0 {
		return -1, err
	}
	return epochs[len(epochs)-1], nil
}

// Files stores checkpoints in the local filesystem, with Load and Save.
type Files struct{}

// Load implements a checkpoint store, see Load.
func (Files) Load(ref Ref, epoch int) (*Checkpoint, error) { return Load(ref, epoch) }

// Save implements a checkpoint store, see Save.
func (Files) Save(ref Ref, epoch int, ckpt *Checkpoint) error { return Save(ref, epoch, ckpt) }
