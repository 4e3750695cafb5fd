// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package finetune drives the fine-tuning of a pre-trained image classifier.
//
// A run starts from either a ColdStart, where the classifier of a pre-trained network is replaced
// by a new fully-connected layer sized for the target classes, or from a Resumed checkpoint of a
// previous run. ResolveStartingPoint loads the network and parameters, and Run trains them,
// saving a checkpoint at the end of every epoch.
package finetune

import (
	"fmt"

	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/gomlx/finetune/pkg/ndarray"
	"github.com/gomlx/finetune/pkg/symbol"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Store loads and saves checkpoints. modelstore.Files implements it.
type Store interface {
	Load(ref modelstore.Ref, epoch int) (*modelstore.Checkpoint, error)
	Save(ref modelstore.Ref, epoch int, ckpt *modelstore.Checkpoint) error
}

// StartingPoint is either a ColdStart or a Resumed run.
type StartingPoint interface {
	fmt.Stringer
	isStartingPoint()
}

// ColdStart replaces the classifier of the pre-trained model saved as epoch 0 of Source.
type ColdStart struct {
	Source modelstore.Ref
}

func (ColdStart) isStartingPoint() {}

// String implements fmt.Stringer.
func (s ColdStart) String() string {
	return fmt.Sprintf("cold start from %q", s.Source)
}

// Resumed continues training from the checkpoint of the given epoch.
type Resumed struct {
	Ref   modelstore.Ref
	Epoch int
}

func (Resumed) isStartingPoint() {}

// String implements fmt.Stringer.
func (s Resumed) String() string {
	return fmt.Sprintf("resume %q from epoch %d", s.Ref, s.Epoch)
}

// NewStartingPoint selects a ColdStart from source if startEpoch <= 0, or resumes the checkpoint
// of checkpoints at startEpoch otherwise.
func NewStartingPoint(startEpoch int, source, checkpoints modelstore.Ref) StartingPoint {
	if startEpoch <= 0 {
		return ColdStart{Source: source}
	}
	return Resumed{Ref: checkpoints, Epoch: startEpoch}
}

// SurgeryContract names the layers involved in replacing the classifier of a pre-trained network.
type SurgeryContract struct {
	// AnchorLayer is the last layer kept from the pre-trained network.
	AnchorLayer string

	// NewLayer is the name of the new fully-connected layer. Parameters named "<NewLayer>_*" are
	// dropped from the pre-trained ones.
	NewLayer string

	// OutputLayer is the name of the new softmax output.
	OutputLayer string
}

// ContractFromConfig returns the surgery contract configured.
func ContractFromConfig(cfg config.SurgeryConfig) SurgeryContract {
	return SurgeryContract{AnchorLayer: cfg.AnchorLayer, NewLayer: cfg.NewLayer, OutputLayer: cfg.OutputLayer}
}

// Start is a resolved starting point: the network to train and its initial parameters.
type Start struct {
	Point  StartingPoint
	Symbol *symbol.Symbol
	Args   map[string]*ndarray.Array
	Aux    map[string]*ndarray.Array

	// AllowMissing parameters, to be initialized by the training engine.
	AllowMissing bool

	// BeginEpoch is the number of the first epoch to train.
	BeginEpoch int
}

// ResolveStartingPoint loads the network and parameters of the starting point. It only reads from the
// store, and resolving the same starting point twice yields equivalent results.
//
// For a ColdStart the network is truncated at the contract's anchor layer and a new fully-connected
// layer with numClasses outputs plus a softmax output are attached; the parameters of the new layer
// are dropped, and AllowMissing is set. A Resumed checkpoint is returned as loaded.
//
// It returns a *NotFoundError if the checkpoint doesn't exist, and a *ConfigurationError if it is
// malformed or the contract can't be applied to it.
func ResolveStartingPoint(store Store, sp StartingPoint, contract SurgeryContract, numClasses int) (*Start, error) {
	switch sp := sp.(type) {
	case ColdStart:
		return resolveColdStart(store, sp, contract, numClasses)
	case Resumed:
		ckpt, err := loadCheckpoint(store, sp.Ref, sp.Epoch)
		if err != nil {
			return nil, err
		}
		klog.Infof("Loaded epoch %d of %q", sp.Epoch, sp.Ref)
		return &Start{
			Point:      sp,
			Symbol:     ckpt.Symbol,
			Args:       ckpt.Args,
			Aux:        ckpt.Aux,
			BeginEpoch: sp.Epoch,
		}, nil
	}
	return nil, errors.Errorf("unknown starting point %T", sp)
}

func loadCheckpoint(store Store, ref modelstore.Ref, epoch int) (*modelstore.Checkpoint, error) {
	ckpt, err := store.Load(ref, epoch)
	if err != nil {
		var notFound *modelstore.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &NotFoundError{Ref: ref, Epoch: epoch, Err: err}
		}
		return nil, configErrorf(err, "invalid checkpoint %q epoch %d", ref, epoch)
	}
	return ckpt, nil
}

// Validate checks the contract can be applied to the network.
func (c SurgeryContract) Validate(net *symbol.Symbol, numClasses int) error {
	switch {
	case numClasses <= 0:
		return configErrorf(nil, "invalid number of classes %d", numClasses)
	case c.AnchorLayer == "" || c.NewLayer == "" || c.OutputLayer == "":
		return configErrorf(nil, "surgery contract %+v has empty layer names", c)
	case c.NewLayer == c.OutputLayer:
		return configErrorf(nil, "new layer and output layer are both named %q", c.NewLayer)
	}
	anchorNode := net.Node(c.AnchorLayer)
	if anchorNode == nil || anchorNode.IsVariable() {
		return configErrorf(nil, "layer %q (internal output %q) not found in the network",
			c.AnchorLayer, c.AnchorLayer+symbol.OutputSuffix)
	}
	return nil
}

func resolveColdStart(store Store, sp ColdStart, contract SurgeryContract, numClasses int) (*Start, error) {
	ckpt, err := loadCheckpoint(store, sp.Source, 0)
	if err != nil {
		return nil, err
	}
	if err := contract.Validate(ckpt.Symbol, numClasses); err != nil {
		return nil, err
	}
	anchor, err := ckpt.Symbol.Internal(contract.AnchorLayer + symbol.OutputSuffix)
	if err != nil {
		return nil, configErrorf(err, "locating layer %q", contract.AnchorLayer)
	}
	for _, n := range anchor.Nodes {
		if n.Name == contract.NewLayer || n.Name == contract.OutputLayer || symbol.ParamBelongsTo(n.Name, contract.NewLayer) {
			return nil, configErrorf(nil, "name %q is already used below layer %q", n.Name, contract.AnchorLayer)
		}
	}
	net := symbol.FullyConnected(anchor, contract.NewLayer, numClasses)
	net = symbol.SoftmaxOutput(net, contract.OutputLayer)

	args := make(map[string]*ndarray.Array, len(ckpt.Args))
	var dropped []string
	for name, value := range ckpt.Args {
		if symbol.ParamBelongsTo(name, contract.NewLayer) {
			dropped = append(dropped, name)
			continue
		}
		args[name] = value
	}
	klog.Infof("Loaded pre-trained %q, attached %q (%d classes) to %q, dropped parameters %q",
		sp.Source, contract.NewLayer, numClasses, contract.AnchorLayer, dropped)
	return &Start{
		Point:        sp,
		Symbol:       net,
		Args:         args,
		Aux:          ckpt.Aux,
		AllowMissing: true,
		BeginEpoch:   0,
	}, nil
}
