// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageiter

import (
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset wraps a thread-safe train.Dataset and calls its Yield from multiple goroutines,
// buffering the batches produced. Batches may be yielded in a different order than the wrapped
// dataset would produce them sequentially.
//
// Call Close when done, to stop the goroutines.
type ParallelDataset struct {
	Dataset train.Dataset

	parallelism, bufferSize int

	cache         chan yieldUnit
	epochFinished chan struct{}
	stopEpoch     chan struct{}

	mu      sync.Mutex
	err     error
	stopped bool
	closed  bool
}

type yieldUnit struct {
	spec           any
	inputs, labels []*tensors.Tensor
}

// Parallel starts parallelism goroutines generating batches from ds, buffering up to bufferSize
// batches. If parallelism <= 0 it is set to 1.
func Parallel(ds train.Dataset, parallelism, bufferSize int) *ParallelDataset {
	pd := &ParallelDataset{
		Dataset:     ds,
		parallelism: max(parallelism, 1),
		bufferSize:  max(bufferSize, 0),
	}
	pd.cache = make(chan yieldUnit, pd.bufferSize)
	pd.startGoRoutines()
	return pd
}

func (pd *ParallelDataset) startGoRoutines() {
	epochFinished := make(chan struct{})
	stopEpoch := make(chan struct{})
	pd.epochFinished, pd.stopEpoch = epochFinished, stopEpoch
	pd.stopped = false

	var wg sync.WaitGroup
	for range pd.parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopEpoch:
					return
				default:
				}
				var unit yieldUnit
				var err error
				unit.spec, unit.inputs, unit.labels, err = pd.Dataset.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					klog.Errorf("Dataset %q failed: %+v", pd.Dataset.Name(), err)
					pd.mu.Lock()
					if pd.err == nil {
						pd.err = err
					}
					pd.mu.Unlock()
					pd.stop()
					return
				}
				select {
				case <-stopEpoch:
					return
				case pd.cache <- unit:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(epochFinished)
	}()
}

// stop signals the goroutines of the current epoch to stop.
func (pd *ParallelDataset) stop() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if !pd.stopped {
		close(pd.stopEpoch)
		pd.stopped = true
	}
}

// drain discards buffered batches until all goroutines of the current epoch have exited.
func (pd *ParallelDataset) drain() {
	for {
		select {
		case <-pd.cache:
		case <-pd.epochFinished:
			for {
				select {
				case <-pd.cache:
				default:
					return
				}
			}
		}
	}
}

// Name implements train.Dataset.
func (pd *ParallelDataset) Name() string {
	return pd.Dataset.Name()
}

// Reset implements train.Dataset.
func (pd *ParallelDataset) Reset() {
	if pd.closed {
		return
	}
	pd.stop()
	pd.drain()
	pd.Dataset.Reset()
	pd.mu.Lock()
	pd.err = nil
	pd.mu.Unlock()
	pd.startGoRoutines()
}

// Yield implements train.Dataset.
func (pd *ParallelDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if pd.closed {
		return nil, nil, nil, errors.Errorf("ParallelDataset(%q).Yield called after Close", pd.Name())
	}
	var unit yieldUnit
	select {
	case unit = <-pd.cache:
	case <-pd.epochFinished:
		// Exhaust what is left in the cache.
		select {
		case unit = <-pd.cache:
		default:
			pd.mu.Lock()
			err = pd.err
			pd.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return
		}
	}
	return unit.spec, unit.inputs, unit.labels, nil
}

// Close stops the goroutines. The ParallelDataset can no longer be used.
func (pd *ParallelDataset) Close() {
	if pd.closed {
		return
	}
	pd.stop()
	pd.drain()
	pd.closed = true
}

// String implements fmt.Stringer.
func (pd *ParallelDataset) String() string {
	return fmt.Sprintf("%s [parallel x%d]", pd.Dataset.Name(), pd.parallelism)
}
