// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imageiter implements a train.Dataset of image classification batches read from a
// RecordIO file of packed images (see package recordio).
//
// Images are decoded, augmented (for training), cropped to the configured data shape and have the
// per-channel mean subtracted. Batches are yielded as float32 tensors shaped [batch, 3, height, width]
// (channels first) and int32 labels shaped [batch, 1].
//
// A training Dataset always yields full batches: the last batch of an epoch wraps around to the
// first records. An evaluation Dataset yields a smaller last batch instead.
package imageiter

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/finetune/internal/recordio"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of a Dataset.
type Options struct {
	// Name of the dataset, e.g. "train" or "val".
	Name string

	BatchSize int

	// DataShape is (channels, height, width). Channels must be 3.
	DataShape []int

	// Mean is the per channel (RGB) value subtracted from the pixels.
	Mean [3]float32

	// Train enables full batches (wrapping around the end of the records) and the augmentations below.
	Train bool

	// Shuffle the records at the start of every epoch.
	Shuffle bool

	RandCrop   bool
	RandMirror bool

	// Rotate is the maximum rotation angle in degrees.
	Rotate float64

	// MaxShearRatio is the maximum horizontal shear.
	MaxShearRatio float64

	Seed uint64
}

// Dataset of image batches read from a RecordIO file. It implements train.Dataset, and its Yield
// method is safe for concurrent use (see Parallel).
type Dataset struct {
	opts          Options
	path          string
	height, width int

	mu      sync.Mutex
	reader  *recordio.Reader
	offsets []int64
	order   []int
	next    int
	yielded int
	epoch   int
}

// New opens the record file at path and indexes its records. If a ".idx" file exists next to it,
// the record offsets are read from it, otherwise the record file is scanned.
func New(path string, opts Options) (*Dataset, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("imageiter %q: invalid batch size %d", opts.Name, opts.BatchSize)
	}
	if len(opts.DataShape) != 3 || opts.DataShape[0] != 3 {
		return nil, errors.Errorf("imageiter %q: data shape must be (3, height, width), got %v", opts.Name, opts.DataShape)
	}
	reader, err := recordio.Open(path)
	if err != nil {
		return nil, err
	}
	d := &Dataset{
		opts:   opts,
		path:   path,
		height: opts.DataShape[1],
		width:  opts.DataShape[2],
		reader: reader,
	}
	d.offsets, err = d.readOffsets()
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	if len(d.offsets) == 0 {
		_ = reader.Close()
		return nil, errors.Errorf("imageiter %q: no records in %q", opts.Name, path)
	}
	d.order = make([]int, len(d.offsets))
	for ii := range d.order {
		d.order[ii] = ii
	}
	d.shuffle()
	klog.V(1).Infof("imageiter %q: %d records in %q, %d batches per epoch", opts.Name, len(d.offsets), path, d.NumBatches())
	return d, nil
}

func (d *Dataset) readOffsets() ([]int64, error) {
	idxPath := strings.TrimSuffix(d.path, ".rec") + ".idx"
	if idxPath != d.path {
		if f, err := os.Open(idxPath); err == nil {
			defer f.Close()
			entries, err := recordio.ReadIndex(f)
			if err != nil {
				return nil, errors.WithMessagef(err, "reading index %q", idxPath)
			}
			slices.SortFunc(entries, func(a, b recordio.IndexEntry) int {
				switch {
				case a.Key < b.Key:
					return -1
				case a.Key > b.Key:
					return 1
				}
				return 0
			})
			offsets := make([]int64, len(entries))
			for ii, e := range entries {
				offsets[ii] = e.Offset
			}
			return offsets, nil
		}
	}
	var offsets []int64
	for {
		offset := d.reader.Offset()
		_, err := d.reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "scanning %q", d.path)
		}
		offsets = append(offsets, offset)
	}
	return offsets, nil
}

// shuffle the record order for the current epoch, if configured. Must be called with the lock held.
func (d *Dataset) shuffle() {
	if !d.opts.Shuffle {
		return
	}
	rng := rand.New(rand.NewPCG(d.opts.Seed, uint64(d.epoch)))
	rng.Shuffle(len(d.order), func(i, j int) { d.order[i], d.order[j] = d.order[j], d.order[i] })
}

// Name implements train.Dataset.
func (d *Dataset) Name() string { return d.opts.Name }

// NumRecords in the record file.
func (d *Dataset) NumRecords() int { return len(d.offsets) }

// NumBatches yielded per epoch.
func (d *Dataset) NumBatches() int {
	return (len(d.offsets) + d.opts.BatchSize - 1) / d.opts.BatchSize
}

// BatchSize returns the (maximum) number of examples per batch.
func (d *Dataset) BatchSize() int { return d.opts.BatchSize }

// Reset implements train.Dataset: it starts a new epoch.
func (d *Dataset) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epoch++
	d.next = 0
	d.yielded = 0
	d.shuffle()
}

// Close the underlying record file.
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reader.Close()
}

type example struct {
	index  int
	record []byte
}

// nextExamples reads the records of the next batch, or returns io.EOF at the end of the epoch.
func (d *Dataset) nextExamples() (examples []example, epoch int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.yielded >= d.NumBatches() {
		return nil, d.epoch, io.EOF
	}
	d.yielded++
	examples = make([]example, 0, d.opts.BatchSize)
	for len(examples) < d.opts.BatchSize {
		if d.next == len(d.order) {
			if !d.opts.Train {
				break
			}
			d.next = 0
		}
		index := d.order[d.next]
		d.next++
		if err = d.reader.SeekRecord(d.offsets[index]); err != nil {
			return nil, d.epoch, err
		}
		record, err := d.reader.Next()
		if err != nil {
			return nil, d.epoch, errors.WithMessagef(err, "reading record #%d of %q", index, d.path)
		}
		examples = append(examples, example{index: index, record: record})
	}
	return examples, d.epoch, nil
}

// Yield implements train.Dataset.
func (d *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	examples, epoch, err := d.nextExamples()
	if err != nil {
		return nil, nil, nil, err
	}
	batchSize := len(examples)
	imageSize := 3 * d.height * d.width
	data := make([]float32, batchSize*imageSize)
	classes := make([]int32, batchSize)
	for ii, ex := range examples {
		header, payload, err := recordio.Unpack(ex.record)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "record #%d of %q", ex.index, d.path)
		}
		classes[ii] = int32(header.ClassLabel())
		img, err := imaging.Decode(bytes.NewReader(payload))
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "decoding image of record #%d of %q", ex.index, d.path)
		}
		rng := rand.New(rand.NewPCG(d.opts.Seed^uint64(epoch)<<32, uint64(ex.index)))
		d.fill(data[ii*imageSize:(ii+1)*imageSize], d.prepare(img, rng))
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(data, batchSize, 3, d.height, d.width)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(classes, batchSize, 1)}
	return nil, inputs, labels, nil
}

// fill writes the image in channels-first order, subtracting the mean.
func (d *Dataset) fill(dst []float32, img *image.NRGBA) {
	plane := d.height * d.width
	for y := range d.height {
		row := img.Pix[y*img.Stride:]
		for x := range d.width {
			pix := row[4*x : 4*x+3]
			pos := y*d.width + x
			for c := range 3 {
				dst[c*plane+pos] = float32(pix[c]) - d.opts.Mean[c]
			}
		}
	}
}

// String describes the dataset.
func (d *Dataset) String() string {
	return fmt.Sprintf("imageiter %q (%s): %d records, batch %d, shape %v", d.opts.Name, d.path,
		len(d.offsets), d.opts.BatchSize, d.opts.DataShape)
}
