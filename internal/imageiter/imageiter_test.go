package imageiter

import (
	"bytes"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/finetune/internal/recordio"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// solidColor returns the color used for the image with the given label.
func solidColor(label int) color.NRGBA {
	return color.NRGBA{R: uint8(10 + label), G: uint8(100 + label), B: uint8(200 + label), A: 255}
}

// writeRecords creates a record file with one solid color image per label, and returns the path
// and the offsets of the records.
func writeRecords(t *testing.T, numRecords, width, height int) (string, []int64) {
	path := filepath.Join(t.TempDir(), "images.rec")
	w, err := recordio.Create(path)
	require.NoError(t, err)
	var offsets []int64
	for label := range numRecords {
		img := imaging.New(width, height, solidColor(label))
		var buf bytes.Buffer
		require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
		offset, err := w.Write(recordio.Pack(recordio.Header{Label: float32(label), ID: uint64(label)}, buf.Bytes()))
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.NoError(t, w.Close())
	return path, offsets
}

func yieldLabels(t *testing.T, ds interface {
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
}) (batches [][]int32) {
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		batch := labels[0].Shape().Dimensions[0]
		require.Equal(t, []int{batch, 3, 8, 8}, inputs[0].Shape().Dimensions)
		require.Equal(t, []int{batch, 1}, labels[0].Shape().Dimensions)
		batches = append(batches, tensors.MustCopyFlatData[int32](labels[0]))
	}
}

func TestEvalDataset(t *testing.T) {
	path, _ := writeRecords(t, 5, 12, 10)
	mean := [3]float32{1, 2, 3}
	ds, err := New(path, Options{Name: "val", BatchSize: 2, DataShape: []int{3, 8, 8}, Mean: mean})
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Close()) }()
	assert.Equal(t, 5, ds.NumRecords())
	assert.Equal(t, 3, ds.NumBatches())

	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	data := tensors.MustCopyFlatData[float32](inputs[0])
	plane := 8 * 8
	for example := range 2 {
		c := solidColor(example)
		base := example * 3 * plane
		assert.Equal(t, float32(c.R)-mean[0], data[base])
		assert.Equal(t, float32(c.G)-mean[1], data[base+plane+17])
		assert.Equal(t, float32(c.B)-mean[2], data[base+3*plane-1])
	}

	ds.Reset()
	assert.Equal(t, [][]int32{{0, 1}, {2, 3}, {4}}, yieldLabels(t, ds))
	ds.Reset()
	assert.Equal(t, [][]int32{{0, 1}, {2, 3}, {4}}, yieldLabels(t, ds))
}

func TestTrainDatasetFullBatches(t *testing.T) {
	path, _ := writeRecords(t, 5, 12, 10)
	ds, err := New(path, Options{
		Name: "train", BatchSize: 2, DataShape: []int{3, 8, 8}, Train: true,
		RandCrop: true, RandMirror: true, Rotate: 15, MaxShearRatio: 0.1, Seed: 7,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Close()) }()
	assert.Equal(t, [][]int32{{0, 1}, {2, 3}, {4, 0}}, yieldLabels(t, ds))

	// Shuffled epochs still see every record, and are reproducible.
	ds.opts.Shuffle = true
	ds.Reset()
	first := slices.Concat(yieldLabels(t, ds)...)
	require.Len(t, first, 6)
	seen := slices.Clone(first[:5])
	slices.Sort(seen)
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, seen)
}

func TestSmallImagesAreResized(t *testing.T) {
	path, _ := writeRecords(t, 2, 4, 3)
	ds, err := New(path, Options{Name: "val", BatchSize: 2, DataShape: []int{3, 8, 8}})
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Close()) }()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	data := tensors.MustCopyFlatData[float32](inputs[0])
	assert.Equal(t, float32(solidColor(1).G), data[3*64+64+30])
}

func TestIndexOrder(t *testing.T) {
	path, offsets := writeRecords(t, 4, 8, 8)
	var entries []recordio.IndexEntry
	for ii, offset := range offsets {
		entries = append(entries, recordio.IndexEntry{Key: uint64(len(offsets) - ii), Offset: offset})
	}
	require.NoError(t, recordio.WriteIndex(filepath.Join(filepath.Dir(path), "images.idx"), entries))
	ds, err := New(path, Options{Name: "val", BatchSize: 3, DataShape: []int{3, 8, 8}})
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Close()) }()
	assert.Equal(t, [][]int32{{3, 2, 1}, {0}}, yieldLabels(t, ds))
}

func TestNewErrors(t *testing.T) {
	path, _ := writeRecords(t, 1, 8, 8)
	_, err := New(path, Options{BatchSize: 0, DataShape: []int{3, 8, 8}})
	require.Error(t, err)
	_, err = New(path, Options{BatchSize: 1, DataShape: []int{1, 8, 8}})
	require.Error(t, err)
	_, err = New(filepath.Join(t.TempDir(), "missing.rec"), Options{BatchSize: 1, DataShape: []int{3, 8, 8}})
	require.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.rec")
	w, err := recordio.Create(empty)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = New(empty, Options{BatchSize: 1, DataShape: []int{3, 8, 8}})
	require.ErrorContains(t, err, "no records")
}

func TestParallel(t *testing.T) {
	path, _ := writeRecords(t, 7, 9, 9)
	ds, err := New(path, Options{Name: "train", BatchSize: 2, DataShape: []int{3, 8, 8}, Train: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Close()) }()
	pds := Parallel(ds, 3, 2)
	defer pds.Close()
	assert.Equal(t, "train", pds.Name())

	for range 3 {
		labels := slices.Concat(yieldLabels(t, pds)...)
		slices.Sort(labels)
		assert.Equal(t, []int32{0, 0, 1, 2, 3, 4, 5, 6}, labels)
		pds.Reset()
	}

	// Reset in the middle of an epoch.
	_, _, _, err = pds.Yield()
	require.NoError(t, err)
	pds.Reset()
	assert.Len(t, yieldLabels(t, pds), 4)
}

func TestWarpAffineKeepsSize(t *testing.T) {
	img := imaging.New(6, 4, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	out := warpAffine(img, 0, 0)
	assert.Equal(t, image.Rect(0, 0, 6, 4), out.Bounds())
	assert.Equal(t, img.Pix, out.Pix)

	out = warpAffine(img, 90, 0)
	assert.Equal(t, image.Rect(0, 0, 6, 4), out.Bounds())
	// Corners are uncovered by a 90 degrees rotation of a non-square image.
	assert.Equal(t, fillColor, out.NRGBAAt(0, 0))

	// The center pixel stays in place under rotation and shear.
	img = imaging.New(5, 5, color.NRGBA{A: 255})
	center := color.NRGBA{R: 200, G: 100, B: 50, A: 255}
	img.SetNRGBA(2, 2, center)
	out = warpAffine(img, 30, 0.2)
	assert.Equal(t, image.Rect(0, 0, 5, 5), out.Bounds())
	assert.Equal(t, center, out.NRGBAAt(2, 2))
	assert.Equal(t, color.NRGBA{A: 255}, out.NRGBAAt(2, 0))
}
