package imageiter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/finetune/internal/recordio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadList(t *testing.T) {
	entries, err := ReadList(strings.NewReader("0\t3\tcars/a.jpg\n\n7\t1\t2\tcars/b.png\n"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ListEntry{Index: 0, Labels: []float32{3}, Path: "cars/a.jpg"}, entries[0])
	assert.Equal(t, ListEntry{Index: 7, Labels: []float32{1, 2}, Path: "cars/b.png"}, entries[1])

	_, err = ReadList(strings.NewReader("0\tcars/a.jpg\n"))
	require.Error(t, err)
	_, err = ReadList(strings.NewReader("x\t1\tcars/a.jpg\n"))
	require.Error(t, err)
}

func TestPack(t *testing.T) {
	root := t.TempDir()
	var list strings.Builder
	for label := range 3 {
		name := fmt.Sprintf("img%d.png", label)
		require.NoError(t, imaging.Save(imaging.New(20, 10, solidColor(label)), filepath.Join(root, name)))
		_, _ = fmt.Fprintf(&list, "%d\t%d\t%s\n", 10+label, label, name)
	}
	listPath := filepath.Join(root, "train.lst")
	require.NoError(t, os.WriteFile(listPath, []byte(list.String()), 0o644))

	recPath := filepath.Join(t.TempDir(), "train.rec")
	n, err := Pack(listPath, root, recPath, PackOptions{Resize: 8})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := os.Open(strings.TrimSuffix(recPath, ".rec") + ".idx")
	require.NoError(t, err)
	index, err := recordio.ReadIndex(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	require.Len(t, index, 3)
	assert.Equal(t, uint64(12), index[2].Key)

	r, err := recordio.Open(recPath)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.NoError(t, r.SeekRecord(index[1].Offset))
	record, err := r.Next()
	require.NoError(t, err)
	header, payload, err := recordio.Unpack(record)
	require.NoError(t, err)
	assert.Equal(t, float32(1), header.ClassLabel())
	assert.Equal(t, uint64(11), header.ID)
	img, err := imaging.Decode(strings.NewReader(string(payload)))
	require.NoError(t, err)
	// Shorter edge resized to 8.
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())

	// The packed file is readable as a dataset.
	ds, err := New(recPath, Options{Name: "packed", BatchSize: 3, DataShape: []int{3, 8, 8}})
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Close()) }()
	assert.Equal(t, 3, ds.NumRecords())

	_, err = Pack(filepath.Join(root, "missing.lst"), root, recPath, PackOptions{})
	require.Error(t, err)
}
