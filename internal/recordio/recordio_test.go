package recordio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	withMagic := make([]byte, 16)
	binary.LittleEndian.PutUint32(withMagic[4:], Magic)
	binary.LittleEndian.PutUint32(withMagic[12:], Magic)
	records := [][]byte{
		[]byte("hello"),
		{},
		[]byte("1234"),
		withMagic,
		bytes.Repeat([]byte{7}, 1001),
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	var offsets []int64
	for _, rec := range records {
		offset, err := w.Write(rec)
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.NoError(t, w.Flush())
	require.Equal(t, int64(buf.Len()), w.Offset())
	require.Zero(t, buf.Len()%4)

	r := NewReader(bytes.NewReader(buf.Bytes()))
	for ii, want := range records {
		require.Equal(t, offsets[ii], r.Offset())
		got, err := r.Next()
		require.NoErrorf(t, err, "record #%d", ii)
		require.Equalf(t, want, got, "record #%d", ii)
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)

	// Seek to a record by its offset.
	require.NoError(t, r.SeekRecord(offsets[3]))
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, withMagic, got)

	require.NoError(t, r.Reset())
	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestMultiPartEncoding(t *testing.T) {
	record := make([]byte, 8)
	binary.LittleEndian.PutUint32(record[4:], Magic)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.Write(record)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	data := buf.Bytes()
	// Two parts: [magic, lrec(start, 4), 4 bytes] + [magic, lrec(end, 0)].
	require.Len(t, data, 8+4+8)
	cflag, length := decodeLRec(binary.LittleEndian.Uint32(data[4:]))
	assert.Equal(t, uint32(flagStart), cflag)
	assert.Equal(t, uint32(4), length)
	cflag, length = decodeLRec(binary.LittleEndian.Uint32(data[16:]))
	assert.Equal(t, uint32(flagEnd), cflag)
	assert.Equal(t, uint32(0), length)
}

func TestReaderErrors(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	_, err := r.Next()
	require.ErrorContains(t, err, "magic")

	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err = w.Write([]byte("some record"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	r = NewReader(bytes.NewReader(buf.Bytes()[:buf.Len()-4]))
	_, err = r.Next()
	require.ErrorContains(t, err, "truncated")

	r = NewReader(bytes.NewBuffer(nil))
	require.Error(t, r.Reset())
}

func TestPackUnpack(t *testing.T) {
	payload := []byte("\xff\xd8 jpeg bytes")
	record := Pack(Header{Label: 17, ID: 3}, payload)
	h, got, err := Unpack(record)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), h.Flag)
	assert.Equal(t, float32(17), h.Label)
	assert.Equal(t, float32(17), h.ClassLabel())
	assert.Equal(t, uint64(3), h.ID)
	assert.Equal(t, payload, got)

	record = Pack(Header{Labels: []float32{4, 0.5}, ID: 9}, payload)
	h, got, err = Unpack(record)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.Flag)
	assert.Equal(t, []float32{4, 0.5}, h.Labels)
	assert.Equal(t, float32(4), h.ClassLabel())
	assert.Equal(t, payload, got)

	_, _, err = Unpack([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestIndex(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "train.rec")
	w, err := Create(recPath)
	require.NoError(t, err)
	var entries []IndexEntry
	for ii := range 5 {
		offset, err := w.Write(Pack(Header{Label: float32(ii), ID: uint64(ii)}, []byte{byte(ii)}))
		require.NoError(t, err)
		entries = append(entries, IndexEntry{Key: uint64(ii), Offset: offset})
	}
	require.NoError(t, w.Close())
	idxPath := filepath.Join(dir, "train.idx")
	require.NoError(t, WriteIndex(idxPath, entries))

	f, err := os.Open(idxPath)
	require.NoError(t, err)
	defer f.Close()
	read, err := ReadIndex(f)
	require.NoError(t, err)
	require.Equal(t, entries, read)

	r, err := Open(recPath)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.SeekRecord(read[3].Offset))
	record, err := r.Next()
	require.NoError(t, err)
	h, payload, err := Unpack(record)
	require.NoError(t, err)
	assert.Equal(t, float32(3), h.Label)
	assert.Equal(t, []byte{3}, payload)
}
