package ndarray

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	arrays := map[string]*Array{
		"arg:conv1_1_weight": FromFloat32s([]float32{1, 2, 3, 4, 5, 6}, 1, 1, 2, 3),
		"arg:conv1_1_bias":   FromFloat32s([]float32{0.5}, 1),
		"aux:bn_moving_mean": FromFloat32s([]float32{-1, 1}, 2),
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, arrays))
	encoded := bytes.Clone(buf.Bytes())

	// Header: list magic, reserved, count.
	require.Equal(t, ListMagic, binary.LittleEndian.Uint64(encoded[0:8]))
	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(encoded[16:24]))

	decoded, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for name, want := range arrays {
		require.Truef(t, want.Equal(decoded[name]), "array %q changed: %s vs %s", name, want, decoded[name])
	}

	// Re-encoding must yield the exact same bytes.
	var buf2 bytes.Buffer
	require.NoError(t, Encode(&buf2, decoded))
	require.Equal(t, encoded, buf2.Bytes())
}

func TestFloat16(t *testing.T) {
	a := FromFloat32s([]float32{0, 1, -2, 0.5}, 2, 2)
	half, err := a.AsFloat16()
	require.NoError(t, err)
	require.Equal(t, dtypes.Float16, half.DType)
	require.Len(t, half.Data, 8)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]*Array{"arg:x": half}))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	values, err := decoded["arg:x"].Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{0, 1, -2, 0.5}, values)
}

func TestDecodeLegacyV1(t *testing.T) {
	// Hand-built V1 array: magic, shape (uint32 rank, int64 dims), context, type flag, data.
	var buf bytes.Buffer
	w := func(v any) { require.NoError(t, binary.Write(&buf, binary.LittleEndian, v)) }
	w(ListMagic)
	w(uint64(0))
	w(uint64(1))
	w(V1Magic)
	w(uint32(1))
	w(int64(2))
	w(int32(1))
	w(int32(0))
	w(int32(1)) // float64
	w(math.Float64bits(3))
	w(math.Float64bits(-4))
	w(uint64(1))
	w(uint64(5))
	buf.WriteString("arg:w")

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	a := decoded["arg:w"]
	require.NotNil(t, a)
	assert.Equal(t, dtypes.Float64, a.DType)
	assert.Equal(t, []int{2}, a.Shape)
	values, err := a.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, -4}, values)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(0x999)))
	_, err = Decode(&buf)
	require.ErrorContains(t, err, "magic")

	// Truncated data.
	buf.Reset()
	require.NoError(t, Encode(&buf, map[string]*Array{"arg:w": FromFloat32s([]float32{1, 2, 3}, 3)}))
	truncated := buf.Bytes()[:buf.Len()-20]
	_, err = Decode(bytes.NewReader(truncated))
	require.Error(t, err)
}

func TestSplitJoinArgsAux(t *testing.T) {
	w := FromFloat32s([]float32{1}, 1)
	m := FromFloat32s([]float32{2}, 1)
	args, aux, err := SplitArgsAux(map[string]*Array{"arg:fc_weight": w, "aux:bn_moving_mean": m})
	require.NoError(t, err)
	require.Equal(t, map[string]*Array{"fc_weight": w}, args)
	require.Equal(t, map[string]*Array{"bn_moving_mean": m}, aux)
	require.Equal(t, map[string]*Array{"arg:fc_weight": w, "aux:bn_moving_mean": m}, JoinArgsAux(args, aux))

	_, _, err = SplitArgsAux(map[string]*Array{"fc_weight": w})
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model-0003.params")
	arrays := map[string]*Array{"arg:w": FromFloat32s([]float32{1, 2}, 2)}
	require.NoError(t, Save(path, arrays))
	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, arrays["arg:w"].Equal(loaded["arg:w"]))

	_, err = Load(filepath.Join(t.TempDir(), "missing.params"))
	require.Error(t, err)
}
