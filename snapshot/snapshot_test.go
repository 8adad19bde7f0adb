package snapshot

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testModule = []byte("\x00asm\x01\x00\x00\x00 not a real module")

func testHeader() Header {
	return Header{
		ABIVersion: 1,
		ModuleHash: HashModule(testModule),
		RuntimePtr: 0x11000,
		ContextPtr: 0x12000,
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	memory := bytes.Repeat([]byte{0xab, 0x00, 0xcd, 0x00}, 64*1024)

	blob, err := Encode(testHeader(), memory)
	require.NoError(t, err)
	assert.Less(t, len(blob), len(memory), "repetitive memory should compress")

	h, got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, h.FormatVersion)
	assert.Equal(t, uint32(1), h.ABIVersion)
	assert.Equal(t, uint32(0x11000), h.RuntimePtr)
	assert.Equal(t, uint32(0x12000), h.ContextPtr)
	assert.Equal(t, uint64(len(memory)), h.MemorySize)
	assert.Equal(t, memory, got)

	require.NoError(t, h.Validate(testModule, 1))
}

func TestEncodeEmptyMemory(t *testing.T) {
	blob, err := Encode(testHeader(), nil)
	require.NoError(t, err)

	h, got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.MemorySize)
	assert.Empty(t, got)
}

func TestDecodeCorrupt(t *testing.T) {
	blob, err := Encode(testHeader(), []byte("engine memory image"))
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, _, err := Decode(blob[:10])
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[0] = 'X'
		_, _, err := Decode(bad)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("mangled payload", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		for i := headerSize; i < len(bad); i++ {
			bad[i] ^= 0xff
		}
		_, _, err := Decode(bad)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("size mismatch", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[54] ^= 0x01 // memory size field
		_, _, err := Decode(bad)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("oversized memory image", func(t *testing.T) {
		// A hostile size field must be rejected before anything is
		// allocated from it.
		bad := append([]byte(nil), blob...)
		binary.LittleEndian.PutUint64(bad[54:62], 1<<60)
		_, _, err := Decode(bad)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestValidateMismatch(t *testing.T) {
	h := testHeader()
	h.FormatVersion = FormatVersion

	t.Run("module hash", func(t *testing.T) {
		other := append([]byte(nil), testModule...)
		other[4] ^= 0xff
		err := h.Validate(other, 1)
		assert.ErrorIs(t, err, ErrModuleMismatch)
	})

	t.Run("abi version", func(t *testing.T) {
		err := h.Validate(testModule, 2)
		assert.ErrorIs(t, err, ErrABIMismatch)
	})

	t.Run("format version", func(t *testing.T) {
		hh := h
		hh.FormatVersion = FormatVersion + 1
		err := hh.Validate(testModule, 1)
		assert.ErrorIs(t, err, ErrFormatUnsupported)
	})

	t.Run("reserved flags", func(t *testing.T) {
		hh := h
		hh.Flags = 0x4
		err := hh.Validate(testModule, 1)
		assert.ErrorIs(t, err, ErrFlagsUnsupported)
	})

	t.Run("null pointers", func(t *testing.T) {
		hh := h
		hh.RuntimePtr = 0
		err := hh.Validate(testModule, 1)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}
