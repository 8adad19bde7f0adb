// Package snapshot encodes and decodes sandbox memory snapshots: a fully
// initialized (and optionally script-loaded) engine's linear memory image,
// prefixed by a compatibility header binding it to the exact module binary
// and shim ABI it was captured from.
package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Blob layout:
//
//	[0:4]   magic "QJSS"
//	[4:6]   format version (u16 LE)
//	[6:10]  shim ABI version (u32 LE)
//	[10:14] flags (u32 LE), must be zero
//	[14:46] SHA-256 of the module binary
//	[46:50] JSRuntime* (u32 LE)
//	[50:54] JSContext* (u32 LE)
//	[54:62] memory image size in bytes (u64 LE)
//	[62:]   zstd-compressed memory image

const (
	// FormatVersion is the current snapshot blob format version.
	FormatVersion uint16 = 1

	headerSize = 62

	// maxMemoryImage caps the decoded memory image at the wasm32 address
	// space. A size field beyond it cannot describe a linear-memory
	// snapshot and is treated as corruption, before any allocation.
	maxMemoryImage = 4 << 30
)

var magic = [4]byte{'Q', 'J', 'S', 'S'}

// Corruption sentinels. A blob failing structural decoding matches
// ErrCorrupt; a structurally valid blob captured from different inputs
// matches the mismatch sentinels.
var (
	ErrCorrupt           = errors.New("snapshot: corrupt blob")
	ErrModuleMismatch    = errors.New("snapshot: module binary mismatch")
	ErrABIMismatch       = errors.New("snapshot: shim ABI version mismatch")
	ErrFormatUnsupported = errors.New("snapshot: unsupported format version")
	ErrFlagsUnsupported  = errors.New("snapshot: unsupported flags")
)

// Header is the compatibility header of a snapshot blob.
type Header struct {
	FormatVersion uint16
	ABIVersion    uint32
	Flags         uint32
	ModuleHash    [sha256.Size]byte
	RuntimePtr    uint32
	ContextPtr    uint32
	MemorySize    uint64
}

// Validate checks the header against the module binary and shim ABI
// version the host is about to restore into. It never partially passes:
// any divergence is an error.
func (h *Header) Validate(moduleBinary []byte, abiVersion uint32) error {
	if h.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: blob has v%d, host supports v%d",
			ErrFormatUnsupported, h.FormatVersion, FormatVersion)
	}
	if h.Flags != 0 {
		return fmt.Errorf("%w: 0x%08x", ErrFlagsUnsupported, h.Flags)
	}
	if h.ABIVersion != abiVersion {
		return fmt.Errorf("%w: blob has v%d, host has v%d",
			ErrABIMismatch, h.ABIVersion, abiVersion)
	}
	if HashModule(moduleBinary) != h.ModuleHash {
		return ErrModuleMismatch
	}
	if h.RuntimePtr == 0 || h.ContextPtr == 0 {
		return fmt.Errorf("%w: null engine pointers", ErrCorrupt)
	}
	return nil
}

// HashModule computes the module binary digest recorded in headers.
func HashModule(moduleBinary []byte) [sha256.Size]byte {
	return sha256.Sum256(moduleBinary)
}

// Encode serializes a snapshot blob from a header and the raw memory
// image. The image is compressed; h.MemorySize is set from the image.
func Encode(h Header, memory []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("snapshot: init compressor: %w", err)
	}
	defer enc.Close()

	h.FormatVersion = FormatVersion
	h.MemorySize = uint64(len(memory))

	out := make([]byte, headerSize, headerSize+len(memory)/4)
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], h.FormatVersion)
	binary.LittleEndian.PutUint32(out[6:10], h.ABIVersion)
	binary.LittleEndian.PutUint32(out[10:14], h.Flags)
	copy(out[14:46], h.ModuleHash[:])
	binary.LittleEndian.PutUint32(out[46:50], h.RuntimePtr)
	binary.LittleEndian.PutUint32(out[50:54], h.ContextPtr)
	binary.LittleEndian.PutUint64(out[54:62], h.MemorySize)

	return enc.EncodeAll(memory, out), nil
}

// Decode parses a snapshot blob into its header and decompressed memory
// image. Structural failures wrap ErrCorrupt; compatibility is not
// checked here, call Header.Validate for that.
func Decode(blob []byte) (Header, []byte, error) {
	var h Header
	if len(blob) < headerSize {
		return h, nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorrupt, len(blob))
	}
	if [4]byte(blob[0:4]) != magic {
		return h, nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	h.FormatVersion = binary.LittleEndian.Uint16(blob[4:6])
	h.ABIVersion = binary.LittleEndian.Uint32(blob[6:10])
	h.Flags = binary.LittleEndian.Uint32(blob[10:14])
	copy(h.ModuleHash[:], blob[14:46])
	h.RuntimePtr = binary.LittleEndian.Uint32(blob[46:50])
	h.ContextPtr = binary.LittleEndian.Uint32(blob[50:54])
	h.MemorySize = binary.LittleEndian.Uint64(blob[54:62])

	if h.MemorySize > maxMemoryImage {
		return h, nil, fmt.Errorf("%w: memory image size %d exceeds wasm32 address space",
			ErrCorrupt, h.MemorySize)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxMemoryImage))
	if err != nil {
		return h, nil, fmt.Errorf("snapshot: init decompressor: %w", err)
	}
	defer dec.Close()

	memory, err := dec.DecodeAll(blob[headerSize:], make([]byte, 0, h.MemorySize))
	if err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(len(memory)) != h.MemorySize {
		return h, nil, fmt.Errorf("%w: memory image is %d bytes, header says %d",
			ErrCorrupt, len(memory), h.MemorySize)
	}
	return h, memory, nil
}
