// Package sparse implements the sparse extent container format: a 512-byte
// header, a two-level grain directory/table, optional per-grain compression
// and optional copy-on-write backing semantics.
//
// All on-disk offsets are counted in 512-byte sectors and stored
// little-endian, except the 4-byte magic which reads big-endian.
package sparse

import (
	"encoding/binary"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

const (
	// Magic is the big-endian container magic ("KDMV").
	Magic = 'K'<<24 | 'D'<<16 | 'M'<<8 | 'V'

	// HeaderSize is the fixed on-disk header sector.
	HeaderSize = 512

	// DescSize is the embedded descriptor area: 20 sectors.
	DescSize = 20 * types.SectorSize

	compressionDeflate = 1

	// GTEZeroed is the reserved grain-table sentinel for an explicitly
	// zeroed grain. Only honored when the header enables zeroed grains.
	GTEZeroed = 0x1

	// gdAtEnd in the gdOffset field means the authoritative header is the
	// footer located at the end of the file.
	gdAtEnd = 0xffffffffffffffff

	// maxL1Bytes caps the grain directory allocation so a corrupted
	// header cannot force an unbounded allocation.
	maxL1Bytes = 512 * 1024 * 1024
)

// l2CacheEntries bounds the number of decoded grain tables kept per extent.
// Each extent captures the value when its tables are loaded.
var l2CacheEntries = 16

// SetL2CacheEntries overrides the per-extent grain-table cache bound, as
// set from the engine configuration. Values below one are ignored; extents
// already open keep their cache.
func SetL2CacheEntries(n int) {
	if n >= 1 {
		l2CacheEntries = n
	}
}

// Header flag bits.
const (
	FlagNLDetect  = 1 << 0
	FlagRGD       = 1 << 1
	FlagZeroGrain = 1 << 2
	FlagCompress  = 1 << 16
	FlagMarker    = 1 << 17
)

// Marker types for stream-optimized containers.
const (
	MarkerEOS            = 0
	MarkerGrainTable     = 1
	MarkerGrainDirectory = 2
	MarkerFooter         = 3
)

// Header is the fixed container header. Field order matches the on-disk
// layout; sizes and offsets are in 512-byte sectors.
type Header struct {
	Version           uint32
	Flags             uint32
	Capacity          uint64
	Granularity       uint64
	DescOffset        uint64
	DescSize          uint64
	NumGTEsPerGT      uint32
	RgdOffset         uint64
	GdOffset          uint64
	GrainOffset       uint64
	Filler            byte
	CheckBytes        [4]byte
	CompressAlgorithm uint16
}

// headerBytes is the encoded header length excluding the leading magic.
const headerBytes = 4 + 4 + 8 + 8 + 8 + 8 + 4 + 8 + 8 + 8 + 1 + 4 + 2

// Marshal encodes the header (without magic) into a byte slice.
func (h *Header) Marshal() []byte {
	buf := make([]byte, headerBytes)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Version)
	le.PutUint32(buf[4:], h.Flags)
	le.PutUint64(buf[8:], h.Capacity)
	le.PutUint64(buf[16:], h.Granularity)
	le.PutUint64(buf[24:], h.DescOffset)
	le.PutUint64(buf[32:], h.DescSize)
	le.PutUint32(buf[40:], h.NumGTEsPerGT)
	le.PutUint64(buf[44:], h.RgdOffset)
	le.PutUint64(buf[52:], h.GdOffset)
	le.PutUint64(buf[60:], h.GrainOffset)
	buf[68] = h.Filler
	copy(buf[69:73], h.CheckBytes[:])
	le.PutUint16(buf[73:], h.CompressAlgorithm)
	return buf
}

// UnmarshalHeader decodes a header from buf (without the leading magic).
func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < headerBytes {
		return nil, blockerr.E(blockerr.KindFormat, "short sparse header: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	h := &Header{
		Version:           le.Uint32(buf[0:]),
		Flags:             le.Uint32(buf[4:]),
		Capacity:          le.Uint64(buf[8:]),
		Granularity:       le.Uint64(buf[16:]),
		DescOffset:        le.Uint64(buf[24:]),
		DescSize:          le.Uint64(buf[32:]),
		NumGTEsPerGT:      le.Uint32(buf[40:]),
		RgdOffset:         le.Uint64(buf[44:]),
		GdOffset:          le.Uint64(buf[52:]),
		GrainOffset:       le.Uint64(buf[60:]),
		Filler:            buf[68],
		CompressAlgorithm: le.Uint16(buf[73:]),
	}
	copy(h.CheckBytes[:], buf[69:73])
	return h, nil
}

// GrainMarker precedes each compressed grain: the grain's LBA in sectors
// followed by the compressed payload size in bytes.
type GrainMarker struct {
	LBA  uint64
	Size uint32
}

const grainMarkerBytes = 12

func (m *GrainMarker) Marshal() []byte {
	buf := make([]byte, grainMarkerBytes)
	binary.LittleEndian.PutUint64(buf[0:], m.LBA)
	binary.LittleEndian.PutUint32(buf[8:], m.Size)
	return buf
}

func UnmarshalGrainMarker(buf []byte) *GrainMarker {
	return &GrainMarker{
		LBA:  binary.LittleEndian.Uint64(buf[0:]),
		Size: binary.LittleEndian.Uint32(buf[8:]),
	}
}

// metaMarker is the 512-byte marker sector used by stream-optimized
// containers for grain tables, directories, the footer and end-of-stream.
type metaMarker struct {
	Val  uint64 // meaning depends on Type: sector count or size
	Size uint32
	Type uint32
}

func (m *metaMarker) marshal() []byte {
	buf := make([]byte, types.SectorSize)
	binary.LittleEndian.PutUint64(buf[0:], m.Val)
	binary.LittleEndian.PutUint32(buf[8:], m.Size)
	binary.LittleEndian.PutUint32(buf[12:], m.Type)
	return buf
}

func unmarshalMetaMarker(buf []byte) *metaMarker {
	return &metaMarker{
		Val:  binary.LittleEndian.Uint64(buf[0:]),
		Size: binary.LittleEndian.Uint32(buf[8:]),
		Type: binary.LittleEndian.Uint32(buf[12:]),
	}
}

// footerBytes is the trailing footer block: a footer marker sector, a
// header sector and an end-of-stream marker sector.
const footerBytes = 3 * types.SectorSize

// Probe scores buf as a sparse container. A binary header or a textual
// descriptor prefix both score 100.
func Probe(buf []byte, filename string) int {
	if len(buf) >= 4 && binary.BigEndian.Uint32(buf) == Magic {
		return 100
	}
	if descriptorProbe(buf) {
		return 100
	}
	return 0
}
