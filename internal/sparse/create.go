package sparse

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/device"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// Supported creation subformats.
const (
	SubfMonolithicSparse   = "monolithicSparse"
	SubfMonolithicFlat     = "monolithicFlat"
	SubfTwoGbSparse        = "twoGbMaxExtentSparse"
	SubfTwoGbFlat          = "twoGbMaxExtentFlat"
	SubfStreamOptimized    = "streamOptimized"
	splitExtentBytes       = int64(0x80000000) // 2 GiB per split extent
	createGranularity      = 128               // sectors per grain
	createGTEsPerGT        = 512
	createDescOffsetSector = 1
	createDescSectors      = 20
)

// CreateOptions drives image creation.
type CreateOptions struct {
	Path        string
	Size        int64 // bytes
	Subformat   string
	AdapterType string
	BackingFile string
	ZeroedGrain bool
	Compat6     bool
}

// Create builds a new image at opts.Path. Sparse extents are written with
// both grain directories preallocated and all grain tables zero so that
// every later allocation only touches table entries, never table layout.
func Create(opts CreateOptions) error {
	if opts.Size < 0 {
		return blockerr.E(blockerr.KindConfig, "image size must not be negative")
	}
	subformat := opts.Subformat
	if subformat == "" {
		subformat = SubfMonolithicSparse
	}
	adapter := opts.AdapterType
	if adapter == "" {
		adapter = "ide"
	}
	switch adapter {
	case "ide", "buslogic", "lsilogic", "legacyESX":
	default:
		return blockerr.E(blockerr.KindConfig, "unknown adapter type %q", adapter)
	}

	flat := subformat == SubfMonolithicFlat || subformat == SubfTwoGbFlat
	split := subformat == SubfTwoGbSparse || subformat == SubfTwoGbFlat
	compress := subformat == SubfStreamOptimized

	switch subformat {
	case SubfMonolithicSparse, SubfMonolithicFlat, SubfTwoGbSparse, SubfTwoGbFlat, SubfStreamOptimized:
	default:
		return blockerr.E(blockerr.KindConfig, "unknown subformat %q", subformat)
	}
	if flat && opts.BackingFile != "" {
		return blockerr.E(blockerr.KindConfig, "flat images cannot have a backing file")
	}
	if opts.ZeroedGrain && (flat || compress) {
		return blockerr.E(blockerr.KindConfig, "zeroed-grain support requires a plain sparse subformat")
	}

	totalSectors := (opts.Size + types.SectorSize - 1) >> types.SectorBits

	parentCID := uint32(0xffffffff)
	if opts.BackingFile != "" {
		cid, err := readImageCID(resolveSibling(opts.Path, opts.BackingFile))
		if err != nil {
			return blockerr.Wrap(blockerr.KindConfig, err, "could not read backing image %q", opts.BackingFile)
		}
		parentCID = cid
	}

	desc := &Descriptor{
		Version:   1,
		Encoding:  "UTF-8",
		CID:       rand.Uint32(),
		ParentCID: parentCID,
	}
	switch subformat {
	case SubfMonolithicSparse:
		desc.CreateType = "monolithicSparse"
	case SubfMonolithicFlat:
		desc.CreateType = "monolithicFlat"
	case SubfTwoGbSparse:
		desc.CreateType = "twoGbMaxExtentSparse"
	case SubfTwoGbFlat:
		desc.CreateType = "twoGbMaxExtentFlat"
	case SubfStreamOptimized:
		desc.CreateType = "streamOptimized"
	}
	if opts.BackingFile != "" {
		desc.ParentFileNameHint = opts.BackingFile
	}

	heads := int64(16)
	if adapter == "buslogic" || adapter == "lsilogic" || adapter == "legacyESX" {
		heads = 255
	}
	cylinders := totalSectors / (63 * heads)
	hwVersion := "4"
	if opts.Compat6 {
		hwVersion = "6"
	}
	desc.DDB = []string{
		fmt.Sprintf("ddb.virtualHWVersion = \"%s\"", hwVersion),
		fmt.Sprintf("ddb.geometry.cylinders = \"%d\"", cylinders),
		"ddb.geometry.heads = \"" + fmt.Sprint(heads) + "\"",
		"ddb.geometry.sectors = \"63\"",
		fmt.Sprintf("ddb.adapterType = \"%s\"", adapter),
	}

	dir := filepath.Dir(opts.Path)
	base := strings.TrimSuffix(filepath.Base(opts.Path), filepath.Ext(opts.Path))

	if subformat == SubfMonolithicSparse || subformat == SubfStreamOptimized {
		// Single container: header, embedded descriptor, tables, grains.
		desc.Extents = []ExtentLine{{
			Access: "RW", Sectors: totalSectors, Type: "SPARSE",
			Filename: filepath.Base(opts.Path),
		}}
		return createSparseExtent(opts.Path, totalSectors, desc, compress, opts.ZeroedGrain)
	}

	// Split and flat layouts write a standalone descriptor file plus one or
	// more extent files next to it.
	extentSize := totalSectors
	if split {
		extentSize = splitExtentBytes >> types.SectorBits
	}
	remaining := totalSectors
	for i := 1; remaining > 0 || (i == 1 && totalSectors == 0); i++ {
		n := remaining
		if split && n > extentSize {
			n = extentSize
		}
		var name string
		switch {
		case subformat == SubfMonolithicFlat:
			name = base + "-flat" + filepath.Ext(opts.Path)
		case flat:
			name = fmt.Sprintf("%s-f%03d%s", base, i, filepath.Ext(opts.Path))
		default:
			name = fmt.Sprintf("%s-s%03d%s", base, i, filepath.Ext(opts.Path))
		}
		path := filepath.Join(dir, name)
		if flat {
			if err := device.CreateFile(path, n*types.SectorSize); err != nil {
				return err
			}
			desc.Extents = append(desc.Extents, ExtentLine{
				Access: "RW", Sectors: n, Type: "FLAT", Filename: name,
			})
		} else {
			if err := createSparseExtent(path, n, nil, false, opts.ZeroedGrain); err != nil {
				return err
			}
			desc.Extents = append(desc.Extents, ExtentLine{
				Access: "RW", Sectors: n, Type: "SPARSE", Filename: name,
			})
		}
		remaining -= n
	}

	text := desc.Format()
	if err := device.CreateFile(opts.Path, int64(len(text))); err != nil {
		return err
	}
	f, err := device.OpenFile(opts.Path, false, false)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt([]byte(text), 0); err != nil {
		return blockerr.Wrap(blockerr.KindIO, err, "could not write descriptor file")
	}
	if err := f.Flush(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"path":      opts.Path,
		"subformat": subformat,
		"sectors":   totalSectors,
		"extents":   len(desc.Extents),
	}).Info("image created")
	return nil
}

// createSparseExtent writes one binary sparse extent file of the given
// capacity. When desc is non-nil its text is embedded after the header.
func createSparseExtent(path string, capacity int64, desc *Descriptor, compress, zeroedGrain bool) error {
	h := &Header{
		Version:      1,
		Flags:        FlagNLDetect | FlagRGD,
		Capacity:     uint64(capacity),
		Granularity:  createGranularity,
		NumGTEsPerGT: createGTEsPerGT,
		CheckBytes:   [4]byte{0x0a, 0x20, 0x0d, 0x0a},
	}
	if zeroedGrain {
		h.Version = 2
		h.Flags |= FlagZeroGrain
	}
	if compress {
		h.Version = 3
		h.Flags |= FlagCompress | FlagMarker
		h.CompressAlgorithm = compressionDeflate
	}
	if desc != nil {
		h.DescOffset = createDescOffsetSector
		h.DescSize = createDescSectors
	}

	grains := (capacity + createGranularity - 1) / createGranularity
	gtSectors := int64(createGTEsPerGT * 4 / types.SectorSize)
	gtCount := (grains + createGTEsPerGT - 1) / createGTEsPerGT
	gdSectors := (gtCount*4 + types.SectorSize - 1) / types.SectorSize

	// The first directory and its tables sit right after the descriptor
	// area; the second directory and tables follow. Grain data starts at
	// the next granularity boundary.
	rgdOffset := int64(createDescOffsetSector)
	if desc != nil {
		rgdOffset += createDescSectors
	}
	gdOffset := rgdOffset + gdSectors + gtSectors*gtCount
	grainOffset := roundUp(gdOffset+gdSectors+gtSectors*gtCount, createGranularity)
	h.RgdOffset = uint64(rgdOffset)
	h.GdOffset = uint64(gdOffset)
	h.GrainOffset = uint64(grainOffset)

	if err := device.CreateFile(path, grainOffset*types.SectorSize); err != nil {
		return err
	}
	f, err := device.OpenFile(path, false, false)
	if err != nil {
		return err
	}
	defer f.Close()

	headerBuf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(headerBuf, Magic)
	copy(headerBuf[4:], h.Marshal())
	if _, err := f.WriteAt(headerBuf, 0); err != nil {
		return blockerr.Wrap(blockerr.KindIO, err, "could not write extent header")
	}

	if desc != nil {
		area := make([]byte, createDescSectors*types.SectorSize)
		copy(area, desc.Format())
		if _, err := f.WriteAt(area, createDescOffsetSector*types.SectorSize); err != nil {
			return blockerr.Wrap(blockerr.KindIO, err, "could not embed descriptor")
		}
	}

	// Both grain directories are complete: entry i points at grain table i
	// in the directory's own table region. The tables themselves stay zero.
	writeDirectory := func(dirSector int64) error {
		gd := make([]byte, gtCount*4)
		firstTable := dirSector + gdSectors
		for i := int64(0); i < gtCount; i++ {
			binary.LittleEndian.PutUint32(gd[i*4:], uint32(firstTable+i*gtSectors))
		}
		if _, err := f.WriteAt(gd, dirSector*types.SectorSize); err != nil {
			return blockerr.Wrap(blockerr.KindIO, err, "could not write grain directory")
		}
		return nil
	}
	if err := writeDirectory(rgdOffset); err != nil {
		return err
	}
	if err := writeDirectory(gdOffset); err != nil {
		return err
	}
	return f.Flush()
}

// readImageCID extracts the content ID from an existing image, whether the
// descriptor is embedded in a binary container or a standalone text file.
func readImageCID(path string) (uint32, error) {
	f, err := device.OpenFile(path, true, false)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, HeaderSize)
	if _, err := f.ReadAt(head, 0); err != nil {
		return 0, err
	}
	var descBuf []byte
	if binary.BigEndian.Uint32(head) == Magic {
		h, err := UnmarshalHeader(head[4:])
		if err != nil {
			return 0, err
		}
		if h.DescOffset == 0 {
			return 0, blockerr.E(blockerr.KindFormat, "image has no descriptor")
		}
		descBuf = make([]byte, int64(h.DescSize)*types.SectorSize)
		if _, err := f.ReadAt(descBuf, int64(h.DescOffset)*types.SectorSize); err != nil {
			return 0, err
		}
	} else {
		descBuf = make([]byte, DescSize)
		n, err := f.ReadAt(descBuf, 0)
		if err != nil && n == 0 {
			return 0, err
		}
		descBuf = descBuf[:n]
	}
	desc, err := ParseDescriptor(descBuf)
	if err != nil {
		return 0, err
	}
	return desc.CID, nil
}

// resolveSibling resolves ref against the directory of path unless ref is
// already absolute.
func resolveSibling(path, ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(path), ref)
}
