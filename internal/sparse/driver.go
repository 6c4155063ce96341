package sparse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/interfaces"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// Driver is one open sparse container: the ordered extent array plus the
// descriptor identity fields. It implements interfaces.FormatDriver.
type Driver struct {
	mu   sync.Mutex
	node interfaces.NodeContext

	extents []*Extent
	sectors int64

	cid        uint32
	parentCID  uint32
	cidUpdated bool
	createType string
	parentHint string

	// descFile/descOffset locate the descriptor text for CID and backing
	// rewrites. descFile is the node's own file in both the embedded and
	// the standalone descriptor layout.
	descFile   interfaces.ProtocolDriver
	descOffset int64
	descLen    int64
}

// errEmbeddedDescriptor signals a binary header whose geometry lives in the
// embedded descriptor text instead.
var errEmbeddedDescriptor = errors.New("sparse: geometry in embedded descriptor")

// New returns an unopened sparse driver.
func New() interfaces.FormatDriver { return &Driver{} }

// Name implements FormatDriver.
func (d *Driver) Name() string { return "sparse" }

// Sectors implements FormatDriver.
func (d *Driver) Sectors() int64 { return d.sectors }

// ContentID returns this image's descriptor content ID.
func (d *Driver) ContentID() uint32 { return d.cid }

// ParentContentID returns the content ID this image expects its parent to
// carry; 0xffffffff means no parent.
func (d *Driver) ParentContentID() uint32 { return d.parentCID }

// BackingHint returns the parent filename recorded in the descriptor, if
// any, together with the backing format name.
func (d *Driver) BackingHint() (string, string) {
	if d.parentCID == 0xffffffff || d.parentHint == "" {
		return "", ""
	}
	return d.parentHint, "sparse"
}

// ClusterSize reports the first extent's grain size in bytes.
func (d *Driver) ClusterSize() int64 {
	for _, e := range d.extents {
		if !e.flat {
			return e.clusterSectors * types.SectorSize
		}
	}
	return 0
}

// Open implements FormatDriver. The image is either a binary container
// (magic first) with an embedded descriptor, or a standalone text
// descriptor referencing sibling extent files.
func (d *Driver) Open(node interfaces.NodeContext, options map[string]string, flags types.OpenFlags) error {
	d.node = node
	file := node.File()
	if file == nil {
		panic("sparse: format driver opened without a file child")
	}

	var magic [4]byte
	if _, err := file.ReadAt(magic[:], 0); err != nil {
		return blockerr.Wrap(blockerr.KindFormat, err, "could not read image header")
	}

	if binary.BigEndian.Uint32(magic[:]) == Magic {
		if err := d.openBinary(file); err != nil {
			return err
		}
	} else {
		buf := make([]byte, DescSize)
		n, err := file.ReadAt(buf, 0)
		if err != nil && n == 0 {
			return blockerr.Wrap(blockerr.KindFormat, err, "could not read descriptor")
		}
		if !descriptorProbe(buf[:n]) {
			return blockerr.E(blockerr.KindFormat, "image is not in sparse format")
		}
		if err := d.openDescriptor(file, buf[:n], 0, int64(n)); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"node":    node.NodeName(),
		"extents": len(d.extents),
		"sectors": d.sectors,
		"parent":  d.parentHint,
	}).Debug("sparse image opened")
	return nil
}

// openBinary opens a container whose first sector is the binary header, and
// parses the embedded descriptor for identity and backing hints.
func (d *Driver) openBinary(file interfaces.ProtocolDriver) error {
	e, h, err := d.openSparseExtent(file, false, 0)
	if err == errEmbeddedDescriptor {
		// The binary header carries no geometry; the embedded descriptor
		// text is authoritative and may reference split extent files.
		buf := make([]byte, HeaderSize)
		if _, rerr := file.ReadAt(buf, 0); rerr != nil {
			return blockerr.Wrap(blockerr.KindFormat, rerr, "could not re-read header")
		}
		hdr, herr := UnmarshalHeader(buf[4:])
		if herr != nil {
			return herr
		}
		descOffset := int64(hdr.DescOffset) * types.SectorSize
		descLen := int64(hdr.DescSize) * types.SectorSize
		descBuf := make([]byte, descLen)
		if _, rerr := file.ReadAt(descBuf, descOffset); rerr != nil {
			return blockerr.Wrap(blockerr.KindFormat, rerr, "could not read embedded descriptor")
		}
		return d.openDescriptor(file, descBuf, descOffset, descLen)
	}
	if err != nil {
		return err
	}
	d.extents = append(d.extents, e)
	d.sectors = e.endSector

	if h.DescOffset != 0 {
		d.descFile = file
		d.descOffset = int64(h.DescOffset) * types.SectorSize
		d.descLen = int64(h.DescSize) * types.SectorSize
		buf := make([]byte, d.descLen)
		if _, err := file.ReadAt(buf, d.descOffset); err == nil {
			if desc, derr := ParseDescriptor(buf); derr == nil {
				d.cid = desc.CID
				d.parentCID = desc.ParentCID
				d.createType = desc.CreateType
				d.parentHint = desc.ParentFileNameHint
			}
		}
	}
	return nil
}

// openDescriptor opens a standalone text descriptor: every extent line is
// resolved against the descriptor's own directory and opened as a child.
func (d *Driver) openDescriptor(file interfaces.ProtocolDriver, data []byte, descOffset, descLen int64) error {
	desc, err := ParseDescriptor(data)
	if err != nil {
		return err
	}
	d.cid = desc.CID
	d.parentCID = desc.ParentCID
	d.createType = desc.CreateType
	d.parentHint = desc.ParentFileNameHint
	d.descFile = file
	d.descOffset = descOffset
	d.descLen = descLen

	for _, line := range desc.Extents {
		if line.Access == "NOACCESS" {
			continue
		}
		switch line.Type {
		case "ZERO":
			// A hole in the address space; modeled as a flat extent
			// with no file is not supported for writing, so reject.
			return blockerr.E(blockerr.KindNotSupported, "ZERO extents are not supported")
		case "FLAT", "VMFS", "VMFSRAW":
			ef, err := d.node.OpenExtentFile(line.Filename, d.node.ReadOnly())
			if err != nil {
				return err
			}
			e := &Extent{
				file:      ef,
				ownFile:   true,
				flat:      true,
				sectors:   line.Sectors,
				flatStart: line.Offset * types.SectorSize,
				extType:   line.Type,
			}
			d.addExtent(e)
		case "SPARSE", "VMFSSPARSE":
			ef, err := d.node.OpenExtentFile(line.Filename, d.node.ReadOnly())
			if err != nil {
				return err
			}
			e, _, err := d.openSparseExtent(ef, true, line.Sectors)
			if err != nil {
				ef.Close()
				return err
			}
			e.ownFile = true
			e.extType = line.Type
			d.addExtent(e)
		}
	}
	if len(d.extents) == 0 {
		return blockerr.E(blockerr.KindFormat, "descriptor declares no usable extents")
	}
	d.sectors = d.extents[len(d.extents)-1].endSector
	return nil
}

// addExtent appends e and fixes the cumulative end sector.
func (d *Driver) addExtent(e *Extent) {
	var begin int64
	if len(d.extents) > 0 {
		begin = d.extents[len(d.extents)-1].endSector
	}
	e.endSector = begin + e.sectors
	d.extents = append(d.extents, e)
}

// openSparseExtent parses a binary sparse extent from file. When the header
// points its grain directory at the end of the file, the footer copy there
// takes precedence. declaredSectors, when non-zero, bounds the extent to
// the descriptor's declared size.
func (d *Driver) openSparseExtent(file interfaces.ProtocolDriver, fromDesc bool, declaredSectors int64) (*Extent, *Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, nil, blockerr.Wrap(blockerr.KindFormat, err, "could not read extent header")
	}
	if binary.BigEndian.Uint32(buf) != Magic {
		return nil, nil, blockerr.E(blockerr.KindFormat, "bad sparse magic")
	}
	h, err := UnmarshalHeader(buf[4:])
	if err != nil {
		return nil, nil, err
	}

	if h.GdOffset == gdAtEnd {
		fh, err := d.readFooterHeader(file)
		if err != nil {
			return nil, nil, err
		}
		h = fh
	}

	if h.Capacity == 0 && h.DescOffset != 0 && !fromDesc {
		return nil, nil, errEmbeddedDescriptor
	}

	if h.CompressAlgorithm != 0 && h.CompressAlgorithm != compressionDeflate {
		return nil, nil, blockerr.E(blockerr.KindNotSupported,
			"compression algorithm %d is not supported", h.CompressAlgorithm)
	}
	if h.Granularity == 0 || h.Granularity&(h.Granularity-1) != 0 {
		return nil, nil, blockerr.E(blockerr.KindFormat, "invalid granularity %d", h.Granularity)
	}
	if h.Granularity > 0x200000 {
		// Larger than 1 GiB grains would make COW buffers pathological.
		return nil, nil, blockerr.E(blockerr.KindFormat, "granularity %d sectors is too large", h.Granularity)
	}
	if h.NumGTEsPerGT == 0 || h.NumGTEsPerGT&(h.NumGTEsPerGT-1) != 0 {
		return nil, nil, blockerr.E(blockerr.KindFormat, "invalid grain table size %d", h.NumGTEsPerGT)
	}

	l1EntrySectors := int64(h.NumGTEsPerGT) * int64(h.Granularity)
	capacity := int64(h.Capacity)
	if declaredSectors != 0 && declaredSectors < capacity {
		capacity = declaredSectors
	}
	l1Size := (capacity + l1EntrySectors - 1) / l1EntrySectors

	fileLen, err := file.Length()
	if err != nil {
		return nil, nil, blockerr.Wrap(blockerr.KindIO, err, "could not size extent file")
	}
	grainBytes := int64(h.GrainOffset) * types.SectorSize
	if fileLen < grainBytes {
		return nil, nil, blockerr.E(blockerr.KindFormat,
			"extent file truncated: %d bytes but grains start at %d", fileLen, grainBytes)
	}

	e := &Extent{
		file:           file,
		compressed:     h.Flags&FlagCompress != 0,
		hasMarker:      h.Flags&FlagMarker != 0,
		hasZeroGrain:   h.Flags&FlagZeroGrain != 0,
		version:        int(h.Version),
		sectors:        capacity,
		l1Offset:       int64(h.GdOffset) * types.SectorSize,
		l1EntrySector:  l1EntrySectors,
		l2Size:         int(h.NumGTEsPerGT),
		clusterSectors: int64(h.Granularity),
		extType:        "SPARSE",
	}
	if h.Flags&FlagRGD != 0 {
		e.l1BackupOff = int64(h.RgdOffset) * types.SectorSize
	}
	e.endSector = e.sectors

	// The allocation cursor starts past everything currently in the file.
	fileSectors := (fileLen + types.SectorSize - 1) / types.SectorSize
	e.nextCluster = roundUp(fileSectors, e.clusterSectors)

	if err := e.initTables(l1Size); err != nil {
		return nil, nil, err
	}
	return e, h, nil
}

// readFooterHeader loads the end-of-file footer: a footer marker sector, a
// header copy, and an end-of-stream marker, in that order.
func (d *Driver) readFooterHeader(file interfaces.ProtocolDriver) (*Header, error) {
	fileLen, err := file.Length()
	if err != nil || fileLen < footerBytes {
		return nil, blockerr.E(blockerr.KindFormat, "file too short for a footer")
	}
	buf := make([]byte, footerBytes)
	if _, err := file.ReadAt(buf, fileLen-footerBytes); err != nil {
		return nil, blockerr.Wrap(blockerr.KindFormat, err, "could not read footer")
	}
	fm := unmarshalMetaMarker(buf[:types.SectorSize])
	if fm.Val != 1 || fm.Size != 0 || fm.Type != MarkerFooter {
		return nil, blockerr.E(blockerr.KindFormat, "invalid footer marker")
	}
	hdr := buf[types.SectorSize : 2*types.SectorSize]
	if binary.BigEndian.Uint32(hdr) != Magic {
		return nil, blockerr.E(blockerr.KindFormat, "invalid footer magic")
	}
	eos := unmarshalMetaMarker(buf[2*types.SectorSize:])
	if eos.Val != 0 || eos.Size != 0 || eos.Type != MarkerEOS {
		return nil, blockerr.E(blockerr.KindFormat, "invalid end-of-stream marker")
	}
	h, err := UnmarshalHeader(hdr[4:])
	if err != nil {
		return nil, err
	}
	if h.GdOffset == gdAtEnd {
		return nil, blockerr.E(blockerr.KindFormat, "footer header has no grain directory")
	}
	return h, nil
}

// findExtent returns the extent covering sector, starting the scan at hint.
func (d *Driver) findExtent(sector int64, hint *Extent) *Extent {
	start := 0
	if hint != nil {
		for i, e := range d.extents {
			if e == hint {
				start = i
				break
			}
		}
	}
	for _, e := range d.extents[start:] {
		if sector < e.endSector {
			return e
		}
	}
	return nil
}

// readExtent reads nb sectors of decoded data from a located cluster.
// Compressed extents decode the grain marker and inflate the payload.
func (d *Driver) readExtent(e *Extent, clusterSector, offsetInCluster int64, buf []byte) error {
	if !e.compressed {
		_, err := e.file.ReadAt(buf, clusterSector*types.SectorSize+offsetInCluster)
		return err
	}

	clusterBytes := e.clusterSectors * types.SectorSize
	// Marker plus compressed payload may spill past one cluster.
	raw := make([]byte, 2*clusterBytes)
	n, err := e.file.ReadAt(raw, clusterSector*types.SectorSize)
	if err != nil && n == 0 {
		return blockerr.Wrap(blockerr.KindIO, err, "could not read compressed cluster")
	}
	raw = raw[:n]

	payload := raw
	dataLen := int64(clusterBytes)
	if e.hasMarker {
		if int64(len(raw)) < grainMarkerBytes {
			return blockerr.E(blockerr.KindFormat, "truncated grain marker")
		}
		marker := UnmarshalGrainMarker(raw)
		payload = raw[grainMarkerBytes:]
		dataLen = int64(marker.Size)
	}
	if dataLen == 0 || dataLen > int64(len(payload)) {
		return blockerr.E(blockerr.KindFormat, "invalid compressed grain size %d", dataLen)
	}

	zr, err := zlib.NewReader(bytes.NewReader(payload[:dataLen]))
	if err != nil {
		return blockerr.Wrap(blockerr.KindFormat, err, "corrupt compressed grain")
	}
	defer zr.Close()
	grain := make([]byte, clusterBytes)
	decoded, err := io.ReadFull(zr, grain)
	if err != nil && err != io.ErrUnexpectedEOF {
		return blockerr.Wrap(blockerr.KindFormat, err, "corrupt compressed grain")
	}
	if offsetInCluster < 0 || offsetInCluster+int64(len(buf)) > int64(decoded) {
		return blockerr.E(blockerr.KindFormat, "compressed grain shorter than request")
	}
	copy(buf, grain[offsetInCluster:])
	return nil
}

// writeExtent writes nb sectors to a located cluster. Compressed extents
// prepend a grain marker and deflate the payload; they advance the
// allocation cursor to the write end, while uncompressed extents only ever
// move it forward.
func (d *Driver) writeExtent(e *Extent, clusterSector, offsetInCluster int64, buf []byte, imageSector int64) error {
	writeBuf := buf
	if e.compressed {
		if !e.hasMarker {
			return blockerr.E(blockerr.KindNotSupported, "compressed extent without grain markers")
		}
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		if _, err := zw.Write(buf); err != nil {
			zw.Close()
			return blockerr.Wrap(blockerr.KindIO, err, "could not compress grain")
		}
		if err := zw.Close(); err != nil {
			return blockerr.Wrap(blockerr.KindIO, err, "could not compress grain")
		}
		marker := GrainMarker{LBA: uint64(imageSector), Size: uint32(z.Len())}
		writeBuf = append(marker.Marshal(), z.Bytes()...)
	}

	writeOffset := clusterSector*types.SectorSize + offsetInCluster
	if _, err := e.file.WriteAt(writeBuf, writeOffset); err != nil {
		return blockerr.Wrap(blockerr.KindIO, err, "could not write cluster")
	}

	writeEndSector := (writeOffset + int64(len(writeBuf)) + types.SectorSize - 1) / types.SectorSize
	if e.compressed {
		e.nextCluster = writeEndSector
	} else if writeEndSector > e.nextCluster {
		e.nextCluster = writeEndSector
	}
	return nil
}

// ReadSectors implements FormatDriver.
func (d *Driver) ReadSectors(sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked(sector, buf)
}

func (d *Driver) readLocked(sector int64, buf []byte) error {
	nbSectors := int64(len(buf)) >> types.SectorBits
	var extent *Extent
	for nbSectors > 0 {
		extent = d.findExtent(sector, extent)
		if extent == nil {
			return blockerr.E(blockerr.KindIO, "sector %d beyond image end", sector)
		}
		clusterSector, status, err := extent.locateCluster(nil, nil, sector*types.SectorSize, false, 0, 0)
		if err != nil {
			return err
		}
		index := extent.indexInCluster(sector)
		n := extent.contiguousSectors(sector)
		if n > nbSectors {
			n = nbSectors
		}
		chunk := buf[:n*types.SectorSize]
		if status != lookupOK {
			if backing := d.node.Backing(); backing != nil && status != lookupZeroed {
				if err := backing.ReadSectors(sector, chunk); err != nil {
					return err
				}
			} else {
				for i := range chunk {
					chunk[i] = 0
				}
			}
		} else if err := d.readExtent(extent, clusterSector, index*types.SectorSize, chunk); err != nil {
			return err
		}
		nbSectors -= n
		sector += n
		buf = buf[n*types.SectorSize:]
	}
	return nil
}

// WriteSectors implements FormatDriver.
func (d *Driver) WriteSectors(sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(sector, buf, false, false)
}

func (d *Driver) writeLocked(sector int64, buf []byte, zeroed, zeroDryRun bool) error {
	if sector > d.sectors {
		return blockerr.E(blockerr.KindIO, "write beyond image end: sector %d of %d", sector, d.sectors)
	}
	var nbSectors int64
	if zeroed {
		nbSectors = int64(len(buf)) // callers pass a length-only marker slice
	} else {
		nbSectors = int64(len(buf)) >> types.SectorBits
	}

	var extent *Extent
	for nbSectors > 0 {
		extent = d.findExtent(sector, extent)
		if extent == nil {
			return blockerr.E(blockerr.KindIO, "sector %d beyond image end", sector)
		}
		index := extent.indexInCluster(sector)
		n := extent.contiguousSectors(sector)
		if n > nbSectors {
			n = nbSectors
		}

		var meta clusterMeta
		allocate := !extent.compressed && !zeroed
		clusterSector, status, err := extent.locateCluster(d.node.Backing(), &meta,
			sector*types.SectorSize, allocate, index, index+n)
		if err != nil {
			return err
		}

		if extent.compressed {
			if status == lookupOK {
				// Overwrite of an allocated cluster is refused for
				// stream-optimized images.
				return blockerr.E(blockerr.KindIO,
					"could not write to allocated cluster in stream-optimized image")
			}
			// Compressed grains always cover a full cluster, so no
			// copy-on-write population is needed.
			clusterSector, status, err = extent.locateCluster(nil, &meta,
				sector*types.SectorSize, true, 0, extent.clusterSectors)
			if err != nil {
				return err
			}
		}
		if status != lookupOK && !zeroed {
			return blockerr.E(blockerr.KindIO, "cluster allocation failed at sector %d", sector)
		}

		if zeroed {
			// Zero writes only work cluster-aligned with the sentinel
			// enabled; the dry run proves feasibility before any table
			// is touched.
			if extent.hasZeroGrain && meta.valid && index == 0 && n >= extent.clusterSectors {
				n = extent.clusterSectors
				if !zeroDryRun {
					if err := extent.updateL2(&meta, GTEZeroed); err != nil {
						return err
					}
				}
			} else {
				return blockerr.E(blockerr.KindNotSupported,
					"cannot zero unaligned range without data allocation")
			}
		} else {
			chunk := buf[:n*types.SectorSize]
			if err := d.writeExtent(extent, clusterSector, index*types.SectorSize, chunk, sector); err != nil {
				return err
			}
			if meta.valid {
				if err := extent.updateL2(&meta, uint32(clusterSector)); err != nil {
					return err
				}
			}
			buf = buf[n*types.SectorSize:]
		}

		nbSectors -= n
		sector += n

		// A fresh CID marks the image as modified once per open session.
		if !d.cidUpdated {
			if err := d.updateCID(rand.Uint32()); err != nil {
				return err
			}
			d.cidUpdated = true
		}
	}
	return nil
}

// WriteZeroes implements ZeroWriter with a dry run first so a failure in
// the middle of an unaligned range cannot leave partial sentinel updates.
func (d *Driver) WriteZeroes(sector, nbSectors int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	marker := make([]byte, nbSectors) // length-only, content ignored
	if err := d.writeLocked(sector, marker, true, true); err != nil {
		return err
	}
	return d.writeLocked(sector, marker, true, false)
}

// WriteCompressed implements CompressedWriter. Only a single compressed
// extent can accept stream-optimized writes.
func (d *Driver) WriteCompressed(sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.extents) != 1 || !d.extents[0].compressed {
		return blockerr.E(blockerr.KindNotSupported, "image has no single compressed extent")
	}
	return d.writeLocked(sector, buf, false, false)
}

// BlockStatus implements BlockStatuser.
func (d *Driver) BlockStatus(sector, nbSectors int64) (types.AllocStatus, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	extent := d.findExtent(sector, nil)
	if extent == nil {
		return types.AllocUnallocated, 0, blockerr.E(blockerr.KindIO, "sector %d beyond image end", sector)
	}
	_, status, err := extent.locateCluster(nil, nil, sector*types.SectorSize, false, 0, 0)
	if err != nil {
		return types.AllocUnallocated, 0, err
	}

	n := extent.contiguousSectors(sector)
	if n > nbSectors {
		n = nbSectors
	}
	switch status {
	case lookupZeroed:
		return types.AllocZero, n, nil
	case lookupUnallocated:
		return types.AllocUnallocated, n, nil
	default:
		return types.AllocData, n, nil
	}
}

// updateCID rewrites the CID line of the descriptor in place.
func (d *Driver) updateCID(cid uint32) error {
	if d.descFile == nil || d.descLen == 0 {
		d.cid = cid
		return nil
	}
	desc, err := d.readDescriptor()
	if err != nil {
		return err
	}
	desc.CID = cid
	if err := d.writeDescriptor(desc); err != nil {
		return err
	}
	d.cid = cid
	return nil
}

// ChangeBackingFile implements BackingFileChanger: the parent hint (and the
// parent CID it validates against) are persisted into the descriptor.
func (d *Driver) ChangeBackingFile(backingFile, backingFormat string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if backingFormat != "" && backingFormat != "sparse" {
		return blockerr.E(blockerr.KindNotSupported,
			"sparse images can only reference sparse backing files, not %q", backingFormat)
	}
	desc, err := d.readDescriptor()
	if err != nil {
		return err
	}
	desc.ParentFileNameHint = backingFile
	if backingFile == "" {
		desc.ParentCID = 0xffffffff
	} else {
		// The recorded parent CID must match the new parent, or the next
		// open rejects the chain.
		cid, err := readImageCID(resolveSibling(d.descFile.Filename(), backingFile))
		if err != nil {
			return blockerr.Wrap(blockerr.KindConfig, err,
				"could not read new backing image %q", backingFile)
		}
		desc.ParentCID = cid
	}
	if err := d.writeDescriptor(desc); err != nil {
		return err
	}
	d.parentHint = backingFile
	d.parentCID = desc.ParentCID
	return nil
}

func (d *Driver) readDescriptor() (*Descriptor, error) {
	if d.descFile == nil {
		return nil, blockerr.E(blockerr.KindNotSupported, "image carries no descriptor")
	}
	buf := make([]byte, d.descLen)
	if _, err := d.descFile.ReadAt(buf, d.descOffset); err != nil {
		return nil, blockerr.Wrap(blockerr.KindIO, err, "could not read descriptor")
	}
	return ParseDescriptor(buf)
}

func (d *Driver) writeDescriptor(desc *Descriptor) error {
	text := desc.Format()
	if int64(len(text)) > d.descLen {
		return blockerr.E(blockerr.KindIO, "descriptor too large for its area")
	}
	buf := make([]byte, d.descLen)
	copy(buf, text)
	if _, err := d.descFile.WriteAt(buf, d.descOffset); err != nil {
		return blockerr.Wrap(blockerr.KindIO, err, "could not write descriptor")
	}
	return d.descFile.Flush()
}

// Flush implements FormatDriver.
func (d *Driver) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.extents {
		if err := e.file.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close implements FormatDriver. Extent files opened from descriptor lines
// are released here; the node's own file child is the graph's to close.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, e := range d.extents {
		if e.ownFile {
			if err := e.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	d.extents = nil
	return firstErr
}

// Stats summarizes per-extent cache behaviour, for the info command.
func (d *Driver) Stats() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b bytes.Buffer
	for i, e := range d.extents {
		hits, misses := e.CacheStats()
		fmt.Fprintf(&b, "extent %d: type=%s sectors=%d cluster=%d l2-hits=%d l2-misses=%d\n",
			i, e.extType, e.sectors, e.clusterSectors, hits, misses)
	}
	return b.String()
}

func roundUp(v, align int64) int64 {
	return (v + align - 1) / align * align
}
