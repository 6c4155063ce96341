package sparse

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/interfaces"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// lookupStatus is the outcome of a cluster lookup.
type lookupStatus int

const (
	lookupOK lookupStatus = iota
	lookupUnallocated
	lookupZeroed
)

// Extent is one physical region/file backing part of the image's logical
// address space. Sparse extents carry the two-level grain lookup state; flat
// extents map linearly from flatStart.
type Extent struct {
	file    interfaces.ProtocolDriver
	ownFile bool // opened from a descriptor line; closed with the extent

	flat         bool
	compressed   bool
	hasMarker    bool
	hasZeroGrain bool
	version      int

	// sectors is this extent's logical length; endSector its cumulative
	// end within the whole image. The extent covers
	// [endSector-sectors, endSector).
	sectors   int64
	endSector int64
	flatStart int64 // byte offset of data for flat extents

	l1Table       []uint32
	l1BackupTable []uint32
	l1Offset      int64 // bytes
	l1BackupOff   int64 // bytes
	l1EntrySector int64 // sectors covered per grain directory entry

	l2Size         int // entries per grain table
	l2Cache        []uint32
	l2CacheOffsets []uint32
	l2CacheCounts  []uint32

	clusterSectors int64
	nextCluster    int64 // next free cluster, in sectors

	extType string

	cacheHits   int64
	cacheMisses int64
}

// clusterMeta records where a lookup landed so a following table update can
// write the primary and backup grain-table entries and fix the cache.
type clusterMeta struct {
	valid     bool
	l1Index   int
	l2Index   int
	l2Offset  uint32
	cacheSlot []uint32 // the cached entry, updated in place after a write
}

// beginSector returns the first image sector covered by the extent.
func (e *Extent) beginSector() int64 {
	return e.endSector - e.sectors
}

// indexInCluster returns the sector's offset within its grain. Flat
// extents have no grains; the whole extent acts as one.
func (e *Extent) indexInCluster(sector int64) int64 {
	if e.flat {
		return sector - e.beginSector()
	}
	return (sector - e.beginSector()) % e.clusterSectors
}

// contiguousSectors returns how many sectors from sector onward share the
// same grain (or, for flat extents, remain in the extent).
func (e *Extent) contiguousSectors(sector int64) int64 {
	if e.flat {
		return e.endSector - sector
	}
	return e.clusterSectors - e.indexInCluster(sector)
}

// initTables loads the grain directory (and its backup) and sizes the
// bounded grain-table cache. The directory length is capped so a corrupted
// header cannot force an unbounded allocation.
func (e *Extent) initTables(l1Size int64) error {
	if l1Size*4 > maxL1Bytes {
		return blockerr.E(blockerr.KindFormat,
			"grain directory of %d entries exceeds the supported maximum", l1Size)
	}
	if l1Size == 0 {
		e.l1Table = nil
		return nil
	}

	buf := make([]byte, l1Size*4)
	if _, err := e.file.ReadAt(buf, e.l1Offset); err != nil {
		return blockerr.Wrap(blockerr.KindFormat, err, "could not read grain directory")
	}
	e.l1Table = make([]uint32, l1Size)
	for i := range e.l1Table {
		e.l1Table[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}

	if e.l1BackupOff != 0 {
		if _, err := e.file.ReadAt(buf, e.l1BackupOff); err != nil {
			return blockerr.Wrap(blockerr.KindFormat, err, "could not read backup grain directory")
		}
		e.l1BackupTable = make([]uint32, l1Size)
		for i := range e.l1BackupTable {
			e.l1BackupTable[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
	}

	entries := l2CacheEntries
	e.l2Cache = make([]uint32, e.l2Size*entries)
	e.l2CacheOffsets = make([]uint32, entries)
	e.l2CacheCounts = make([]uint32, entries)
	return nil
}

// loadL2 returns the grain table at l2Offset, from cache when possible.
// Cache slots are ranked by a saturating hit count; on overflow every count
// is halved so one hot table cannot pin its slot forever.
func (e *Extent) loadL2(l2Offset uint32) ([]uint32, error) {
	for i := range e.l2CacheOffsets {
		if e.l2CacheOffsets[i] == l2Offset {
			e.l2CacheCounts[i]++
			if e.l2CacheCounts[i] == 0xffffffff {
				for j := range e.l2CacheCounts {
					e.l2CacheCounts[j] >>= 1
				}
			}
			e.cacheHits++
			return e.l2Cache[i*e.l2Size : (i+1)*e.l2Size], nil
		}
	}

	// Miss: evict the least used slot.
	minIndex := 0
	minCount := uint32(0xffffffff)
	for i := range e.l2CacheCounts {
		if e.l2CacheCounts[i] < minCount {
			minCount = e.l2CacheCounts[i]
			minIndex = i
		}
	}
	table := e.l2Cache[minIndex*e.l2Size : (minIndex+1)*e.l2Size]
	raw := make([]byte, e.l2Size*4)
	if _, err := e.file.ReadAt(raw, int64(l2Offset)*types.SectorSize); err != nil {
		return nil, blockerr.Wrap(blockerr.KindIO, err, "could not read grain table")
	}
	for i := range table {
		table[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	e.l2CacheOffsets[minIndex] = l2Offset
	e.l2CacheCounts[minIndex] = 1
	e.cacheMisses++
	return table, nil
}

// updateL2 persists a new grain-table entry: primary table first, then the
// backup table when the extent carries one, then the in-memory cache.
func (e *Extent) updateL2(m *clusterMeta, value uint32) error {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], value)

	writeEntry := func(l2Offset uint32) error {
		off := int64(l2Offset)*types.SectorSize + int64(m.l2Index)*4
		if _, err := e.file.WriteAt(raw[:], off); err != nil {
			return blockerr.Wrap(blockerr.KindIO, err, "could not update grain table")
		}
		return e.file.Flush()
	}

	if err := writeEntry(m.l2Offset); err != nil {
		return err
	}
	if e.l1BackupTable != nil {
		if err := writeEntry(e.l1BackupTable[m.l1Index]); err != nil {
			return err
		}
	}
	if m.cacheSlot != nil {
		m.cacheSlot[m.l2Index] = value
	}
	return nil
}

// populateCluster copies the backing file's data covering the grain at
// imageSector into the newly allocated cluster, or writes zeroes when there
// is no backing parent. The sub-range [skipStart, skipEnd) in sectors
// relative to the grain is left untouched for the caller's own pending
// write. The cluster body is written before any table entry references it:
// an orphaned cluster is harmless, a referenced-but-unpopulated one is not.
func (e *Extent) populateCluster(backing interfaces.BackingReader,
	clusterSector, imageSector, skipStart, skipEnd int64) error {

	imageSector = imageSector - imageSector%e.clusterSectors
	clusterBytes := e.clusterSectors * types.SectorSize
	grain := make([]byte, clusterBytes)

	if skipEnd > e.clusterSectors {
		panic("sparse: populate skip range exceeds cluster")
	}

	readBacking := func(sector int64, buf []byte) error {
		if backing == nil {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}
		// The backing image may be shorter than this layer; the tail
		// reads as zeroes.
		avail := (backing.Sectors() - sector) * types.SectorSize
		if avail <= 0 {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}
		if avail < int64(len(buf)) {
			for i := avail; i < int64(len(buf)); i++ {
				buf[i] = 0
			}
			buf = buf[:avail]
		}
		return backing.ReadSectors(sector, buf)
	}

	if skipStart > 0 {
		head := grain[:skipStart*types.SectorSize]
		if err := readBacking(imageSector, head); err != nil {
			return err
		}
		if _, err := e.file.WriteAt(head, clusterSector*types.SectorSize); err != nil {
			return blockerr.Wrap(blockerr.KindIO, err, "could not populate cluster")
		}
	}
	if skipEnd < e.clusterSectors {
		tail := grain[skipEnd*types.SectorSize : clusterBytes]
		if err := readBacking(imageSector+skipEnd, tail); err != nil {
			return err
		}
		if _, err := e.file.WriteAt(tail, (clusterSector+skipEnd)*types.SectorSize); err != nil {
			return blockerr.Wrap(blockerr.KindIO, err, "could not populate cluster")
		}
	}
	return nil
}

// locateCluster resolves the image byte offset to a physical cluster sector
// within the extent file.
//
// For flat extents the parsed start offset is returned directly. Otherwise
// the grain directory index selects a grain table (faulted into the bounded
// cache) and the grain table slot yields the cluster, the zeroed sentinel,
// or unallocated. With allocate set, an unallocated (or zeroed) slot claims
// the next free cluster at the monotonic cursor and populates it via
// copy-on-write before any table entry is updated.
func (e *Extent) locateCluster(backing interfaces.BackingReader, m *clusterMeta,
	offset int64, allocate bool, skipStart, skipEnd int64) (int64, lookupStatus, error) {

	if m != nil {
		m.valid = false
	}
	if e.flat {
		return e.flatStart / types.SectorSize, lookupOK, nil
	}

	// Table math is extent-relative; copy-on-write addresses the backing
	// chain in image-global sectors.
	relOffset := offset - e.beginSector()*types.SectorSize
	l1Index := (relOffset >> types.SectorBits) / e.l1EntrySector
	if l1Index >= int64(len(e.l1Table)) {
		return 0, 0, blockerr.E(blockerr.KindIO, "sector beyond grain directory")
	}
	l2Offset := e.l1Table[l1Index]
	if l2Offset == 0 {
		return 0, lookupUnallocated, nil
	}
	l2Table, err := e.loadL2(l2Offset)
	if err != nil {
		return 0, 0, err
	}
	l2Index := int(((relOffset >> types.SectorBits) / e.clusterSectors) % int64(e.l2Size))
	clusterSector := int64(l2Table[l2Index])

	if m != nil {
		m.valid = true
		m.l1Index = int(l1Index)
		m.l2Index = l2Index
		m.l2Offset = l2Offset
		m.cacheSlot = l2Table
	}

	zeroed := e.hasZeroGrain && clusterSector == GTEZeroed
	if clusterSector == 0 || zeroed {
		if !allocate {
			if zeroed {
				return 0, lookupZeroed, nil
			}
			return 0, lookupUnallocated, nil
		}

		clusterSector = e.nextCluster
		e.nextCluster += e.clusterSectors

		if err := e.populateCluster(backing, clusterSector,
			offset>>types.SectorBits, skipStart, skipEnd); err != nil {
			return 0, 0, err
		}
		logrus.WithFields(logrus.Fields{
			"cluster": clusterSector,
			"offset":  relOffset,
		}).Trace("sparse cluster allocated")
	}
	return clusterSector, lookupOK, nil
}

// CacheStats reports grain-table cache effectiveness for this extent.
func (e *Extent) CacheStats() (hits, misses int64) {
	return e.cacheHits, e.cacheMisses
}
