package block

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// DirtyBitmap tracks which regions of a node changed since it was created
// or last cleared. One bit covers granularity bytes of the virtual disk.
//
// A bitmap with a successor is frozen: it accepts no modification until the
// successor either abdicates (the successor inherits the name and the
// frozen bitmap dies) or is reclaimed (its bits merge back).
type DirtyBitmap struct {
	mu sync.Mutex

	name          string
	node          *Node
	bits          *bitset
	sectorsPerBit int64
	granularity   int64 // bytes
	enabled       bool

	successor *DirtyBitmap
}

// CreateDirtyBitmap attaches a new enabled bitmap to the node. Named
// bitmaps must be unique per node; the empty name is anonymous.
func (n *Node) CreateDirtyBitmap(name string, granularity int64) (*DirtyBitmap, error) {
	if granularity < types.SectorSize || granularity&(granularity-1) != 0 {
		return nil, blockerr.E(blockerr.KindConfig,
			"granularity %d must be a power of two of at least %d", granularity, types.SectorSize)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if name != "" {
		for _, b := range n.bitmaps {
			if b.name == name {
				return nil, blockerr.E(blockerr.KindConfig, "bitmap '%s' already exists on node '%s'", name, n.name)
			}
		}
	}
	sectorsPerBit := granularity >> types.SectorBits
	b := &DirtyBitmap{
		name:          name,
		node:          n,
		bits:          newBitset((n.sectors + sectorsPerBit - 1) / sectorsPerBit),
		sectorsPerBit: sectorsPerBit,
		granularity:   granularity,
		enabled:       true,
	}
	n.bitmaps = append(n.bitmaps, b)
	logrus.WithFields(logrus.Fields{
		"node":        n.name,
		"bitmap":      name,
		"granularity": granularity,
	}).Debug("dirty bitmap created")
	return b, nil
}

// FindDirtyBitmap returns the named bitmap, or nil.
func (n *Node) FindDirtyBitmap(name string) *DirtyBitmap {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, b := range n.bitmaps {
		if b.name == name {
			return b
		}
	}
	return nil
}

// ReleaseDirtyBitmap detaches and frees the bitmap. Frozen bitmaps cannot
// be released.
func (n *Node) ReleaseDirtyBitmap(b *DirtyBitmap) error {
	b.mu.Lock()
	if b.successor != nil {
		b.mu.Unlock()
		return blockerr.E(blockerr.KindInvalidState, "bitmap '%s' is frozen and cannot be released", b.name)
	}
	b.mu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cur := range n.bitmaps {
		if cur == b {
			n.bitmaps = append(n.bitmaps[:i], n.bitmaps[i+1:]...)
			return nil
		}
	}
	return blockerr.E(blockerr.KindNotFound, "bitmap is not attached to node '%s'", n.name)
}

// markDirty records a guest write. Called from the node write path for
// every enabled, unfrozen bitmap (frozen parents route writes to their
// successor via the node's bitmap list).
func (b *DirtyBitmap) markDirty(sector, nbSectors int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled || b.successor != nil {
		return
	}
	b.setRangeLocked(sector, nbSectors)
}

func (b *DirtyBitmap) setRangeLocked(sector, nbSectors int64) {
	start := sector / b.sectorsPerBit
	end := (sector + nbSectors + b.sectorsPerBit - 1) / b.sectorsPerBit
	if end > b.bits.size {
		end = b.bits.size
	}
	if end > start {
		b.bits.setRange(start, end-start)
	}
}

// SetRange marks [sector, sector+nbSectors) dirty. Fails on a frozen
// bitmap.
func (b *DirtyBitmap) SetRange(sector, nbSectors int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successor != nil {
		return blockerr.E(blockerr.KindInvalidState, "bitmap '%s' is frozen", b.name)
	}
	b.setRangeLocked(sector, nbSectors)
	return nil
}

// ResetRange clears [sector, sector+nbSectors). Only whole-bit ranges are
// cleared; partial bits at either edge stay dirty.
func (b *DirtyBitmap) ResetRange(sector, nbSectors int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successor != nil {
		return blockerr.E(blockerr.KindInvalidState, "bitmap '%s' is frozen", b.name)
	}
	start := (sector + b.sectorsPerBit - 1) / b.sectorsPerBit
	end := (sector + nbSectors) / b.sectorsPerBit
	if end > b.bits.size {
		end = b.bits.size
	}
	if end > start {
		b.bits.resetRange(start, end-start)
	}
	return nil
}

// Clear resets every bit. Fails on a frozen bitmap.
func (b *DirtyBitmap) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successor != nil {
		return blockerr.E(blockerr.KindInvalidState, "bitmap '%s' is frozen", b.name)
	}
	b.bits.clear()
	return nil
}

// Get reports whether the bit covering sector is dirty.
func (b *DirtyBitmap) Get(sector int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sector / b.sectorsPerBit
	if i >= b.bits.size {
		return false
	}
	return b.bits.get(i)
}

// DirtyCount returns the number of dirty bytes.
func (b *DirtyBitmap) DirtyCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits.count * b.granularity
}

// Granularity returns the bytes covered per bit.
func (b *DirtyBitmap) Granularity() int64 { return b.granularity }

// Name returns the bitmap name; anonymous bitmaps return "".
func (b *DirtyBitmap) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// Enabled reports whether guest writes are being recorded.
func (b *DirtyBitmap) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// Frozen reports whether the bitmap has a successor.
func (b *DirtyBitmap) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.successor != nil
}

// Enable resumes dirty tracking. Fails while frozen.
func (b *DirtyBitmap) Enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successor != nil {
		return blockerr.E(blockerr.KindInvalidState, "bitmap '%s' is frozen", b.name)
	}
	b.enabled = true
	return nil
}

// Disable suspends dirty tracking without clearing recorded bits. Fails
// while frozen.
func (b *DirtyBitmap) Disable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successor != nil {
		return blockerr.E(blockerr.KindInvalidState, "bitmap '%s' is frozen", b.name)
	}
	b.enabled = false
	return nil
}

// CreateSuccessor freezes the bitmap behind an anonymous child that takes
// over dirty tracking. Used by jobs that consume the frozen contents while
// new writes keep being recorded.
func (b *DirtyBitmap) CreateSuccessor() (*DirtyBitmap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successor != nil {
		return nil, blockerr.E(blockerr.KindInvalidState, "bitmap '%s' already has a successor", b.name)
	}
	if !b.enabled {
		return nil, blockerr.E(blockerr.KindInvalidState, "cannot freeze the disabled bitmap '%s'", b.name)
	}
	s := &DirtyBitmap{
		node:          b.node,
		bits:          newBitset(b.bits.size),
		sectorsPerBit: b.sectorsPerBit,
		granularity:   b.granularity,
		enabled:       true,
	}
	b.successor = s

	n := b.node
	n.mu.Lock()
	n.bitmaps = append(n.bitmaps, s)
	n.mu.Unlock()
	return s, nil
}

// Abdicate completes a successful job: the successor inherits the name and
// the frozen parent disappears. The returned bitmap is the survivor.
func (b *DirtyBitmap) Abdicate() (*DirtyBitmap, error) {
	b.mu.Lock()
	s := b.successor
	if s == nil {
		b.mu.Unlock()
		return nil, blockerr.E(blockerr.KindInvalidState, "bitmap '%s' has no successor", b.name)
	}
	b.successor = nil
	name := b.name
	b.mu.Unlock()

	s.mu.Lock()
	s.name = name
	s.mu.Unlock()

	n := b.node
	n.mu.Lock()
	for i, cur := range n.bitmaps {
		if cur == b {
			n.bitmaps = append(n.bitmaps[:i], n.bitmaps[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	return s, nil
}

// Reclaim undoes a failed job: the successor's bits merge back into the
// parent, which thaws. The returned bitmap is the survivor (the parent).
func (b *DirtyBitmap) Reclaim() (*DirtyBitmap, error) {
	b.mu.Lock()
	s := b.successor
	if s == nil {
		b.mu.Unlock()
		return nil, blockerr.E(blockerr.KindInvalidState, "bitmap '%s' has no successor", b.name)
	}
	s.mu.Lock()
	b.bits.merge(s.bits)
	s.mu.Unlock()
	b.successor = nil
	b.mu.Unlock()

	n := b.node
	n.mu.Lock()
	for i, cur := range n.bitmaps {
		if cur == s {
			n.bitmaps = append(n.bitmaps[:i], n.bitmaps[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	return b, nil
}

// truncate resizes the bitmap after the node changed length. A frozen
// bitmap must never change size: its successor would fall out of step.
func (b *DirtyBitmap) truncate(sectors int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successor != nil {
		panic(fmt.Sprintf("block: resizing frozen bitmap '%s'", b.name))
	}
	b.bits.resize((sectors + b.sectorsPerBit - 1) / b.sectorsPerBit)
}

// moveBitmapsTo hands every attached bitmap over to repl. Used by the
// chain splice, where repl takes over serving the replaced node's data.
// The caller must have drained n first.
func (n *Node) moveBitmapsTo(repl *Node) {
	n.mu.Lock()
	if n.inFlight > 0 {
		panic(fmt.Sprintf("block: moving bitmaps off node '%s' with requests in flight", n.name))
	}
	bitmaps := n.bitmaps
	n.bitmaps = nil
	n.mu.Unlock()
	if len(bitmaps) == 0 {
		return
	}
	for _, b := range bitmaps {
		b.mu.Lock()
		b.node = repl
		b.mu.Unlock()
	}
	repl.mu.Lock()
	repl.bitmaps = append(repl.bitmaps, bitmaps...)
	repl.mu.Unlock()
}

// NextDirty returns the first dirty sector at or after the given sector,
// or -1 when the tail is clean.
func (b *DirtyBitmap) NextDirty(sector int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.bits.nextSet(sector / b.sectorsPerBit)
	if i < 0 {
		return -1
	}
	return i * b.sectorsPerBit
}

// DirtyIter walks dirty extents. The bitmap may be mutated between calls.
type DirtyIter struct {
	b  *DirtyBitmap
	it *bitsetIter
}

// Iter returns an iterator positioned at firstSector.
func (b *DirtyBitmap) Iter(firstSector int64) *DirtyIter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &DirtyIter{b: b, it: b.bits.iter(firstSector / b.sectorsPerBit)}
}

// Next returns the next dirty sector, or -1.
func (it *DirtyIter) Next() int64 {
	it.b.mu.Lock()
	defer it.b.mu.Unlock()
	i := it.it.Next()
	if i < 0 {
		return -1
	}
	return i * it.b.sectorsPerBit
}

// Seek repositions the iterator at sector.
func (it *DirtyIter) Seek(sector int64) {
	it.b.mu.Lock()
	defer it.b.mu.Unlock()
	it.it.pos = sector / it.b.sectorsPerBit
}
