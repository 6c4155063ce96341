// Package block implements the node graph: open images form a chain of
// nodes (each bound to a format driver over a storage file), with reference
// counting, operation blockers, dirty bitmaps and reopen transactions.
package block

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/device"
	"github.com/deploymenttheory/go-vdisk/internal/interfaces"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// Node is one vertex of the graph: a format driver bound to a storage
// child, optionally stacked on a backing parent.
type Node struct {
	mu sync.Mutex

	name     string
	filename string
	graph    *Graph

	driver interfaces.FormatDriver
	file   interfaces.ProtocolDriver
	backing *Node

	refcount int
	readOnly bool
	flags    types.OpenFlags
	options  map[string]string

	sectors int64

	// blockers holds, per operation type, the reasons currently blocking
	// it. The same reason may appear more than once; each block call needs
	// a matching unblock.
	blockers [types.OpMax][]string

	bitmaps []*DirtyBitmap

	// inFlight counts requests currently inside the driver; drained waits
	// on idle for drain.
	inFlight int
	idle     *sync.Cond

	closed bool
}

func newNode(graph *Graph, name, filename string) *Node {
	n := &Node{
		name:     name,
		filename: filename,
		graph:    graph,
		refcount: 1,
	}
	n.idle = sync.NewCond(&n.mu)
	return n
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Filename returns the path the node was opened from.
func (n *Node) Filename() string { return n.filename }

// DriverName returns the bound format driver's name.
func (n *Node) DriverName() string { return n.driver.Name() }

// Sectors returns the virtual disk length in sectors.
func (n *Node) Sectors() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sectors
}

// Backing returns the backing parent node, or nil.
func (n *Node) Backing() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.backing
}

// IsReadOnly reports the node's current writability.
func (n *Node) IsReadOnly() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readOnly
}

// Flags returns the node's effective open flags.
func (n *Node) Flags() types.OpenFlags {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flags
}

// Ref takes an additional reference.
func (n *Node) Ref() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refcount++
}

// Unref drops a reference; the last reference closes and deletes the node.
func (n *Node) Unref() {
	n.mu.Lock()
	n.refcount--
	last := n.refcount == 0
	if n.refcount < 0 {
		panic(fmt.Sprintf("block: node '%s' refcount below zero", n.name))
	}
	n.mu.Unlock()
	if last {
		n.graph.deleteNode(n)
	}
}

// delete tears the node down. Caller guarantees the refcount is zero and no
// node references this one as a child.
func (n *Node) delete() {
	n.mu.Lock()
	if n.refcount != 0 {
		panic(fmt.Sprintf("block: deleting node '%s' with refcount %d", n.name, n.refcount))
	}
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	driver := n.driver
	file := n.file
	backing := n.backing
	n.mu.Unlock()

	// Close top-down: the driver flushes through the file child before
	// either is released, and the backing parent outlives this layer.
	if driver != nil {
		if err := driver.Close(); err != nil {
			logrus.WithError(err).WithField("node", n.name).Warn("driver close failed")
		}
	}
	if file != nil {
		if err := file.Close(); err != nil {
			logrus.WithError(err).WithField("node", n.name).Warn("file close failed")
		}
	}
	if backing != nil {
		// Dropping the edge lifts the blockers it installed, so a parent
		// that outlives this node becomes usable again.
		n.graph.removeBackingLink(n, backing)
	}
	logrus.WithField("node", n.name).Debug("node deleted")
}

// BlockOp adds a blocking reason for one operation type.
func (n *Node) BlockOp(op types.OpType, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blockers[op] = append(n.blockers[op], reason)
}

// UnblockOp removes one matching reason for the operation type.
func (n *Node) UnblockOp(op types.OpType, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.blockers[op] {
		if r == reason {
			n.blockers[op] = append(n.blockers[op][:i], n.blockers[op][i+1:]...)
			return
		}
	}
}

// OpBlocked returns an error naming the first blocking reason when op is
// blocked on this node, nil otherwise.
func (n *Node) OpBlocked(op types.OpType) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.blockers[op]) == 0 {
		return nil
	}
	return blockerr.E(blockerr.KindBlocked, "operation %s on node '%s' is blocked: %s",
		op, n.name, strings.Join(n.blockers[op], "; "))
}

// BlockAllOps blocks every operation type with one reason.
func (n *Node) BlockAllOps(reason string) {
	for op := types.OpType(0); op < types.OpMax; op++ {
		n.BlockOp(op, reason)
	}
}

// UnblockAllOps removes one matching reason from every operation type.
func (n *Node) UnblockAllOps(reason string) {
	for op := types.OpType(0); op < types.OpMax; op++ {
		n.UnblockOp(op, reason)
	}
}

// blockAllExcept blocks everything but the listed operations, as a job does
// on intermediate nodes it still needs to touch itself.
func (n *Node) blockAllExcept(reason string, allowed ...types.OpType) {
	for op := types.OpType(0); op < types.OpMax; op++ {
		skip := false
		for _, a := range allowed {
			if op == a {
				skip = true
				break
			}
		}
		if !skip {
			n.BlockOp(op, reason)
		}
	}
}

func (n *Node) unblockAllExcept(reason string, allowed ...types.OpType) {
	for op := types.OpType(0); op < types.OpMax; op++ {
		skip := false
		for _, a := range allowed {
			if op == a {
				skip = true
				break
			}
		}
		if !skip {
			n.UnblockOp(op, reason)
		}
	}
}

// beginRequest registers an in-flight request.
func (n *Node) beginRequest() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return blockerr.E(blockerr.KindInvalidState, "node '%s' is closed", n.name)
	}
	n.inFlight++
	return nil
}

func (n *Node) endRequest() {
	n.mu.Lock()
	n.inFlight--
	if n.inFlight == 0 {
		n.idle.Broadcast()
	}
	n.mu.Unlock()
}

// Drain blocks until every in-flight request on this node has completed.
// New requests issued after Drain returns are not waited for.
func (n *Node) Drain() {
	n.mu.Lock()
	for n.inFlight > 0 {
		n.idle.Wait()
	}
	n.mu.Unlock()
}

// DrainChain drains this node and its whole backing chain, deepest first.
func (n *Node) DrainChain() {
	if b := n.Backing(); b != nil {
		b.DrainChain()
	}
	n.Drain()
}

// ReadSectors fills buf from the virtual disk starting at sector.
func (n *Node) ReadSectors(sector int64, buf []byte) error {
	if err := n.checkRequest(sector, buf); err != nil {
		return err
	}
	if err := n.beginRequest(); err != nil {
		return err
	}
	defer n.endRequest()
	return n.driver.ReadSectors(sector, buf)
}

// WriteSectors stores buf starting at sector and marks every enabled dirty
// bitmap.
func (n *Node) WriteSectors(sector int64, buf []byte) error {
	if err := n.checkRequest(sector, buf); err != nil {
		return err
	}
	if n.IsReadOnly() {
		return blockerr.E(blockerr.KindInvalidState, "node '%s' is read-only", n.name)
	}
	if err := n.beginRequest(); err != nil {
		return err
	}
	defer n.endRequest()
	if err := n.driver.WriteSectors(sector, buf); err != nil {
		return err
	}
	n.markBitmaps(sector, int64(len(buf))>>types.SectorBits)
	return nil
}

func (n *Node) markBitmaps(sector, nbSectors int64) {
	n.mu.Lock()
	bitmaps := make([]*DirtyBitmap, len(n.bitmaps))
	copy(bitmaps, n.bitmaps)
	n.mu.Unlock()
	for _, b := range bitmaps {
		b.markDirty(sector, nbSectors)
	}
}

func (n *Node) checkRequest(sector int64, buf []byte) error {
	if sector < 0 || len(buf)%types.SectorSize != 0 {
		return blockerr.E(blockerr.KindConfig, "misaligned request at sector %d (%d bytes)", sector, len(buf))
	}
	nbSectors := int64(len(buf)) >> types.SectorBits
	if sector+nbSectors > n.Sectors() {
		return blockerr.E(blockerr.KindIO, "request beyond end of node '%s': sector %d+%d of %d",
			n.name, sector, nbSectors, n.Sectors())
	}
	return nil
}

// WriteZeroes zeroes the range without allocating data when the driver can,
// falling back to explicit zero buffers.
func (n *Node) WriteZeroes(sector, nbSectors int64) error {
	if n.IsReadOnly() {
		return blockerr.E(blockerr.KindInvalidState, "node '%s' is read-only", n.name)
	}
	if err := n.beginRequest(); err != nil {
		return err
	}
	defer n.endRequest()
	if zw, ok := n.driver.(interfaces.ZeroWriter); ok {
		if err := zw.WriteZeroes(sector, nbSectors); err == nil {
			n.markBitmaps(sector, nbSectors)
			return nil
		} else if !blockerr.IsKind(err, blockerr.KindNotSupported) {
			return err
		}
	}
	buf := make([]byte, nbSectors*types.SectorSize)
	if err := n.driver.WriteSectors(sector, buf); err != nil {
		return err
	}
	n.markBitmaps(sector, nbSectors)
	return nil
}

// WriteCompressed writes via the driver's compressed path.
func (n *Node) WriteCompressed(sector int64, buf []byte) error {
	if err := n.checkRequest(sector, buf); err != nil {
		return err
	}
	if n.IsReadOnly() {
		return blockerr.E(blockerr.KindInvalidState, "node '%s' is read-only", n.name)
	}
	cw, ok := n.driver.(interfaces.CompressedWriter)
	if !ok {
		return blockerr.E(blockerr.KindNotSupported,
			"driver '%s' does not support compressed writes", n.driver.Name())
	}
	if err := n.beginRequest(); err != nil {
		return err
	}
	defer n.endRequest()
	if err := cw.WriteCompressed(sector, buf); err != nil {
		return err
	}
	n.markBitmaps(sector, int64(len(buf))>>types.SectorBits)
	return nil
}

// Flush commits the node and its backing chain.
func (n *Node) Flush() error {
	if err := n.beginRequest(); err != nil {
		return err
	}
	defer n.endRequest()
	if err := n.driver.Flush(); err != nil {
		return err
	}
	if b := n.Backing(); b != nil {
		return b.Flush()
	}
	return nil
}

// BlockStatus reports the allocation state at sector in this layer only.
// Drivers without status support report everything as data.
func (n *Node) BlockStatus(sector, nbSectors int64) (types.AllocStatus, int64, error) {
	bs, ok := n.driver.(interfaces.BlockStatuser)
	if !ok {
		m := n.Sectors() - sector
		if m > nbSectors {
			m = nbSectors
		}
		return types.AllocData, m, nil
	}
	if err := n.beginRequest(); err != nil {
		return types.AllocUnallocated, 0, err
	}
	defer n.endRequest()
	return bs.BlockStatus(sector, nbSectors)
}

// IsAllocated reports whether sector is allocated in this layer and how
// many contiguous sectors share that answer.
func (n *Node) IsAllocated(sector, nbSectors int64) (bool, int64, error) {
	status, num, err := n.BlockStatus(sector, nbSectors)
	if err != nil {
		return false, 0, err
	}
	return status != types.AllocUnallocated, num, nil
}

// IsAllocatedAbove reports whether sector is allocated anywhere in the
// chain between n (inclusive) and base (exclusive).
func (n *Node) IsAllocatedAbove(base *Node, sector, nbSectors int64) (bool, int64, error) {
	covered := nbSectors
	for cur := n; cur != nil && cur != base; cur = cur.Backing() {
		alloc, num, err := cur.IsAllocated(sector, nbSectors)
		if err != nil {
			return false, 0, err
		}
		if alloc {
			return true, num, nil
		}
		if num < covered {
			covered = num
		}
	}
	return false, covered, nil
}

// Resize changes the virtual disk length and resizes attached bitmaps.
// Callers acting on behalf of the user must check the resize blocker first;
// jobs resize their own nodes without it.
func (n *Node) Resize(sectors int64) error {
	r, ok := n.driver.(interfaces.Resizer)
	if !ok {
		return blockerr.E(blockerr.KindNotSupported, "driver '%s' does not support resize", n.driver.Name())
	}
	n.Drain()
	if err := r.Resize(sectors); err != nil {
		return err
	}
	n.mu.Lock()
	n.sectors = sectors
	bitmaps := make([]*DirtyBitmap, len(n.bitmaps))
	copy(bitmaps, n.bitmaps)
	n.mu.Unlock()
	for _, b := range bitmaps {
		b.truncate(sectors)
	}
	return nil
}

// ClusterSize reports the driver's allocation unit, or 0.
func (n *Node) ClusterSize() int64 {
	if cs, ok := n.driver.(interfaces.ClusterSizer); ok {
		return cs.ClusterSize()
	}
	return 0
}

// ChangeBackingFile persists a new backing reference in the image metadata.
func (n *Node) ChangeBackingFile(backingFile, backingFormat string) error {
	c, ok := n.driver.(interfaces.BackingFileChanger)
	if !ok {
		return blockerr.E(blockerr.KindNotSupported,
			"driver '%s' cannot update backing references", n.driver.Name())
	}
	return c.ChangeBackingFile(backingFile, backingFormat)
}

// nodeContext adapts a Node to the narrow view format drivers get.
type nodeContext struct{ n *Node }

func (c nodeContext) NodeName() string { return c.n.name }

func (c nodeContext) File() interfaces.ProtocolDriver {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.n.file
}

func (c nodeContext) Backing() interfaces.BackingReader {
	c.n.mu.Lock()
	b := c.n.backing
	c.n.mu.Unlock()
	if b == nil {
		return nil
	}
	return b
}

func (c nodeContext) ReadOnly() bool { return c.n.IsReadOnly() }

func (c nodeContext) Flags() types.OpenFlags { return c.n.Flags() }

func (c nodeContext) OpenExtentFile(filename string, readOnly bool) (interfaces.ProtocolDriver, error) {
	path := filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(c.n.filename), filename)
	}
	return device.OpenFile(path, readOnly, c.n.Flags().Has(types.OpenNoFlush))
}
