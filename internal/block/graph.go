package block

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/device"
	"github.com/deploymenttheory/go-vdisk/internal/interfaces"
	"github.com/deploymenttheory/go-vdisk/internal/sparse"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// Graph owns every open node and the edges between them: the backing links,
// the node-name namespace and the append/replace/drop chain surgery.
type Graph struct {
	mu      sync.Mutex
	nodes   map[string]*Node
	counter int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

var nodeNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9\-._]*$`)

// backingHinter is implemented by drivers whose image metadata names a
// backing parent.
type backingHinter interface {
	BackingHint() (filename, format string)
}

// contentIDer exposes descriptor content IDs for parent validation.
type contentIDer interface {
	ContentID() uint32
	ParentContentID() uint32
}

// Open opens an image chain and returns the active (topmost) node.
//
// Driver resolution order: the explicit "driver" option, then the protocol
// restriction, then content probing. The backing chain is opened
// recursively read-only unless suppressed; a snapshot request stacks a
// disposable copy-on-write overlay on top.
func (g *Graph) Open(options map[string]string, flags types.OpenFlags) (*Node, error) {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[k] = v
	}

	filename := stripProtocolPrefix(opts[types.OptFilename])
	delete(opts, types.OptFilename)
	if filename == "" {
		return nil, blockerr.E(blockerr.KindConfig, "no filename given")
	}

	if opts[types.OptReadOnly] == "on" {
		flags &^= types.OpenRDWR
	}
	delete(opts, types.OptReadOnly)
	if opts[types.OptCacheNoFlush] == "on" {
		flags |= types.OpenNoFlush
	}
	delete(opts, types.OptCacheNoFlush)
	delete(opts, types.OptCacheWB)
	delete(opts, types.OptCacheDirect)

	snapshot := flags.Has(types.OpenSnapshot)
	if snapshot {
		// The chain under a snapshot overlay is never written.
		flags &^= types.OpenRDWR | types.OpenSnapshot
	}

	node, err := g.openOne(filename, opts, flags)
	if err != nil {
		return nil, err
	}
	if !snapshot {
		return node, nil
	}

	overlay, err := g.appendTempSnapshot(node, flags)
	if err != nil {
		g.CloseNode(node)
		return nil, err
	}
	return overlay, nil
}

// OpenNode resolves reference to a node: the name of an already-open node,
// which gains a reference the caller must drop with CloseNode, or — when
// reference is empty — a fresh image opened from options. Combining a node
// reference with a filename or any other option is a configuration error.
func (g *Graph) OpenNode(reference string, options map[string]string, flags types.OpenFlags) (*Node, error) {
	if reference == "" {
		return g.Open(options, flags)
	}
	if len(options) > 0 {
		return nil, blockerr.E(blockerr.KindConfig,
			"cannot reference existing node '%s' together with filename or options", reference)
	}
	n, err := g.NodeByName(reference)
	if err != nil {
		return nil, err
	}
	n.Ref()
	return n, nil
}

// OpenImage is the common one-image entry point for commands.
func (g *Graph) OpenImage(path string, readOnly bool) (*Node, error) {
	flags := types.OpenFlags(0)
	if !readOnly {
		flags |= types.OpenRDWR
	}
	return g.Open(map[string]string{types.OptFilename: path}, flags)
}

// openOne opens a single node plus, recursively, its backing chain.
func (g *Graph) openOne(filename string, opts map[string]string, flags types.OpenFlags) (*Node, error) {
	readOnly := !flags.Has(types.OpenRDWR)
	file, err := device.OpenFile(filename, readOnly, flags.Has(types.OpenNoFlush))
	if err != nil {
		return nil, err
	}

	var spec *interfaces.DriverSpec
	if name := opts[types.OptDriver]; name != "" {
		delete(opts, types.OptDriver)
		spec, err = findDriver(name)
		if err != nil {
			file.Close()
			return nil, err
		}
	} else if flags.Has(types.OpenProtocol) {
		spec, _ = findDriver("raw")
	} else {
		spec = probeDriver(file, filename)
	}

	nodeName := opts[types.OptNodeName]
	delete(opts, types.OptNodeName)
	if nodeName != "" && !nodeNameRe.MatchString(nodeName) {
		file.Close()
		return nil, blockerr.E(blockerr.KindConfig, "invalid node name '%s'", nodeName)
	}

	backingOverride, haveBackingOverride := opts[types.OptBacking]
	delete(opts, types.OptBacking)

	driver := spec.New()
	n := newNode(g, nodeName, filename)
	n.driver = driver
	n.file = file
	n.readOnly = readOnly
	n.flags = flags
	n.options = opts

	if err := driver.Open(nodeContext{n}, opts, flags); err != nil {
		file.Close()
		return nil, err
	}
	n.sectors = driver.Sectors()

	// Any option key the driver did not consume is a configuration error.
	for key := range opts {
		driver.Close()
		file.Close()
		return nil, blockerr.E(blockerr.KindConfig, "unrecognized option '%s' for driver '%s'", key, spec.Name)
	}

	if err := g.registerNode(n); err != nil {
		driver.Close()
		file.Close()
		return nil, err
	}

	if !flags.Has(types.OpenNoBacking) {
		backingName, backingFormat := "", ""
		if haveBackingOverride {
			// An explicitly empty override suppresses the chain.
			backingName = backingOverride
		} else if h, ok := driver.(backingHinter); ok {
			backingName, backingFormat = h.BackingHint()
		}
		if backingName != "" {
			if ref, rerr := g.NodeByName(backingName); haveBackingOverride && rerr == nil {
				// An override naming an already-open node attaches it by
				// reference instead of opening a file.
				g.setBackingLink(n, ref)
			} else if err := g.openBacking(n, backingName, backingFormat, flags); err != nil {
				g.CloseNode(n)
				return nil, err
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"node":      n.name,
		"driver":    spec.Name,
		"filename":  filename,
		"read-only": readOnly,
	}).Info("node opened")
	return n, nil
}

// openBacking opens the backing parent for n with inherited flags: always
// read-only, keeping the cache behaviour, never a snapshot itself.
func (g *Graph) openBacking(n *Node, backingName, backingFormat string, flags types.OpenFlags) error {
	backingFlags := flags &^ (types.OpenRDWR | types.OpenSnapshot | types.OpenTempSnapshot)
	path := backingName
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(n.filename), backingName)
	}
	opts := map[string]string{}
	if backingFormat != "" {
		opts[types.OptDriver] = backingFormat
	}
	backing, err := g.openOne(path, opts, backingFlags)
	if err != nil {
		return blockerr.Wrap(blockerr.KindConfig, err, "could not open backing file '%s'", backingName)
	}

	// Descriptor content IDs must match: a regenerated parent CID means
	// the parent was modified behind the overlay's back.
	if child, ok := n.driver.(contentIDer); ok {
		if parent, ok := backing.driver.(contentIDer); ok {
			if child.ParentContentID() != parent.ContentID() {
				g.CloseNode(backing)
				return blockerr.E(blockerr.KindFormat,
					"content ID mismatch: parent of '%s' was modified", n.filename)
			}
		}
	}

	g.setBackingLink(n, backing)
	// The chain holds the only reference now.
	backing.Unref()
	return nil
}

// appendTempSnapshot stacks a disposable sparse overlay on node.
func (g *Graph) appendTempSnapshot(node *Node, flags types.OpenFlags) (*Node, error) {
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("vdisk-snapshot-%s.tmp", uuid.NewString()))
	err := sparse.Create(sparse.CreateOptions{
		Path:        tmp,
		Size:        node.Sectors() * types.SectorSize,
		BackingFile: node.Filename(),
	})
	if err != nil {
		return nil, blockerr.Wrap(blockerr.KindIO, err, "could not create snapshot overlay")
	}

	overlayFlags := (flags | types.OpenRDWR | types.OpenNoBacking | types.OpenTempSnapshot) &^ types.OpenSnapshot
	overlay, err := g.openOne(tmp, map[string]string{types.OptDriver: "sparse"}, overlayFlags)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	g.setBackingLink(overlay, node)
	node.Unref()
	return overlay, nil
}

// registerNode claims the node name, generating one when empty.
func (g *Graph) registerNode(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n.name == "" {
		g.counter++
		n.name = fmt.Sprintf("node%04d", g.counter)
	} else if _, taken := g.nodes[n.name]; taken {
		return blockerr.E(blockerr.KindConfig, "duplicate node name '%s'", n.name)
	}
	g.nodes[n.name] = n
	return nil
}

// deleteNode finalizes a node whose last reference dropped.
func (g *Graph) deleteNode(n *Node) {
	g.mu.Lock()
	delete(g.nodes, n.name)
	g.mu.Unlock()

	// A deleted temporary snapshot overlay removes its own file.
	if n.Flags().Has(types.OpenTempSnapshot) {
		defer os.Remove(n.filename)
	}
	n.delete()
}

// CloseNode drops the caller's reference after draining outstanding I/O.
func (g *Graph) CloseNode(n *Node) {
	n.DrainChain()
	n.Unref()
}

// NodeByName returns the named node, or an error.
func (g *Graph) NodeByName(name string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[name]; ok {
		return n, nil
	}
	return nil, blockerr.E(blockerr.KindNotFound, "no node named '%s'", name)
}

// Nodes returns a snapshot of all open nodes.
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// setBackingLink attaches backing as n's backing parent, taking a reference
// and blocking every operation on the parent except serving as a commit
// target or being replaced in a chain splice.
func (g *Graph) setBackingLink(n, backing *Node) {
	if old := n.Backing(); old != nil {
		g.removeBackingLink(n, old)
	}
	if backing == nil {
		return
	}
	backing.Ref()
	reason := backingBlockerReason(n)
	backing.blockAllExcept(reason, types.OpCommitTarget, types.OpReplace)
	n.mu.Lock()
	n.backing = backing
	n.mu.Unlock()
}

func (g *Graph) removeBackingLink(n, backing *Node) {
	backing.unblockAllExcept(backingBlockerReason(n), types.OpCommitTarget, types.OpReplace)
	n.mu.Lock()
	n.backing = nil
	n.mu.Unlock()
	backing.Unref()
}

func backingBlockerReason(n *Node) string {
	return fmt.Sprintf("node is used as backing file of '%s'", n.Filename())
}

// Append stacks overlay on top of base: overlay gains base as backing, and
// every graph edge that pointed at base is rewired to the overlay, so
// readers of the chain see the overlay as the new active layer.
func (g *Graph) Append(overlay, base *Node) error {
	if overlay.Backing() != nil {
		return blockerr.E(blockerr.KindInvalidState, "overlay '%s' already has a backing file", overlay.name)
	}
	if g.ChainContains(base, overlay) {
		return blockerr.E(blockerr.KindInvalidState, "appending '%s' would create a cycle", overlay.name)
	}
	g.rewireParents(base, overlay)
	g.setBackingLink(overlay, base)
	return nil
}

// ReplaceInChain replaces from with to in every parent edge. The caller is
// responsible for to serving reads equivalently. Both nodes are quiesced
// first, and from's dirty bitmaps move to the replacement so write tracking
// stays on the node the chain continues to see.
func (g *Graph) ReplaceInChain(from, to *Node) error {
	if from == to {
		return nil
	}
	if err := from.OpBlocked(types.OpReplace); err != nil {
		return err
	}
	from.Drain()
	to.Drain()
	from.moveBitmapsTo(to)
	g.rewireParents(from, to)
	return nil
}

// rewireParents points every backing edge targeting old at repl instead,
// moving the blocker bookkeeping with it.
func (g *Graph) rewireParents(old, repl *Node) {
	for _, parent := range g.Nodes() {
		if parent == repl {
			continue
		}
		if parent.Backing() == old {
			g.setBackingLink(parent, repl)
		}
	}
}

// ChainContains reports whether node appears in top's backing chain
// (including top itself).
func (g *Graph) ChainContains(top, node *Node) bool {
	for cur := top; cur != nil; cur = cur.Backing() {
		if cur == node {
			return true
		}
	}
	return false
}

// FindOverlay returns the node in active's chain whose backing is node, or
// nil when node is active itself or not in the chain.
func (g *Graph) FindOverlay(active, node *Node) *Node {
	for cur := active; cur != nil; cur = cur.Backing() {
		if cur.Backing() == node {
			return cur
		}
	}
	return nil
}

// BackingDepth returns the number of backing layers under node.
func (g *Graph) BackingDepth(node *Node) int {
	depth := 0
	for cur := node.Backing(); cur != nil; cur = cur.Backing() {
		depth++
	}
	return depth
}

// DropIntermediate removes the layers (top..base] exclusive of base from
// active's chain: the overlay of top is rewired straight onto base and its
// image metadata is updated to reference base. Data must already have been
// committed down; this is graph surgery only.
func (g *Graph) DropIntermediate(active, top, base *Node, backingFileStr string) error {
	if top == active {
		return blockerr.E(blockerr.KindInvalidState, "cannot drop the active layer")
	}
	if !g.ChainContains(active, top) || !g.ChainContains(top, base) || top == base {
		return blockerr.E(blockerr.KindInvalidState, "'%s'..'%s' is not a chain under '%s'",
			top.name, base.name, active.name)
	}
	overlay := g.FindOverlay(active, top)
	if overlay == nil {
		return blockerr.E(blockerr.KindInvalidState, "no overlay references '%s'", top.name)
	}

	if backingFileStr == "" {
		backingFileStr = base.Filename()
	}
	if err := overlay.ChangeBackingFile(backingFileStr, base.DriverName()); err != nil {
		return err
	}

	// Re-link before unreferencing so base cannot be torn down when the
	// intermediate chain collapses.
	base.Ref()
	g.setBackingLink(overlay, base)
	base.Unref()

	logrus.WithFields(logrus.Fields{
		"overlay": overlay.name,
		"base":    base.name,
	}).Info("intermediate layers dropped")
	return nil
}
