package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-vdisk/internal/sparse"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

const testDiskSize = 4 * 1024 * 1024

func createTestImage(t *testing.T, dir, name, backing string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	err := sparse.Create(sparse.CreateOptions{
		Path:        path,
		Size:        testDiskSize,
		BackingFile: backing,
	})
	require.NoError(t, err, "image creation should succeed")
	return path
}

func fillSectors(t *testing.T, g *Graph, path string, sector int64, b byte, n int64) {
	t.Helper()
	node, err := g.OpenImage(path, false)
	require.NoError(t, err)
	buf := make([]byte, n*types.SectorSize)
	for i := range buf {
		buf[i] = b
	}
	require.NoError(t, node.WriteSectors(sector, buf))
	g.CloseNode(node)
}

func TestOpenChainAttachesBacking(t *testing.T) {
	dir := t.TempDir()
	basePath := createTestImage(t, dir, "base.vmdk", "")
	overlayPath := createTestImage(t, dir, "overlay.vmdk", "base.vmdk")

	g := NewGraph()
	overlay, err := g.OpenImage(overlayPath, false)
	require.NoError(t, err)
	defer g.CloseNode(overlay)

	base := overlay.Backing()
	require.NotNil(t, base, "backing chain should be attached")
	assert.Equal(t, basePath, base.Filename())
	assert.True(t, base.IsReadOnly(), "backing layers open read-only")
	assert.False(t, overlay.IsReadOnly())
	assert.Len(t, g.Nodes(), 2)

	// The backing link blocks the parent for everything except serving as
	// a commit target or being replaced in a chain splice.
	assert.Error(t, base.OpBlocked(types.OpMirror))
	assert.Error(t, base.OpBlocked(types.OpResize))
	assert.NoError(t, base.OpBlocked(types.OpCommitTarget))
	assert.NoError(t, base.OpBlocked(types.OpReplace))
	assert.NoError(t, overlay.OpBlocked(types.OpMirror))
}

func TestCloseReleasesWholeChain(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, dir, "base.vmdk", "")
	overlayPath := createTestImage(t, dir, "overlay.vmdk", "base.vmdk")

	g := NewGraph()
	overlay, err := g.OpenImage(overlayPath, false)
	require.NoError(t, err)
	require.Len(t, g.Nodes(), 2)

	g.CloseNode(overlay)
	assert.Empty(t, g.Nodes(), "closing the active layer should release the chain")
}

func TestNodeNames(t *testing.T) {
	dir := t.TempDir()
	path := createTestImage(t, dir, "disk.vmdk", "")

	g := NewGraph()
	node, err := g.Open(map[string]string{
		types.OptFilename: path,
		types.OptNodeName: "top-layer",
	}, types.OpenRDWR)
	require.NoError(t, err)
	defer g.CloseNode(node)

	assert.Equal(t, "top-layer", node.Name())
	found, err := g.NodeByName("top-layer")
	require.NoError(t, err)
	assert.Same(t, node, found)

	_, err = g.NodeByName("missing")
	assert.Error(t, err)

	_, err = g.Open(map[string]string{
		types.OptFilename: path,
		types.OptNodeName: "9bad name",
	}, 0)
	assert.Error(t, err, "node names must start with a letter")
}

func TestBackingOverrideSuppressesChain(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, dir, "base.vmdk", "")
	overlayPath := createTestImage(t, dir, "overlay.vmdk", "base.vmdk")

	g := NewGraph()
	node, err := g.Open(map[string]string{
		types.OptFilename: overlayPath,
		types.OptBacking:  "",
	}, types.OpenRDWR)
	require.NoError(t, err)
	defer g.CloseNode(node)

	assert.Nil(t, node.Backing(), "an empty backing override suppresses the chain")
	assert.Len(t, g.Nodes(), 1)
}

func TestAppend(t *testing.T) {
	dir := t.TempDir()
	basePath := createTestImage(t, dir, "base.vmdk", "")
	overlayPath := createTestImage(t, dir, "overlay.vmdk", "")

	g := NewGraph()
	base, err := g.OpenImage(basePath, false)
	require.NoError(t, err)
	overlay, err := g.OpenImage(overlayPath, false)
	require.NoError(t, err)

	require.NoError(t, g.Append(overlay, base))
	assert.Same(t, base, overlay.Backing())
	assert.Error(t, base.OpBlocked(types.OpMirror), "appended base gains backing blockers")

	// A second append on the same overlay, and cycles, are rejected.
	assert.Error(t, g.Append(overlay, base))
	assert.Error(t, g.Append(base, overlay), "appending a node onto its own overlay is a cycle")

	// A base that outlives its overlay must shed the edge's blockers.
	g.CloseNode(overlay)
	assert.NoError(t, base.OpBlocked(types.OpMirror),
		"closing the overlay releases the backing blockers")
	assert.NoError(t, base.OpBlocked(types.OpResize))
	g.CloseNode(base)
}

func TestReplaceInChain(t *testing.T) {
	dir := t.TempDir()
	basePath := createTestImage(t, dir, "base.vmdk", "")
	aPath := createTestImage(t, dir, "a.vmdk", "base.vmdk")
	bPath := createTestImage(t, dir, "b.vmdk", "base.vmdk")
	topPath := createTestImage(t, dir, "top.vmdk", "a.vmdk")

	g := NewGraph()
	top, err := g.OpenImage(topPath, false)
	require.NoError(t, err)
	defer g.CloseNode(top)
	a := top.Backing()
	require.NotNil(t, a)
	base := a.Backing()
	require.NotNil(t, base)
	assert.Equal(t, basePath, base.Filename())

	b, err := g.Open(map[string]string{
		types.OptFilename: bPath,
		types.OptBacking:  "",
	}, 0)
	require.NoError(t, err)

	bm, err := a.CreateDirtyBitmap("tracked", 64*1024)
	require.NoError(t, err)

	// Blocked nodes refuse replacement.
	a.BlockOp(types.OpReplace, "held by test")
	require.Error(t, g.ReplaceInChain(a, b))
	a.UnblockOp(types.OpReplace, "held by test")

	require.NoError(t, g.ReplaceInChain(a, b))
	assert.Same(t, b, top.Backing(), "top's backing edge should point at the replacement")
	assert.Same(t, bm, b.FindDirtyBitmap("tracked"), "dirty bitmaps follow the replacement")
	assert.Nil(t, a.FindDirtyBitmap("tracked"))

	g.CloseNode(b)
	assert.Equal(t, aPath, a.Filename())
}

func TestOpenNodeReference(t *testing.T) {
	dir := t.TempDir()
	path := createTestImage(t, dir, "disk.vmdk", "")

	g := NewGraph()
	node, err := g.Open(map[string]string{
		types.OptFilename: path,
		types.OptNodeName: "origin",
	}, types.OpenRDWR)
	require.NoError(t, err)

	ref, err := g.OpenNode("origin", nil, 0)
	require.NoError(t, err)
	assert.Same(t, node, ref, "a reference resolves to the open node itself")

	// A reference cannot be combined with a filename or other options.
	_, err = g.OpenNode("origin", map[string]string{types.OptFilename: path}, 0)
	require.Error(t, err)

	_, err = g.OpenNode("missing", nil, 0)
	require.Error(t, err)

	// The reference carries its own lifetime.
	g.CloseNode(ref)
	require.NotEmpty(t, g.Nodes())
	g.CloseNode(node)
	assert.Empty(t, g.Nodes())
}

func TestBackingNodeReference(t *testing.T) {
	dir := t.TempDir()
	basePath := createTestImage(t, dir, "base.vmdk", "")
	overlayPath := createTestImage(t, dir, "overlay.vmdk", "base.vmdk")

	g := NewGraph()
	base, err := g.Open(map[string]string{
		types.OptFilename: basePath,
		types.OptNodeName: "shared-base",
	}, 0)
	require.NoError(t, err)

	overlay, err := g.Open(map[string]string{
		types.OptFilename: overlayPath,
		types.OptBacking:  "shared-base",
	}, types.OpenRDWR)
	require.NoError(t, err)

	assert.Same(t, base, overlay.Backing(), "the override resolves an open node by name")
	assert.Error(t, base.OpBlocked(types.OpMirror), "a referenced backing node gains the edge's blockers")

	g.CloseNode(overlay)
	assert.NoError(t, base.OpBlocked(types.OpMirror))
	g.CloseNode(base)
	assert.Empty(t, g.Nodes())
}

func TestWriteCompressedValidation(t *testing.T) {
	dir := t.TempDir()
	path := createTestImage(t, dir, "disk.vmdk", "")

	g := NewGraph()
	node, err := g.OpenImage(path, false)
	require.NoError(t, err)
	defer g.CloseNode(node)

	buf := make([]byte, types.SectorSize)
	assert.Error(t, node.WriteCompressed(-1, buf), "negative sector is rejected")
	assert.Error(t, node.WriteCompressed(node.Sectors(), buf), "write beyond the end is rejected")
}

func TestDropIntermediate(t *testing.T) {
	dir := t.TempDir()
	createTestImage(t, dir, "base.vmdk", "")
	{
		g := NewGraph()
		fillSectors(t, g, filepath.Join(dir, "base.vmdk"), 0, 0x11, 1)
	}
	createTestImage(t, dir, "mid.vmdk", "base.vmdk")
	topPath := createTestImage(t, dir, "top.vmdk", "mid.vmdk")

	g := NewGraph()
	top, err := g.OpenImage(topPath, false)
	require.NoError(t, err)
	mid := top.Backing()
	require.NotNil(t, mid)
	base := mid.Backing()
	require.NotNil(t, base)

	require.Error(t, g.DropIntermediate(top, top, base, ""),
		"the active layer cannot be dropped")
	require.Error(t, g.DropIntermediate(top, mid, mid, ""),
		"top and base must differ")

	require.NoError(t, g.DropIntermediate(top, mid, base, ""))
	assert.Same(t, base, top.Backing(), "top should sit directly on base")
	assert.Len(t, g.Nodes(), 2, "the dropped intermediate should be released")

	g.CloseNode(top)
}

func TestTempSnapshotOverlay(t *testing.T) {
	dir := t.TempDir()
	path := createTestImage(t, dir, "disk.vmdk", "")
	g := NewGraph()
	fillSectors(t, g, path, 0, 0x33, 1)

	overlay, err := g.Open(map[string]string{types.OptFilename: path},
		types.OpenRDWR|types.OpenSnapshot)
	require.NoError(t, err)
	tmpFile := overlay.Filename()
	assert.NotEqual(t, path, tmpFile, "snapshot mode stacks a disposable overlay")
	require.NotNil(t, overlay.Backing())
	assert.True(t, overlay.Backing().IsReadOnly(), "the snapshotted chain is frozen")

	// Writes land in the overlay only.
	buf := make([]byte, types.SectorSize)
	for i := range buf {
		buf[i] = 0x44
	}
	require.NoError(t, overlay.WriteSectors(0, buf))

	got := make([]byte, types.SectorSize)
	require.NoError(t, overlay.ReadSectors(0, got))
	assert.Equal(t, buf, got)

	g.CloseNode(overlay)
	_, err = os.Stat(tmpFile)
	assert.True(t, os.IsNotExist(err), "the overlay file should be removed on close")

	// The original image never saw the write.
	node, err := g.OpenImage(path, true)
	require.NoError(t, err)
	defer g.CloseNode(node)
	require.NoError(t, node.ReadSectors(0, got))
	assert.Equal(t, byte(0x33), got[0])
}
