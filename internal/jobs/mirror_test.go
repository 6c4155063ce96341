package jobs_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-vdisk/internal/block"
	"github.com/deploymenttheory/go-vdisk/internal/jobs"
	"github.com/deploymenttheory/go-vdisk/internal/sparse"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

const testDiskSize = 4 * 1024 * 1024

func createImage(t *testing.T, dir, name, backing string) string {
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

func fill(b byte, sectors int64) []byte {
	buf := make([]byte, sectors*types.SectorSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestMirrorFullSync(t *testing.T) {
	dir := t.TempDir()
	srcPath := createImage(t, dir, "src.vmdk", "")
	dstPath := createImage(t, dir, "dst.vmdk", "")

	g := block.NewGraph()
	src, err := g.OpenImage(srcPath, false)
	require.NoError(t, err)
	dst, err := g.OpenImage(dstPath, false)
	require.NoError(t, err)
	defer g.CloseNode(src)
	defer g.CloseNode(dst)

	dataA := fill(0xaa, 128)
	dataB := fill(0xbb, 4)
	require.NoError(t, src.WriteSectors(0, dataA))
	require.NoError(t, src.WriteSectors(2000, dataB))

	m, err := jobs.StartMirror(jobs.MirrorOptions{
		Graph:  g,
		Source: src,
		Target: dst,
		Sync:   jobs.SyncFull,
	})
	require.NoError(t, err)

	require.True(t, m.WaitReady(), "mirror should reach the synced state")
	st := m.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, int64(testDiskSize), st.Length)

	// While the job runs the nodes are fenced against external commands.
	assert.Error(t, src.OpBlocked(types.OpResize))
	assert.Error(t, dst.OpBlocked(types.OpResize))

	require.NoError(t, m.Complete())
	require.NoError(t, m.Wait())

	assert.NoError(t, src.OpBlocked(types.OpResize), "blockers come off when the job ends")

	got := make([]byte, len(dataA))
	require.NoError(t, dst.ReadSectors(0, got))
	assert.Equal(t, dataA, got)
	got = make([]byte, len(dataB))
	require.NoError(t, dst.ReadSectors(2000, got))
	assert.Equal(t, dataB, got)

	// Unallocated source ranges stay zero on the target.
	zero := make([]byte, types.SectorSize)
	require.NoError(t, dst.ReadSectors(5000, zero))
	assert.Equal(t, make([]byte, types.SectorSize), zero)
}

func TestMirrorCopiesWritesAfterReady(t *testing.T) {
	dir := t.TempDir()
	srcPath := createImage(t, dir, "src.vmdk", "")
	dstPath := createImage(t, dir, "dst.vmdk", "")

	g := block.NewGraph()
	src, err := g.OpenImage(srcPath, false)
	require.NoError(t, err)
	dst, err := g.OpenImage(dstPath, false)
	require.NoError(t, err)
	defer g.CloseNode(src)
	defer g.CloseNode(dst)

	m, err := jobs.StartMirror(jobs.MirrorOptions{
		Graph:  g,
		Source: src,
		Target: dst,
		Sync:   jobs.SyncFull,
	})
	require.NoError(t, err)
	require.True(t, m.WaitReady())

	// A write landing after the ready point must still reach the target
	// before completion.
	late := fill(0xcc, 8)
	require.NoError(t, src.WriteSectors(512, late))

	require.NoError(t, m.Complete())
	require.NoError(t, m.Wait())

	got := make([]byte, len(late))
	require.NoError(t, dst.ReadSectors(512, got))
	assert.Equal(t, late, got)
}

func TestMirrorSyncTopSharesBackingChain(t *testing.T) {
	dir := t.TempDir()
	basePath := createImage(t, dir, "base.vmdk", "")

	g := block.NewGraph()
	{
		base, err := g.OpenImage(basePath, false)
		require.NoError(t, err)
		require.NoError(t, base.WriteSectors(0, fill(0x11, 128)))
		g.CloseNode(base)
	}

	topPath := createImage(t, dir, "top.vmdk", "base.vmdk")
	top, err := g.OpenImage(topPath, false)
	require.NoError(t, err)
	defer g.CloseNode(top)
	require.NoError(t, top.WriteSectors(1024, fill(0x22, 128)))

	// The target shares the same parent, so only top's data moves.
	dstPath := createImage(t, dir, "dst.vmdk", "base.vmdk")
	dst, err := g.Open(map[string]string{
		types.OptFilename: dstPath,
		types.OptBacking:  "",
	}, types.OpenRDWR)
	require.NoError(t, err)
	defer g.CloseNode(dst)

	m, err := jobs.StartMirror(jobs.MirrorOptions{
		Graph:  g,
		Source: top,
		Target: dst,
		Base:   top.Backing(),
		Sync:   jobs.SyncTop,
	})
	require.NoError(t, err)
	require.True(t, m.WaitReady())
	require.NoError(t, m.Complete())
	require.NoError(t, m.Wait())

	got := make([]byte, 128*types.SectorSize)
	require.NoError(t, dst.ReadSectors(1024, got))
	assert.Equal(t, fill(0x22, 128), got, "top's own data should be on the target")

	// The parent's data was not copied; the target layer itself has no
	// allocation there.
	alloc, _, err := dst.IsAllocated(0, 128)
	require.NoError(t, err)
	assert.False(t, alloc, "ranges served by the shared parent stay unallocated")
}

func TestMirrorSpeedLimitLiftsAfterReady(t *testing.T) {
	dir := t.TempDir()
	srcPath := createImage(t, dir, "src.vmdk", "")
	dstPath := createImage(t, dir, "dst.vmdk", "")

	g := block.NewGraph()
	src, err := g.OpenImage(srcPath, false)
	require.NoError(t, err)
	dst, err := g.OpenImage(dstPath, false)
	require.NoError(t, err)
	defer g.CloseNode(src)
	defer g.CloseNode(dst)

	m, err := jobs.StartMirror(jobs.MirrorOptions{
		Graph:       g,
		Source:      src,
		Target:      dst,
		Sync:        jobs.SyncFull,
		Granularity: 4096,
	})
	require.NoError(t, err)
	require.True(t, m.WaitReady())

	// A crawling speed limit set after the sync point must not delay the
	// final drain: throttling applies only until the target catches up.
	require.NoError(t, m.SetSpeed(1))

	late := fill(0xdd, 8)
	require.NoError(t, src.WriteSectors(256, late))

	require.NoError(t, m.Complete())
	require.NoError(t, m.Wait())

	got := make([]byte, len(late))
	require.NoError(t, dst.ReadSectors(256, got))
	assert.Equal(t, late, got)
}

func TestMirrorCancelAfterReady(t *testing.T) {
	dir := t.TempDir()
	srcPath := createImage(t, dir, "src.vmdk", "")
	dstPath := createImage(t, dir, "dst.vmdk", "")

	g := block.NewGraph()
	src, err := g.OpenImage(srcPath, false)
	require.NoError(t, err)
	dst, err := g.OpenImage(dstPath, false)
	require.NoError(t, err)
	defer g.CloseNode(src)
	defer g.CloseNode(dst)

	data := fill(0x5e, 64)
	require.NoError(t, src.WriteSectors(0, data))

	m, err := jobs.StartMirror(jobs.MirrorOptions{
		Graph:  g,
		Source: src,
		Target: dst,
		Sync:   jobs.SyncFull,
	})
	require.NoError(t, err)
	require.True(t, m.WaitReady())

	// Cancelling a ready job ends it cleanly with a consistent copy.
	m.Cancel()
	require.NoError(t, m.Wait())

	got := make([]byte, len(data))
	require.NoError(t, dst.ReadSectors(0, got))
	assert.Equal(t, data, got)
}

func TestMirrorValidation(t *testing.T) {
	dir := t.TempDir()
	srcPath := createImage(t, dir, "src.vmdk", "")
	dstPath := createImage(t, dir, "dst.vmdk", "")

	g := block.NewGraph()
	src, err := g.OpenImage(srcPath, false)
	require.NoError(t, err)
	defer g.CloseNode(src)

	_, err = jobs.StartMirror(jobs.MirrorOptions{Graph: g, Source: src})
	assert.Error(t, err, "a target is required")

	roDst, err := g.OpenImage(dstPath, true)
	require.NoError(t, err)
	_, err = jobs.StartMirror(jobs.MirrorOptions{Graph: g, Source: src, Target: roDst})
	assert.Error(t, err, "a read-only target is rejected")
	g.CloseNode(roDst)

	dst, err := g.OpenImage(dstPath, false)
	require.NoError(t, err)
	defer g.CloseNode(dst)

	_, err = jobs.StartMirror(jobs.MirrorOptions{
		Graph: g, Source: src, Target: dst, Granularity: 1000,
	})
	assert.Error(t, err, "granularity must be a power of two")

	src.BlockOp(types.OpMirror, "held by test")
	_, err = jobs.StartMirror(jobs.MirrorOptions{Graph: g, Source: src, Target: dst})
	assert.Error(t, err, "a blocked source is rejected")
	src.UnblockOp(types.OpMirror, "held by test")
}

func TestParseSyncModeAndErrorAction(t *testing.T) {
	for spelling, want := range map[string]jobs.SyncMode{
		"":     jobs.SyncFull,
		"full": jobs.SyncFull,
		"top":  jobs.SyncTop,
		"none": jobs.SyncNone,
	} {
		got, err := jobs.ParseSyncMode(spelling)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := jobs.ParseSyncMode("bottom")
	assert.Error(t, err)

	for spelling, want := range map[string]jobs.ErrorAction{
		"":       jobs.ErrorReport,
		"report": jobs.ErrorReport,
		"ignore": jobs.ErrorIgnore,
		"stop":   jobs.ErrorStop,
	} {
		got, err := jobs.ParseErrorAction(spelling)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = jobs.ParseErrorAction("explode")
	assert.Error(t, err)
}

func TestJobSpeedControl(t *testing.T) {
	dir := t.TempDir()
	srcPath := createImage(t, dir, "src.vmdk", "")
	dstPath := createImage(t, dir, "dst.vmdk", "")

	g := block.NewGraph()
	src, err := g.OpenImage(srcPath, false)
	require.NoError(t, err)
	dst, err := g.OpenImage(dstPath, false)
	require.NoError(t, err)
	defer g.CloseNode(src)
	defer g.CloseNode(dst)

	m, err := jobs.StartMirror(jobs.MirrorOptions{
		Graph: g, Source: src, Target: dst, Sync: jobs.SyncNone,
	})
	require.NoError(t, err)

	assert.Error(t, m.SetSpeed(-1), "negative speed is rejected")
	assert.NoError(t, m.SetSpeed(1024*1024))
	assert.NoError(t, m.SetSpeed(0), "zero removes the limit")

	require.True(t, m.WaitReady())
	require.NoError(t, m.Complete())
	require.NoError(t, m.Wait())
}
