package jobs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-vdisk/internal/block"
	"github.com/deploymenttheory/go-vdisk/internal/jobs"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

func TestCommitIntermediate(t *testing.T) {
	dir := t.TempDir()

	createImage(t, dir, "base.vmdk", "")
	{
		g := block.NewGraph()
		base, err := g.OpenImage(dir+"/base.vmdk", false)
		require.NoError(t, err)
		require.NoError(t, base.WriteSectors(0, fill(0x10, 128)))
		g.CloseNode(base)
	}
	createImage(t, dir, "mid.vmdk", "base.vmdk")
	{
		g := block.NewGraph()
		mid, err := g.OpenImage(dir+"/mid.vmdk", false)
		require.NoError(t, err)
		require.NoError(t, mid.WriteSectors(1024, fill(0x20, 128)))
		g.CloseNode(mid)
	}
	topPath := createImage(t, dir, "top.vmdk", "mid.vmdk")

	g := block.NewGraph()
	top, err := g.OpenImage(topPath, false)
	require.NoError(t, err)
	defer g.CloseNode(top)
	require.NoError(t, top.WriteSectors(2048, fill(0x30, 128)))

	mid := top.Backing()
	require.NotNil(t, mid)
	base := mid.Backing()
	require.NotNil(t, base)
	require.True(t, base.IsReadOnly())

	c, err := jobs.StartCommit(jobs.CommitOptions{
		Graph:  g,
		Active: top,
		Top:    mid,
		Base:   base,
	})
	require.NoError(t, err)
	require.NoError(t, c.Wait())

	// The intermediate layer is gone; top now sits directly on base.
	assert.Same(t, base, top.Backing())
	assert.Len(t, g.Nodes(), 2)
	assert.True(t, base.IsReadOnly(), "the base goes back to read-only after the job")

	// Every layer's data is still visible through the chain.
	got := make([]byte, 128*types.SectorSize)
	require.NoError(t, top.ReadSectors(0, got))
	assert.Equal(t, fill(0x10, 128), got, "base data")
	require.NoError(t, top.ReadSectors(1024, got))
	assert.Equal(t, fill(0x20, 128), got, "committed intermediate data")
	require.NoError(t, top.ReadSectors(2048, got))
	assert.Equal(t, fill(0x30, 128), got, "top's own data")

	// The committed data physically lives in base now.
	alloc, _, err := base.IsAllocated(1024, 128)
	require.NoError(t, err)
	assert.True(t, alloc, "mid's data should have moved into base")
}

func TestCommitIntermediatePersistsBackingReference(t *testing.T) {
	dir := t.TempDir()
	createImage(t, dir, "base.vmdk", "")
	createImage(t, dir, "mid.vmdk", "base.vmdk")
	topPath := createImage(t, dir, "top.vmdk", "mid.vmdk")

	g := block.NewGraph()
	top, err := g.OpenImage(topPath, false)
	require.NoError(t, err)
	mid := top.Backing()
	base := mid.Backing()

	c, err := jobs.StartCommit(jobs.CommitOptions{
		Graph:  g,
		Active: top,
		Top:    mid,
		Base:   base,
	})
	require.NoError(t, err)
	require.NoError(t, c.Wait())
	g.CloseNode(top)

	// A fresh open must resolve the rewritten backing reference, skipping
	// the dropped layer entirely.
	g2 := block.NewGraph()
	top2, err := g2.OpenImage(topPath, true)
	require.NoError(t, err, "reopening after commit should succeed")
	defer g2.CloseNode(top2)
	require.NotNil(t, top2.Backing())
	assert.Contains(t, top2.Backing().Filename(), "base.vmdk")
	assert.Nil(t, top2.Backing().Backing())
}

func TestCommitActive(t *testing.T) {
	dir := t.TempDir()
	createImage(t, dir, "base.vmdk", "")
	topPath := createImage(t, dir, "top.vmdk", "base.vmdk")

	g := block.NewGraph()
	top, err := g.OpenImage(topPath, false)
	require.NoError(t, err)
	defer g.CloseNode(top)
	require.NoError(t, top.WriteSectors(100, fill(0x77, 256)))

	base := top.Backing()
	require.NotNil(t, base)

	c, err := jobs.StartCommit(jobs.CommitOptions{
		Graph:  g,
		Active: top,
		Top:    top,
		Base:   base,
	})
	require.NoError(t, err)

	// The active commit runs through the mirror machinery and needs the
	// ready/complete handshake.
	require.True(t, c.WaitReady())
	require.NoError(t, c.Complete())
	require.NoError(t, c.Wait())

	got := make([]byte, 256*types.SectorSize)
	require.NoError(t, base.ReadSectors(100, got))
	assert.Equal(t, fill(0x77, 256), got, "the active layer's data should land in base")
}

func TestCommitValidation(t *testing.T) {
	dir := t.TempDir()
	createImage(t, dir, "base.vmdk", "")
	topPath := createImage(t, dir, "top.vmdk", "base.vmdk")
	otherPath := createImage(t, dir, "other.vmdk", "")

	g := block.NewGraph()
	top, err := g.OpenImage(topPath, false)
	require.NoError(t, err)
	defer g.CloseNode(top)
	base := top.Backing()

	other, err := g.OpenImage(otherPath, false)
	require.NoError(t, err)
	defer g.CloseNode(other)

	_, err = jobs.StartCommit(jobs.CommitOptions{Graph: g, Active: top, Top: base, Base: base})
	assert.Error(t, err, "top and base must differ")

	_, err = jobs.StartCommit(jobs.CommitOptions{Graph: g, Active: top, Top: other, Base: base})
	assert.Error(t, err, "top must be in the active chain")

	top.BlockOp(types.OpCommitSource, "held by test")
	_, err = jobs.StartCommit(jobs.CommitOptions{Graph: g, Active: top, Top: top, Base: base})
	assert.Error(t, err, "a blocked active node is rejected")
	top.UnblockOp(types.OpCommitSource, "held by test")
}
