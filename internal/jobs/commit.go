package jobs

import (
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/block"
	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// CommitOptions configures a commit job.
type CommitOptions struct {
	Graph  *block.Graph
	Active *block.Node // topmost node of the chain
	Top    *block.Node // highest layer whose data moves down
	Base   *block.Node // destination layer

	// BackingFileStr overrides the backing reference written into top's
	// overlay; empty uses base's filename.
	BackingFileStr string

	Speed int64 // bytes per second, 0 for unlimited
}

// Commit is a running commit job.
type Commit struct {
	*Job

	graph  *block.Graph
	active *block.Node
	top    *block.Node
	base   *block.Node

	backingFileStr string

	restoreBase    bool
	restoreOverlay *block.Node
}

// StartCommit moves the data of the layers (base, top] down into base and
// drops them from the chain. When top is the active layer this is an
// active commit: the job mirrors ongoing writes into base and pivots on
// completion.
func StartCommit(opts CommitOptions) (*Commit, error) {
	g, active, top, base := opts.Graph, opts.Active, opts.Top, opts.Base
	if g == nil || active == nil || top == nil || base == nil {
		return nil, blockerr.E(blockerr.KindConfig, "commit needs a graph, active, top and base node")
	}
	if !g.ChainContains(active, top) || !g.ChainContains(top, base) || top == base {
		return nil, blockerr.E(blockerr.KindConfig, "'%s' and '%s' are not stacked under '%s'",
			top.Name(), base.Name(), active.Name())
	}
	// Intermediate layers are blocked wholesale by their backing link, so
	// the commit-source check runs on the active node.
	if err := active.OpBlocked(types.OpCommitSource); err != nil {
		return nil, err
	}
	if err := base.OpBlocked(types.OpCommitTarget); err != nil {
		return nil, err
	}

	if top == active {
		return startActiveCommit(opts)
	}

	c := &Commit{
		Job:            newJob("commit", nil),
		graph:          g,
		active:         active,
		top:            top,
		base:           base,
		backingFileStr: opts.BackingFileStr,
	}
	if opts.Speed > 0 {
		if err := c.SetSpeed(opts.Speed); err != nil {
			return nil, err
		}
	}

	// The destination and the overlay's descriptor both need to be
	// writable for the duration of the job.
	if base.IsReadOnly() {
		if err := g.ReopenReadWrite(base); err != nil {
			return nil, err
		}
		c.restoreBase = true
	}
	if overlay := g.FindOverlay(active, top); overlay != nil && overlay.IsReadOnly() {
		if err := g.ReopenReadWrite(overlay); err != nil {
			c.restoreFlags()
			return nil, err
		}
		c.restoreOverlay = overlay
	}

	c.setLength(top.Sectors() * types.SectorSize)

	go func() {
		err := c.run()
		c.restoreFlags()
		c.finish(err)
	}()
	return c, nil
}

// run copies every range allocated in top into base, then rewires the
// chain so top's overlay points straight at base.
func (c *Commit) run() error {
	sectors := c.top.Sectors()
	if baseSectors := c.base.Sectors(); baseSectors < sectors {
		if err := c.base.Resize(sectors); err != nil {
			return blockerr.Wrap(blockerr.KindIO, err, "base is smaller than top and cannot grow")
		}
	}

	const batchSectors = 1024 // 512 KiB per copy step
	buf := make([]byte, batchSectors*types.SectorSize)

	for sector := int64(0); sector < sectors; {
		if err := c.pausePoint(); err != nil {
			return err
		}
		n := int64(batchSectors)
		if sector+n > sectors {
			n = sectors - sector
		}
		alloc, num, err := c.top.IsAllocated(sector, n)
		if err != nil {
			return err
		}
		if num > 0 {
			n = num
		}
		if alloc {
			chunk := buf[:n*types.SectorSize]
			if err := c.top.ReadSectors(sector, chunk); err != nil {
				return err
			}
			if err := c.base.WriteSectors(sector, chunk); err != nil {
				return err
			}
			c.progress(n * types.SectorSize)
			if err := c.throttle(n * types.SectorSize); err != nil {
				return err
			}
		} else {
			c.progress(n * types.SectorSize)
		}
		sector += n
	}

	if err := c.base.Flush(); err != nil {
		return err
	}
	if err := c.graph.DropIntermediate(c.active, c.top, c.base, c.backingFileStr); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"job":  c.ID(),
		"top":  c.top.Name(),
		"base": c.base.Name(),
	}).Info("commit finished")
	return nil
}

// restoreFlags puts nodes reopened writable back to read-only.
func (c *Commit) restoreFlags() {
	if c.restoreOverlay != nil {
		if err := c.graph.ReopenReadOnly(c.restoreOverlay); err != nil {
			logrus.WithError(err).Warn("could not restore overlay to read-only")
		}
		c.restoreOverlay = nil
	}
	if c.restoreBase {
		if err := c.graph.ReopenReadOnly(c.base); err != nil {
			logrus.WithError(err).Warn("could not restore base to read-only")
		}
		c.restoreBase = false
	}
}

// startActiveCommit commits the active layer itself: the mirror machinery
// keeps base in step with ongoing writes and pivots the graph onto base
// when the job completes.
func startActiveCommit(opts CommitOptions) (*Commit, error) {
	g, active, base := opts.Graph, opts.Active, opts.Base

	restoreBase := false
	if base.IsReadOnly() {
		if err := g.ReopenReadWrite(base); err != nil {
			return nil, err
		}
		restoreBase = true
	}
	if base.Sectors() < active.Sectors() {
		if err := base.Resize(active.Sectors()); err != nil {
			if restoreBase {
				g.ReopenReadOnly(base)
			}
			return nil, blockerr.Wrap(blockerr.KindIO, err, "base is smaller than the active layer")
		}
	}

	m, err := StartMirror(MirrorOptions{
		Graph:   g,
		Source:  active,
		Target:  base,
		Base:    base,
		Sync:    SyncTop,
		Replace: true,
		onExit: func(runErr error) error {
			if runErr != nil && restoreBase {
				if rerr := g.ReopenReadOnly(base); rerr != nil {
					logrus.WithError(rerr).Warn("could not restore base to read-only")
				}
			}
			return runErr
		},
	})
	if err != nil {
		if restoreBase {
			g.ReopenReadOnly(base)
		}
		return nil, err
	}
	if opts.Speed > 0 {
		m.SetSpeed(opts.Speed)
	}

	c := &Commit{
		Job:    m.Job,
		graph:  g,
		active: active,
		top:    active,
		base:   base,
	}
	return c, nil
}
