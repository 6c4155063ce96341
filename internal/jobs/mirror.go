package jobs

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-vdisk/internal/block"
	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// SyncMode selects which data a mirror job copies before going ready.
type SyncMode int

const (
	// SyncFull copies the whole visible disk.
	SyncFull SyncMode = iota

	// SyncTop copies only data allocated above the base layer; the target
	// shares the same backing chain for the rest.
	SyncTop

	// SyncNone copies nothing up front, only writes arriving afterwards.
	SyncNone
)

// ParseSyncMode maps the command-line spelling to a mode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", "full":
		return SyncFull, nil
	case "top":
		return SyncTop, nil
	case "none":
		return SyncNone, nil
	default:
		return SyncFull, blockerr.E(blockerr.KindConfig, "unknown sync mode %q", s)
	}
}

const (
	// DefaultBufSize bounds the copy buffers of one mirror job.
	DefaultBufSize = 10 * 1024 * 1024

	// DefaultGranularity is used when the target reports no cluster size.
	DefaultGranularity = 64 * 1024

	// idleSleep is how long a ready job naps between dirty-bitmap polls.
	idleSleep = 100 * time.Millisecond
)

// MirrorOptions configures a mirror or active-commit job.
type MirrorOptions struct {
	Graph  *block.Graph
	Source *block.Node
	Target *block.Node

	// Base bounds SyncTop: data allocated at or below Base is not copied.
	Base *block.Node

	Sync        SyncMode
	Granularity int64 // bytes per copy chunk; 0 picks a default
	BufSize     int64 // copy buffer budget in bytes; 0 picks the default

	OnSourceError ErrorAction
	OnTargetError ErrorAction

	// Replace pivots readers of Source onto Target when the job completes
	// successfully.
	Replace bool

	// OnReady fires when the target first catches up with the source.
	OnReady func()

	// onExit runs in the job goroutine after the copy loop, before
	// blockers and the bitmap are released. Used by the active commit.
	onExit func(err error) error
}

// Mirror is a running mirror job.
type Mirror struct {
	*Job

	graph  *block.Graph
	source *block.Node
	target *block.Node
	base   *block.Node

	sync          SyncMode
	granSectors   int64
	onSourceError ErrorAction
	onTargetError ErrorAction
	replace       bool

	bitmap *block.DirtyBitmap
	pool   *bufferPool

	// exit hook for the active-commit variant
	onExit func(err error) error
}

// StartMirror begins mirroring and returns the running job.
func StartMirror(opts MirrorOptions) (*Mirror, error) {
	if opts.Source == nil || opts.Target == nil || opts.Graph == nil {
		return nil, blockerr.E(blockerr.KindConfig, "mirror needs a graph, a source and a target")
	}
	granularity := opts.Granularity
	if granularity == 0 {
		granularity = opts.Target.ClusterSize()
		if granularity == 0 {
			granularity = DefaultGranularity
		}
	}
	if granularity < types.SectorSize || granularity&(granularity-1) != 0 {
		return nil, blockerr.E(blockerr.KindConfig, "invalid granularity %d", granularity)
	}
	bufSize := opts.BufSize
	if bufSize == 0 {
		bufSize = DefaultBufSize
	}
	if opts.Target.Sectors() < opts.Source.Sectors() {
		return nil, blockerr.E(blockerr.KindConfig, "target is smaller than the source")
	}
	if opts.Target.IsReadOnly() {
		return nil, blockerr.E(blockerr.KindConfig, "target is read-only")
	}
	if err := opts.Source.OpBlocked(types.OpMirror); err != nil {
		return nil, err
	}

	bitmap, err := opts.Source.CreateDirtyBitmap("", granularity)
	if err != nil {
		return nil, err
	}

	m := &Mirror{
		Job:           newJob("mirror", opts.OnReady),
		graph:         opts.Graph,
		source:        opts.Source,
		target:        opts.Target,
		base:          opts.Base,
		sync:          opts.Sync,
		granSectors:   granularity >> types.SectorBits,
		onSourceError: opts.OnSourceError,
		onTargetError: opts.OnTargetError,
		replace:       opts.Replace,
		bitmap:        bitmap,
		pool:          newBufferPool(bufSize, granularity),
		onExit:        opts.onExit,
	}
	m.setLength(opts.Source.Sectors() * types.SectorSize)

	reason := "node is in use by mirror job " + m.ID()
	m.source.BlockAllOps(reason)
	m.target.BlockAllOps(reason)

	go func() {
		err := m.run()

		// The job's own blockers must come off before the pivot, which is
		// itself guarded by the replace blocker category. The private
		// bitmap dies first: the pivot moves the source's remaining
		// bitmaps to the target, and the job's own must not go with them.
		m.source.UnblockAllOps(reason)
		m.target.UnblockAllOps(reason)
		m.source.ReleaseDirtyBitmap(m.bitmap)
		if err == nil && m.replace && !m.isCancelled() {
			if perr := m.graph.ReplaceInChain(m.source, m.target); perr != nil {
				err = perr
			} else {
				logrus.WithFields(logrus.Fields{
					"job":    m.ID(),
					"source": m.source.Name(),
					"target": m.target.Name(),
				}).Info("mirror pivoted to target")
			}
		}
		if m.onExit != nil {
			err = m.onExit(err)
		}
		m.finish(err)
	}()
	return m, nil
}

// run is the copy loop: seed the bitmap from the allocation scan, then keep
// draining dirty chunks until the target has caught up; after that stay
// synced until cancelled or asked to complete.
func (m *Mirror) run() error {
	if err := m.initialScan(); err != nil {
		return err
	}

	for {
		if err := m.pausePoint(); err != nil {
			if m.Status().Ready {
				// A ready job cancelled here still leaves a consistent
				// point-in-time copy; drain the remainder below.
				break
			}
			return err
		}

		if m.bitmap.DirtyCount() == 0 {
			if err := m.target.Flush(); err != nil {
				if ferr := m.handleTargetError(err, 0, 0); ferr != nil {
					return ferr
				}
				continue
			}
			m.markReady()
			if m.shouldComplete() {
				break
			}
			time.Sleep(idleSleep)
			continue
		}

		if err := m.copyBatch(); err != nil {
			return err
		}
	}

	// Final convergence: quiesce the source, then move what is left.
	m.source.DrainChain()
	for m.bitmap.DirtyCount() > 0 {
		if m.isCancelled() && !m.Status().Ready {
			return nil
		}
		if err := m.copyBatch(); err != nil {
			return err
		}
	}
	return m.target.Flush()
}

// initialScan seeds the dirty bitmap according to the sync mode.
func (m *Mirror) initialScan() error {
	sectors := m.source.Sectors()
	switch m.sync {
	case SyncNone:
		return nil
	case SyncFull:
		return m.bitmap.SetRange(0, sectors)
	case SyncTop:
		for s := int64(0); s < sectors; {
			alloc, num, err := m.source.IsAllocatedAbove(m.base, s, sectors-s)
			if err != nil {
				return err
			}
			if num <= 0 {
				num = m.granSectors
			}
			if alloc {
				if err := m.bitmap.SetRange(s, num); err != nil {
					return err
				}
			}
			s += num
			if err := m.pausePoint(); err != nil {
				return err
			}
		}
	}
	return nil
}

// chunk is one pending copy unit.
type chunk struct {
	sector int64
	n      int64
	buf    []byte
}

// copyBatch pulls as many dirty chunks as there are free buffers, clears
// their bits, and copies them to the target concurrently. A chunk that
// fails under the ignore or stop policies is re-marked dirty.
func (m *Mirror) copyBatch() error {
	max := m.pool.free()
	if max < 1 {
		max = 1
	}
	batch := make([]chunk, 0, max)
	it := m.bitmap.Iter(0)
	for len(batch) < max {
		sector := it.Next()
		if sector < 0 {
			break
		}
		n := m.granSectors
		if sector+n > m.source.Sectors() {
			n = m.source.Sectors() - sector
		}
		if n <= 0 {
			break
		}
		buf, err := m.pool.get(m.ctx)
		if err != nil {
			return err
		}
		if err := m.bitmap.ResetRange(sector, m.granSectors); err != nil {
			m.pool.put(buf)
			return err
		}
		batch = append(batch, chunk{sector: sector, n: n, buf: buf[:n*types.SectorSize]})
		it.Seek(sector + m.granSectors)
	}
	if len(batch) == 0 {
		return nil
	}

	var g errgroup.Group
	for i := range batch {
		c := batch[i]
		g.Go(func() error {
			defer m.pool.put(c.buf)
			return m.copyChunk(c)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var copied int64
	for _, c := range batch {
		copied += c.n * types.SectorSize
	}
	if m.Status().Ready {
		// Once synced, the remaining writes drain at full speed.
		return nil
	}
	return m.throttle(copied)
}

// copyChunk moves one granule. Ranges unallocated anywhere above base are
// zeroed on the target instead of read, so a sparse source stays sparse.
func (m *Mirror) copyChunk(c chunk) error {
	alloc, _, err := m.source.IsAllocatedAbove(m.base, c.sector, c.n)
	if err != nil {
		return m.handleSourceError(err, c.sector, c.n)
	}
	if !alloc {
		if m.sync == SyncTop {
			// The target shares the backing chain; nothing to do.
			m.progress(c.n * types.SectorSize)
			return nil
		}
		if err := m.target.WriteZeroes(c.sector, c.n); err != nil {
			return m.handleTargetError(err, c.sector, c.n)
		}
		m.progress(c.n * types.SectorSize)
		return nil
	}

	if err := m.source.ReadSectors(c.sector, c.buf); err != nil {
		return m.handleSourceError(err, c.sector, c.n)
	}
	if err := m.target.WriteSectors(c.sector, c.buf); err != nil {
		return m.handleTargetError(err, c.sector, c.n)
	}
	m.progress(c.n * types.SectorSize)
	return nil
}

func (m *Mirror) handleSourceError(err error, sector, n int64) error {
	return m.handleError(m.onSourceError, "source", err, sector, n)
}

func (m *Mirror) handleTargetError(err error, sector, n int64) error {
	return m.handleError(m.onTargetError, "target", err, sector, n)
}

// handleError applies the per-side policy. Under ignore and stop the failed
// range goes back into the bitmap for a later retry.
func (m *Mirror) handleError(action ErrorAction, side string, err error, sector, n int64) error {
	logrus.WithError(err).WithFields(logrus.Fields{
		"job":    m.ID(),
		"side":   side,
		"sector": sector,
	}).Warn("mirror I/O error")
	if action == ErrorReport {
		return err
	}
	if n > 0 {
		if serr := m.bitmap.SetRange(sector, n); serr != nil {
			return serr
		}
	}
	if action == ErrorStop {
		m.Pause()
	}
	return nil
}
