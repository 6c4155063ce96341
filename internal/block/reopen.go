package block

import (
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/interfaces"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// ReopenQueue collects nodes whose open flags should change atomically:
// either every queued node ends up with its new flags, or none does.
type ReopenQueue struct {
	graph   *Graph
	entries []*reopenEntry
}

type reopenEntry struct {
	node    *Node
	options map[string]string
	flags   types.OpenFlags

	// effective state computed by prepare: explicit options take
	// precedence over the requested flags.
	readOnly bool

	// staged state, populated by prepare
	fileCommit  func()
	fileAbort   func()
	driverState interfaces.ReopenState
	prepared    bool
}

// NewReopenQueue returns an empty queue.
func (g *Graph) NewReopenQueue() *ReopenQueue {
	return &ReopenQueue{graph: g}
}

// Add queues one node for the given options and flags. Options override the
// flags where both express the same knob. Queuing the same node twice keeps
// the later request.
func (q *ReopenQueue) Add(n *Node, options map[string]string, flags types.OpenFlags) *ReopenQueue {
	for _, e := range q.entries {
		if e.node == n {
			e.options = options
			e.flags = flags
			return q
		}
	}
	q.entries = append(q.entries, &reopenEntry{
		node:    n,
		options: options,
		flags:   flags,
	})
	return q
}

// Reopen runs the transaction: every entry is prepared in queue order, and
// only when all preparations succeed are they committed. A failed prepare
// aborts the already-prepared prefix and leaves every node untouched.
func (q *ReopenQueue) Reopen() error {
	for i, e := range q.entries {
		if err := q.prepare(e); err != nil {
			for j := i - 1; j >= 0; j-- {
				q.abort(q.entries[j])
			}
			return err
		}
	}
	for _, e := range q.entries {
		q.commit(e)
	}
	return nil
}

// prepare stages the flag change without touching live state: a fresh file
// handle with the new access mode, plus whatever the driver stages itself.
// The node is drained and flushed first so staged state never sits on
// unwritten data.
func (q *ReopenQueue) prepare(e *reopenEntry) error {
	n := e.node
	n.Drain()
	if err := n.driver.Flush(); err != nil {
		return err
	}

	for key, value := range e.options {
		switch key {
		case types.OptReadOnly:
			if value == "on" {
				e.flags &^= types.OpenRDWR
			} else {
				e.flags |= types.OpenRDWR
			}
		case types.OptCacheNoFlush:
			if value == "on" {
				e.flags |= types.OpenNoFlush
			} else {
				e.flags &^= types.OpenNoFlush
			}
		default:
			// Everything else must keep its current effective value.
			if cur, ok := n.options[key]; !ok || cur != value {
				return blockerr.E(blockerr.KindConfig,
					"cannot change option '%s' on node '%s' during reopen", key, n.name)
			}
		}
	}
	e.readOnly = !e.flags.Has(types.OpenRDWR)

	if !e.readOnly && n.Flags().Has(types.OpenInactive) {
		return blockerr.E(blockerr.KindInvalidState,
			"node '%s' is inactive and cannot be made writable", n.name)
	}

	if e.readOnly != n.IsReadOnly() {
		mr, ok := n.file.(interfaces.ModeReopener)
		if !ok {
			return blockerr.E(blockerr.KindNotSupported,
				"storage of node '%s' cannot change access mode", n.name)
		}
		commit, abort, err := mr.PrepareReopen(e.readOnly, e.flags.Has(types.OpenNoFlush))
		if err != nil {
			return err
		}
		e.fileCommit, e.fileAbort = commit, abort
	}

	if rp, ok := n.driver.(interfaces.ReopenPreparer); ok {
		state, err := rp.PrepareReopen(e.readOnly, e.flags)
		if err != nil {
			if e.fileAbort != nil {
				e.fileAbort()
				e.fileCommit, e.fileAbort = nil, nil
			}
			return err
		}
		e.driverState = state
	}
	e.prepared = true
	return nil
}

func (q *ReopenQueue) commit(e *reopenEntry) {
	n := e.node
	if e.fileCommit != nil {
		e.fileCommit()
	}
	n.mu.Lock()
	n.readOnly = e.readOnly
	n.flags = e.flags
	n.mu.Unlock()

	if e.driverState != nil {
		e.driverState.Commit()
	}
	logrus.WithFields(logrus.Fields{
		"node":      n.name,
		"read-only": e.readOnly,
	}).Debug("node reopened")
}

func (q *ReopenQueue) abort(e *reopenEntry) {
	if !e.prepared {
		return
	}
	if e.driverState != nil {
		e.driverState.Abort()
	}
	if e.fileAbort != nil {
		e.fileAbort()
		e.fileCommit, e.fileAbort = nil, nil
	}
	e.prepared = false
}

// ReopenReadWrite is the one-node convenience used by jobs that must write
// to a normally read-only base.
func (g *Graph) ReopenReadWrite(n *Node) error {
	return g.NewReopenQueue().Add(n, nil, n.Flags()|types.OpenRDWR).Reopen()
}

// ReopenReadOnly restores a node to read-only.
func (g *Graph) ReopenReadOnly(n *Node) error {
	return g.NewReopenQueue().Add(n, nil, n.Flags()&^types.OpenRDWR).Reopen()
}
