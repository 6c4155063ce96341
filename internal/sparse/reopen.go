package sparse

import (
	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/interfaces"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// reopenState stages mode changes for extent files the driver opened
// itself. The node's own file handle is the generic layer's business.
type reopenState struct {
	commits []func()
	aborts  []func()
}

// PrepareReopen implements ReopenPreparer: every descriptor-owned extent
// file stages its new access mode without touching the live handle.
func (d *Driver) PrepareReopen(readOnly bool, flags types.OpenFlags) (interfaces.ReopenState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := &reopenState{}
	for _, e := range d.extents {
		if !e.ownFile {
			continue
		}
		mr, ok := e.file.(interfaces.ModeReopener)
		if !ok {
			st.Abort()
			return nil, blockerr.E(blockerr.KindNotSupported,
				"extent '%s' cannot change access mode", e.file.Filename())
		}
		commit, abort, err := mr.PrepareReopen(readOnly, flags.Has(types.OpenNoFlush))
		if err != nil {
			st.Abort()
			return nil, err
		}
		st.commits = append(st.commits, commit)
		st.aborts = append(st.aborts, abort)
	}
	return st, nil
}

func (s *reopenState) Commit() {
	for _, commit := range s.commits {
		commit()
	}
	s.commits, s.aborts = nil, nil
}

func (s *reopenState) Abort() {
	for _, abort := range s.aborts {
		abort()
	}
	s.commits, s.aborts = nil, nil
}
