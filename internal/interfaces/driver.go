// File: internal/interfaces/driver.go
package interfaces

import (
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// ProtocolDriver is the leaf storage capability every format driver sits on:
// byte-addressed I/O against one underlying file or device.
type ProtocolDriver interface {
	// ReadAt reads len(p) bytes at the given byte offset.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes len(p) bytes at the given byte offset.
	WriteAt(p []byte, off int64) (int, error)

	// Flush commits all completed writes to stable storage.
	Flush() error

	// Truncate resizes the underlying file to size bytes.
	Truncate(size int64) error

	// Length returns the current size in bytes.
	Length() (int64, error)

	// Filename returns the path the driver was opened with.
	Filename() string

	// Close releases the underlying file.
	Close() error
}

// ModeReopener is implemented by protocol drivers that can change their
// access mode in place, keeping the driver identity stable so references
// held by format drivers stay valid. Prepare opens the new handle without
// touching live state; exactly one of commit or abort must be called.
type ModeReopener interface {
	PrepareReopen(readOnly, noFlush bool) (commit func(), abort func(), err error)
}

// BackingReader is the view a format driver gets of its node's backing
// parent when populating copy-on-write clusters.
type BackingReader interface {
	// ReadSectors fills buf from the backing chain starting at sector.
	ReadSectors(sector int64, buf []byte) error

	// Sectors returns the backing image's length in sectors.
	Sectors() int64
}

// NodeContext is the slice of the owning node a format driver is allowed to
// see. The graph manager implements it; drivers must not retain it past
// Close.
type NodeContext interface {
	// NodeName returns the owning node's name for error messages.
	NodeName() string

	// File returns the node's storage child. Non-nil whenever the active
	// driver is a format driver.
	File() ProtocolDriver

	// Backing returns the backing parent view, or nil when the node has
	// no backing child.
	Backing() BackingReader

	// ReadOnly reports whether the node was opened read-only.
	ReadOnly() bool

	// Flags returns the node's effective open flags.
	Flags() types.OpenFlags

	// OpenExtentFile opens an additional protocol child for a format
	// whose container references sibling files (multi-extent images).
	// The filename is resolved relative to the node's own file.
	OpenExtentFile(filename string, readOnly bool) (ProtocolDriver, error)
}

// FormatDriver is one open instance of an image format codec bound to a
// node. The common node logic calls through this interface; optional
// capabilities are separate narrow interfaces the caller type-asserts.
type FormatDriver interface {
	// Name returns the format name ("sparse", "raw", ...).
	Name() string

	// Open parses the image and attaches the driver to the node context.
	Open(node NodeContext, options map[string]string, flags types.OpenFlags) error

	// Sectors returns the virtual disk length in sectors.
	Sectors() int64

	// ReadSectors fills buf starting at the logical sector. Unallocated
	// ranges fall through to the backing chain, or read as zeroes.
	ReadSectors(sector int64, buf []byte) error

	// WriteSectors stores buf starting at the logical sector, allocating
	// and populating clusters as needed.
	WriteSectors(sector int64, buf []byte) error

	// Flush commits metadata and data to the storage child.
	Flush() error

	// Close releases codec state. The node detaches children afterwards.
	Close() error
}

// BlockStatuser reports allocation status. Optional.
type BlockStatuser interface {
	// BlockStatus returns the allocation state at sector and the number
	// of contiguous sectors (capped at nbSectors) sharing it.
	BlockStatus(sector, nbSectors int64) (types.AllocStatus, int64, error)
}

// ZeroWriter writes zeroes without allocating data clusters. Optional.
type ZeroWriter interface {
	WriteZeroes(sector, nbSectors int64) error
}

// CompressedWriter writes one compressed cluster. Optional.
type CompressedWriter interface {
	WriteCompressed(sector int64, buf []byte) error
}

// ClusterSizer exposes the format's allocation unit in bytes. Optional;
// used to default job granularity and to round copy-on-write requests.
type ClusterSizer interface {
	ClusterSize() int64
}

// Resizer grows or shrinks the virtual disk. Optional; formats with fixed
// table layouts do not support it.
type Resizer interface {
	Resize(sectors int64) error
}

// BackingFileChanger persists new backing file/format strings into the
// image's own metadata. Optional; required for dropIntermediate.
type BackingFileChanger interface {
	ChangeBackingFile(backingFile, backingFormat string) error
}

// ReopenState is one staged reopen on a driver: Commit applies the staged
// configuration, Abort discards it. Exactly one of the two is called.
type ReopenState interface {
	Commit()
	Abort()
}

// ReopenPreparer lets a driver participate in reopen transactions by
// staging internal state without mutating live state. Optional; drivers
// without it accept any flag change that the generic layer validates.
type ReopenPreparer interface {
	PrepareReopen(readOnly bool, flags types.OpenFlags) (ReopenState, error)
}

// DriverSpec describes one registered format driver: a deterministic
// registry of these, in declaration order, backs content probing.
type DriverSpec struct {
	// Name is the value matched against the "driver" option.
	Name string

	// Probe scores the likelihood that buf (the image prefix) is this
	// format. Highest score wins; ties go to the earliest registered.
	Probe func(buf []byte, filename string) int

	// New returns a fresh, unopened driver instance.
	New func() FormatDriver
}
