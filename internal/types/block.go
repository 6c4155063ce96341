package types

// Block layer addressing and open-time constants.
// All device offsets are counted in fixed 512-byte sectors; format drivers
// translate logical sectors to byte offsets in their extent files.

const (
	// SectorSize is the fixed addressable unit of every node.
	SectorSize = 512

	// SectorBits is log2(SectorSize), used for sector/byte conversions.
	SectorBits = 9
)

// OpenFlags is the bitset of open-time behaviour toggles carried by a node.
// The set mirrors the configuration surface of the open call: cache mode,
// snapshot handling, protocol-vs-format layering and migration state.
type OpenFlags uint32

const (
	// OpenRDWR opens the node writable. Absent means read-only.
	OpenRDWR OpenFlags = 1 << iota

	// OpenSnapshot requests a temporary copy-on-write overlay so the
	// underlying image is never modified.
	OpenSnapshot

	// OpenTempSnapshot marks the overlay file itself as disposable.
	OpenTempSnapshot

	// OpenNoBacking suppresses opening of the image's backing file.
	OpenNoBacking

	// OpenNoFlush ignores flush requests (cache=unsafe).
	OpenNoFlush

	// OpenCacheWB enables write-back caching on the node.
	OpenCacheWB

	// OpenCacheDirect bypasses the host page cache.
	OpenCacheDirect

	// OpenUnmap allows discard requests to punch holes in the image.
	OpenUnmap

	// OpenProtocol restricts driver selection to protocol drivers; no
	// format probing takes place.
	OpenProtocol

	// OpenInactive marks a node whose content is owned by an incoming
	// migration and must not be written until activated.
	OpenInactive
)

// Has reports whether every flag in mask is set.
func (f OpenFlags) Has(mask OpenFlags) bool {
	return f&mask == mask
}

// OpType enumerates the categories of operations that can be independently
// blocked on a node. Blocking is additive: each category keeps its own list
// of blocker reasons.
type OpType int

const (
	OpBackupSource OpType = iota
	OpBackupTarget
	OpChange
	OpCommitSource
	OpCommitTarget
	OpDataplane
	OpDriveDel
	OpEject
	OpExternalSnapshot
	OpInternalSnapshot
	OpInternalSnapshotDelete
	OpMirror
	OpStream
	OpReplace
	OpResize

	// OpMax is the number of operation categories.
	OpMax
)

var opTypeNames = [OpMax]string{
	OpBackupSource:           "backup-source",
	OpBackupTarget:           "backup-target",
	OpChange:                 "change",
	OpCommitSource:           "commit-source",
	OpCommitTarget:           "commit-target",
	OpDataplane:              "dataplane",
	OpDriveDel:               "drive-del",
	OpEject:                  "eject",
	OpExternalSnapshot:       "external-snapshot",
	OpInternalSnapshot:       "internal-snapshot",
	OpInternalSnapshotDelete: "internal-snapshot-delete",
	OpMirror:                 "mirror",
	OpStream:                 "stream",
	OpReplace:                "replace",
	OpResize:                 "resize",
}

func (op OpType) String() string {
	if op < 0 || op >= OpMax {
		return "unknown"
	}
	return opTypeNames[op]
}

// Recognized open-option keys. Unknown keys remaining after open or reopen
// are a hard error naming the offending key.
const (
	OptDriver        = "driver"
	OptNodeName      = "node-name"
	OptFile          = "file"
	OptBacking       = "backing"
	OptReadOnly      = "read-only"
	OptCacheWB       = "cache.writeback"
	OptCacheDirect   = "cache.direct"
	OptCacheNoFlush  = "cache.no-flush"
	OptSize          = "size"
	OptBackingFile   = "backing-file"
	OptBackingFormat = "backing-format"
	OptClusterSize   = "cluster-size"
	OptAdapterType   = "adapter-type"
	OptSubformat     = "subformat"
	OptZeroedGrain   = "zeroed-grain"
	OptCompat6       = "compat6"
	OptFilename      = "filename"
)

// AllocStatus describes the allocation state of a sector range as reported
// by a format driver's block-status query.
type AllocStatus int

const (
	// AllocUnallocated means the range reads through to the backing file,
	// or as zeroes when there is none.
	AllocUnallocated AllocStatus = iota

	// AllocZero means the range reads as zeroes regardless of backing.
	AllocZero

	// AllocData means the range is allocated in this layer.
	AllocData
)

func (s AllocStatus) String() string {
	switch s {
	case AllocUnallocated:
		return "unallocated"
	case AllocZero:
		return "zero"
	case AllocData:
		return "data"
	default:
		return "unknown"
	}
}
