package block

import (
	"strings"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/interfaces"
	"github.com/deploymenttheory/go-vdisk/internal/raw"
	"github.com/deploymenttheory/go-vdisk/internal/sparse"
)

// drivers is the fixed format registry. Order matters: probing ties are
// broken in favor of the earliest entry, so the list is deterministic
// rather than built from init hooks.
var drivers = []interfaces.DriverSpec{
	{Name: "sparse", Probe: sparse.Probe, New: sparse.New},
	{Name: "raw", Probe: raw.Probe, New: raw.New},
}

// findDriver resolves an explicit driver name.
func findDriver(name string) (*interfaces.DriverSpec, error) {
	for i := range drivers {
		if drivers[i].Name == name {
			return &drivers[i], nil
		}
	}
	return nil, blockerr.E(blockerr.KindNotFound, "unknown driver '%s'", name)
}

// probeBufSize is how much of the image prefix each probe function sees.
const probeBufSize = 2048

// probeDriver picks the highest-scoring format for the image prefix. The
// first registered driver wins ties, including the all-zero score case
// where the fallback is the last entry (raw).
func probeDriver(file interfaces.ProtocolDriver, filename string) *interfaces.DriverSpec {
	buf := make([]byte, probeBufSize)
	n, err := file.ReadAt(buf, 0)
	if err != nil && n == 0 {
		n = 0
	}
	buf = buf[:n]

	best := -1
	bestScore := 0
	for i := range drivers {
		if score := drivers[i].Probe(buf, filename); score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return &drivers[len(drivers)-1]
	}
	return &drivers[best]
}

// driverForFilename maps a protocol-style prefix ("file:path") or a plain
// path to a driver hint. Only the file protocol is recognized; everything
// else falls back to probing.
func stripProtocolPrefix(filename string) string {
	if strings.HasPrefix(filename, "file:") {
		return strings.TrimPrefix(filename, "file:")
	}
	return filename
}
