// Package raw implements the pass-through format driver: the virtual disk
// is the storage child byte for byte.
package raw

import (
	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
	"github.com/deploymenttheory/go-vdisk/internal/interfaces"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

// Driver is one open raw image.
type Driver struct {
	node    interfaces.NodeContext
	sectors int64
}

// New returns an unopened raw driver.
func New() interfaces.FormatDriver { return &Driver{} }

// Probe scores any readable file as raw with the lowest positive score, so
// raw only wins when nothing else matches.
func Probe(buf []byte, filename string) int { return 1 }

func (d *Driver) Name() string { return "raw" }

func (d *Driver) Open(node interfaces.NodeContext, options map[string]string, flags types.OpenFlags) error {
	d.node = node
	length, err := node.File().Length()
	if err != nil {
		return err
	}
	d.sectors = length >> types.SectorBits
	return nil
}

func (d *Driver) Sectors() int64 { return d.sectors }

func (d *Driver) ReadSectors(sector int64, buf []byte) error {
	if err := d.checkRange(sector, int64(len(buf))>>types.SectorBits); err != nil {
		return err
	}
	_, err := d.node.File().ReadAt(buf, sector*types.SectorSize)
	return err
}

func (d *Driver) WriteSectors(sector int64, buf []byte) error {
	if err := d.checkRange(sector, int64(len(buf))>>types.SectorBits); err != nil {
		return err
	}
	_, err := d.node.File().WriteAt(buf, sector*types.SectorSize)
	return err
}

func (d *Driver) checkRange(sector, nbSectors int64) error {
	if sector < 0 || sector+nbSectors > d.sectors {
		return blockerr.E(blockerr.KindIO, "access beyond end of raw image: sector %d+%d of %d",
			sector, nbSectors, d.sectors)
	}
	return nil
}

func (d *Driver) Flush() error { return d.node.File().Flush() }

func (d *Driver) Close() error {
	d.node = nil
	return nil
}

// BlockStatus implements BlockStatuser: every sector inside the image is
// data in this layer.
func (d *Driver) BlockStatus(sector, nbSectors int64) (types.AllocStatus, int64, error) {
	if err := d.checkRange(sector, 0); err != nil {
		return types.AllocUnallocated, 0, err
	}
	n := d.sectors - sector
	if n > nbSectors {
		n = nbSectors
	}
	return types.AllocData, n, nil
}

// Resize implements Resizer by resizing the storage child.
func (d *Driver) Resize(sectors int64) error {
	if sectors < 0 {
		return blockerr.E(blockerr.KindConfig, "negative image size")
	}
	if err := d.node.File().Truncate(sectors * types.SectorSize); err != nil {
		return err
	}
	d.sectors = sectors
	return nil
}
