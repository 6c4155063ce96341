// Package device implements the leaf file protocol driver: byte-addressed
// I/O against a regular file, plus image file creation and truncation.
package device

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
)

// FileDevice provides ProtocolDriver access to a regular file.
type FileDevice struct {
	file     *os.File
	path     string
	readOnly bool
	noFlush  bool
}

// OpenFile opens path as a protocol device.
func OpenFile(path string, readOnly, noFlush bool) (*FileDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, blockerr.Wrap(blockerr.KindIO, err, "could not open '%s'", path)
	}
	logrus.WithFields(logrus.Fields{
		"path":      path,
		"read-only": readOnly,
	}).Debug("file device opened")
	return &FileDevice{file: f, path: path, readOnly: readOnly, noFlush: noFlush}, nil
}

// CreateFile creates (or truncates) an empty file of the given byte size.
func CreateFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return blockerr.Wrap(blockerr.KindIO, err, "could not create '%s'", path)
	}
	defer f.Close()
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			return blockerr.Wrap(blockerr.KindIO, err, "could not resize '%s'", path)
		}
	}
	return nil
}

// ReadAt implements ProtocolDriver. Reads past EOF are zero-filled so that
// sparse tails of raw images read back as zeroes.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	n, err := d.file.ReadAt(p, off)
	if err != nil && n < len(p) {
		size, serr := d.Length()
		if serr == nil && off+int64(len(p)) > size && off <= size {
			for i := n; i < len(p); i++ {
				p[i] = 0
			}
			return len(p), nil
		}
		return n, blockerr.Wrap(blockerr.KindIO, err, "read failed on '%s'", d.path)
	}
	return n, nil
}

// WriteAt implements ProtocolDriver.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, blockerr.E(blockerr.KindInvalidState, "device '%s' is read-only", d.path)
	}
	n, err := d.file.WriteAt(p, off)
	if err != nil {
		return n, blockerr.Wrap(blockerr.KindIO, err, "write failed on '%s'", d.path)
	}
	return n, nil
}

// Flush implements ProtocolDriver. A no-flush device ignores the request.
func (d *FileDevice) Flush() error {
	if d.noFlush || d.readOnly {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		return blockerr.Wrap(blockerr.KindIO, err, "flush failed on '%s'", d.path)
	}
	return nil
}

// Truncate implements ProtocolDriver.
func (d *FileDevice) Truncate(size int64) error {
	if d.readOnly {
		return blockerr.E(blockerr.KindInvalidState, "device '%s' is read-only", d.path)
	}
	if err := d.file.Truncate(size); err != nil {
		return blockerr.Wrap(blockerr.KindIO, err, "could not resize '%s'", d.path)
	}
	return nil
}

// Length implements ProtocolDriver.
func (d *FileDevice) Length() (int64, error) {
	fi, err := d.file.Stat()
	if err != nil {
		return 0, blockerr.Wrap(blockerr.KindIO, err, "stat failed on '%s'", d.path)
	}
	return fi.Size(), nil
}

// Filename implements ProtocolDriver.
func (d *FileDevice) Filename() string { return d.path }

// PrepareReopen implements ModeReopener: it stages a handle with the new
// access mode. The device keeps its identity, so format drivers holding a
// reference see the new mode after commit.
func (d *FileDevice) PrepareReopen(readOnly, noFlush bool) (func(), func(), error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(d.path, flag, 0)
	if err != nil {
		return nil, nil, blockerr.Wrap(blockerr.KindIO, err, "could not reopen '%s'", d.path)
	}
	commit := func() {
		old := d.file
		d.file = f
		d.readOnly = readOnly
		d.noFlush = noFlush
		old.Close()
	}
	abort := func() { f.Close() }
	return commit, abort, nil
}

// Close implements ProtocolDriver.
func (d *FileDevice) Close() error {
	return d.file.Close()
}
