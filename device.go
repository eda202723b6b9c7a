package fatcore

import (
	"errors"
	"io"
	"os"

	"github.com/aligator/fatcore/checkpoint"
	"github.com/spf13/afero"
)

// Device is the block device a volume lives on.
// Any afero.File satisfies it, so images can be mounted from every afero.Fs.
// Generated mock using mockgen:
//  mockgen -source=device.go -destination=device_mock_test.go -package fatcore
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// SectorSizer may be implemented by a Device backed by real hardware.
// Mount uses it to make sure the volume sectors can be addressed on the device.
type SectorSizer interface {
	LogicalSectorSize() (int, error)
}

// OpenImage opens the image at path inside of fs for reading and writing.
// The returned file has to be closed by the caller after Unmount.
func OpenImage(fs afero.Fs, path string) (afero.File, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrDevice)
	}
	if info.IsDir() {
		return nil, checkpoint.New(ErrDevice, "%s is a directory and not block addressable", path)
	}

	file, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrDevice)
	}
	return file, nil
}

// errShortTransfer replaces io.EOF style results of the device, those must not
// leave the engine undecorated.
var errShortTransfer = errors.New("short device transfer")

// readFull reads exactly len(p) bytes at off. A short read is an error as the
// volume must never continue with partially filled buffers.
func readFull(dev Device, p []byte, off int64) error {
	n, err := dev.ReadAt(p, off)
	if n == len(p) {
		// io.ReaderAt may report io.EOF together with a complete read.
		return nil
	}
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		err = errShortTransfer
	}
	return checkpoint.Wrapf(err, ErrDevice, "read %d bytes at %d", len(p), off)
}

func writeFull(dev Device, p []byte, off int64) error {
	n, err := dev.WriteAt(p, off)
	if err == nil && n != len(p) {
		err = errShortTransfer
	}
	return checkpoint.Wrapf(err, ErrDevice, "write %d bytes at %d", len(p), off)
}
