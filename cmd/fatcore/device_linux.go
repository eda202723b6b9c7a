//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/aligator/fatcore"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// blockDevice is a block special file. It reports its logical sector size,
// so Mount can reject volumes with smaller sectors.
type blockDevice struct {
	*os.File
}

func (d blockDevice) LogicalSectorSize() (int, error) {
	size, err := unix.IoctlGetInt(int(d.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, fmt.Errorf("BLKSSZGET on %s: %w", d.Name(), err)
	}
	return size, nil
}

var _ fatcore.SectorSizer = blockDevice{}

func openDevice(fs afero.Fs, path string) (device, error) {
	if _, ok := fs.(*afero.OsFs); ok {
		info, err := os.Stat(path)
		if err == nil && info.Mode()&os.ModeDevice != 0 {
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err != nil {
				return nil, err
			}
			return blockDevice{f}, nil
		}
	}
	return fatcore.OpenImage(fs, path)
}
