package fatcore

import (
	"github.com/aligator/fatcore/checkpoint"
	"github.com/spf13/afero"
)

// Request is a control request for a FatFile, see Ioctl.
type Request interface {
	request()
}

// LogicalToPhysicalCluster asks for the disk cluster which holds the byte at Offset.
// The fixed root directory of FAT12 and FAT16 volumes has no clusters and
// reports cluster 0.
type LogicalToPhysicalCluster struct {
	Offset uint32
}

func (LogicalToPhysicalCluster) request() {}

// Response is the answer to a Request.
type Response struct {
	Cluster uint32
}

// Ioctl runs a control request on f.
// May return an afero.ErrOutOfRange error if the offset is beyond the end of f.
func (f *FatFile) Ioctl(req Request) (Response, error) {
	if err := f.checkVolume(); err != nil {
		return Response{}, err
	}

	switch r := req.(type) {
	case LogicalToPhysicalCluster:
		if r.Offset >= f.size {
			return Response{}, checkpoint.Wrapf(afero.ErrOutOfRange, ErrInvalidCluster, "offset %d, size %d", r.Offset, f.size)
		}
		if f.fixedRoot() {
			return Response{Cluster: 0}, nil
		}
		cluster, err := f.lookup(r.Offset >> f.vol.bpcShift)
		if err != nil {
			return Response{}, err
		}
		return Response{Cluster: cluster}, nil
	default:
		return Response{}, checkpoint.New(ErrNotSupported, "unknown request %T", req)
	}
}
