package fatcore

import (
	"io/fs"
	"strconv"
	"strings"

	"github.com/aligator/fatcore/checkpoint"
)

// GoFile wraps a Stream to be compatible with fs.File.
type GoFile struct {
	*Stream
}

func (g GoFile) Stat() (fs.FileInfo, error) {
	return g.Stream.Stat()
}

func (g GoFile) Read(bytes []byte) (int, error) {
	return g.Stream.Read(bytes)
}

func (g GoFile) Close() error {
	return g.Stream.Close()
}

// GoFs exposes the entries of a volume as fs.FS. As the volume knows no names,
// an entry is addressed by its location "<cluster>/<offset>" in decimal, the
// root directory is ".". Opening a name opens the FatFile, closing the returned
// file closes it again.
type GoFs struct {
	Volume *Volume
}

// NewGoFS returns a fs.FS view of v.
func NewGoFS(v *Volume) GoFs {
	return GoFs{Volume: v}
}

// ParseLocation parses a location name as used by GoFs.
func ParseLocation(name string) (Location, error) {
	if name == "." {
		return RootLocation, nil
	}

	parts := strings.Split(name, "/")
	if len(parts) != 2 {
		return Location{}, checkpoint.Wrap(fs.ErrInvalid, ErrInvalidCluster)
	}

	cluster, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Location{}, checkpoint.Wrap(err, fs.ErrInvalid)
	}
	offset, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Location{}, checkpoint.Wrap(err, fs.ErrInvalid)
	}
	return Location{Cluster: uint32(cluster), Offset: uint32(offset)}, nil
}

// LocationName is the inverse of ParseLocation.
func LocationName(loc Location) string {
	if loc == RootLocation {
		return "."
	}
	return strconv.FormatUint(uint64(loc.Cluster), 10) + "/" + strconv.FormatUint(uint64(loc.Offset), 10)
}

func (g GoFs) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	loc, err := ParseLocation(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	f, err := g.Volume.Open(loc)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	return GoFile{NewStream(f, name)}, nil
}
