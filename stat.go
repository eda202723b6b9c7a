package fatcore

import (
	"os"
	"time"
)

// FileInfo returns a os.FileInfo for f. The engine knows no names, name is
// just passed through.
func (f *FatFile) FileInfo(name string) os.FileInfo {
	return fatFileInfo{
		name:    name,
		size:    int64(f.size),
		attr:    f.attr,
		isDir:   f.typ == TypeDirectory,
		modTime: f.mtime,
		file:    f,
	}
}

type fatFileInfo struct {
	name    string
	size    int64
	attr    byte
	isDir   bool
	modTime time.Time
	file    *FatFile
}

func (e fatFileInfo) Name() string {
	return e.name
}

func (e fatFileInfo) Size() int64 {
	return e.size
}

func (e fatFileInfo) Mode() os.FileMode {
	mode := os.FileMode(0666)
	if e.attr&AttrReadOnly != 0 {
		mode = 0444
	}
	if e.IsDir() {
		return mode | 0111 | os.ModeDir
	}
	return mode
}

func (e fatFileInfo) ModTime() time.Time {
	return e.modTime
}

func (e fatFileInfo) IsDir() bool {
	return e.isDir
}

// Sys returns the *FatFile the info was created for.
func (e fatFileInfo) Sys() interface{} {
	return e.file
}
