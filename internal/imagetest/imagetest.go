// Package imagetest builds small FAT images for tests. It writes the raw
// structures itself and does not depend on the engine, so tests can compare
// the engine against an independent encoding.
package imagetest

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// Image is what the builder writes to.
type Image interface {
	io.ReaderAt
	io.WriterAt
}

// Layout describes the geometry of an image.
type Layout struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors      uint32
	FATSize           uint32

	FAT32        bool
	ExtFlags     uint16
	RootCluster  uint32
	FSInfoSector uint16
	FreeCount    uint32
	NextFree     uint32
	// BrokenFSInfo writes a wrong structure signature.
	BrokenFSInfo bool

	Label string
}

// FAT12 is a 1.44M floppy: 2847 clusters of 512 bytes.
func FAT12() Layout {
	return Layout{
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		ReservedSectors:   1,
		NumFATs:           2,
		RootEntries:       224,
		TotalSectors:      2880,
		FATSize:           9,
		Label:             "FLOPPY",
	}
}

// FAT16 has 5000 clusters of 2048 bytes. Data area and root directory are
// cluster aligned.
func FAT16() Layout {
	return Layout{
		BytesPerSector:    512,
		SectorsPerCluster: 4,
		ReservedSectors:   4,
		NumFATs:           2,
		RootEntries:       512,
		TotalSectors:      76 + 5000*4,
		FATSize:           20,
		Label:             "SIXTEEN",
	}
}

// FAT32 has 66000 clusters of 512 bytes and a valid FS-Info sector.
func FAT32() Layout {
	return Layout{
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		ReservedSectors:   32,
		NumFATs:           2,
		TotalSectors:      1064 + 66000,
		FATSize:           516,
		FAT32:             true,
		RootCluster:       2,
		FSInfoSector:      1,
		FreeCount:         65999,
		NextFree:          2,
		Label:             "THIRTYTWO",
	}
}

// Size returns the image size in bytes.
func (l Layout) Size() int64 {
	return int64(l.TotalSectors) * int64(l.BytesPerSector)
}

func (l Layout) rootDirSectors() uint32 {
	bps := uint32(l.BytesPerSector)
	return (uint32(l.RootEntries)*32 + bps - 1) / bps
}

// FATOffset returns the byte offset of the given FAT copy.
func (l Layout) FATOffset(copy int) int64 {
	return (int64(l.ReservedSectors) + int64(copy)*int64(l.FATSize)) * int64(l.BytesPerSector)
}

// RootDirOffset returns the byte offset of the fixed root directory.
func (l Layout) RootDirOffset() int64 {
	return l.FATOffset(int(l.NumFATs))
}

// DataOffset returns the byte offset of the data area.
func (l Layout) DataOffset() int64 {
	return l.RootDirOffset() + int64(l.rootDirSectors())*int64(l.BytesPerSector)
}

// ClusterSize returns the bytes per cluster.
func (l Layout) ClusterSize() int64 {
	return int64(l.SectorsPerCluster) * int64(l.BytesPerSector)
}

// ClusterOffset returns the byte offset of a data cluster.
func (l Layout) ClusterOffset(cluster uint32) int64 {
	return l.DataOffset() + int64(cluster-2)*l.ClusterSize()
}

// DataClusters returns the number of clusters in the data area.
func (l Layout) DataClusters() uint32 {
	return uint32((l.Size() - l.DataOffset()) / l.ClusterSize())
}

func (l Layout) entryBits() int {
	switch {
	case l.FAT32:
		return 32
	case l.DataClusters() < 4085:
		return 12
	default:
		return 16
	}
}

// Write formats img with an empty file system.
func (l Layout) Write(img Image) error {
	boot := make([]byte, l.BytesPerSector)
	copy(boot[0:], []byte{0xEB, 0x3C, 0x90})
	copy(boot[3:], "FATCORE ")
	binary.LittleEndian.PutUint16(boot[11:], l.BytesPerSector)
	boot[13] = l.SectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:], l.ReservedSectors)
	boot[16] = l.NumFATs
	binary.LittleEndian.PutUint16(boot[17:], l.RootEntries)
	if !l.FAT32 && l.TotalSectors < 0x10000 {
		binary.LittleEndian.PutUint16(boot[19:], uint16(l.TotalSectors))
	} else {
		binary.LittleEndian.PutUint32(boot[32:], l.TotalSectors)
	}
	boot[21] = 0xF8
	binary.LittleEndian.PutUint16(boot[24:], 32)
	binary.LittleEndian.PutUint16(boot[26:], 2)

	label := fmt.Sprintf("%-11.11s", l.Label)
	if l.FAT32 {
		binary.LittleEndian.PutUint32(boot[36:], l.FATSize)
		binary.LittleEndian.PutUint16(boot[40:], l.ExtFlags)
		binary.LittleEndian.PutUint32(boot[44:], l.RootCluster)
		binary.LittleEndian.PutUint16(boot[48:], l.FSInfoSector)
		binary.LittleEndian.PutUint16(boot[50:], 6)
		boot[64] = 0x80
		boot[66] = 0x29
		copy(boot[71:], label)
		copy(boot[82:], "FAT32   ")
	} else {
		binary.LittleEndian.PutUint16(boot[22:], uint16(l.FATSize))
		boot[36] = 0x80
		boot[38] = 0x29
		copy(boot[43:], label)
		copy(boot[54:], fmt.Sprintf("FAT%d   ", l.entryBits()))
	}
	boot[510] = 0x55
	boot[511] = 0xAA
	if _, err := img.WriteAt(boot, 0); err != nil {
		return err
	}

	if err := l.SetFAT(img, 0, 0x0FFFFF00|0xF8); err != nil {
		return err
	}
	if err := l.SetFAT(img, 1, 0x0FFFFFFF); err != nil {
		return err
	}

	if l.FAT32 {
		if err := l.SetFAT(img, l.RootCluster, 0x0FFFFFFF); err != nil {
			return err
		}
		if l.FSInfoSector != 0 {
			if err := l.writeFSInfo(img); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l Layout) writeFSInfo(img Image) error {
	info := make([]byte, l.BytesPerSector)
	binary.LittleEndian.PutUint32(info[0:], 0x41615252)
	if l.BrokenFSInfo {
		binary.LittleEndian.PutUint32(info[484:], 0xDEADBEEF)
	} else {
		binary.LittleEndian.PutUint32(info[484:], 0x61417272)
	}
	binary.LittleEndian.PutUint32(info[488:], l.FreeCount)
	binary.LittleEndian.PutUint32(info[492:], l.NextFree)
	binary.LittleEndian.PutUint32(info[508:], 0xAA550000)
	_, err := img.WriteAt(info, int64(l.FSInfoSector)*int64(l.BytesPerSector))
	return err
}

// SetFAT writes value as the entry of cluster into every FAT copy.
func (l Layout) SetFAT(img Image, cluster, value uint32) error {
	for i := 0; i < int(l.NumFATs); i++ {
		base := l.FATOffset(i)
		var err error
		switch l.entryBits() {
		case 12:
			off := base + int64(cluster+cluster/2)
			pair := make([]byte, 2)
			if _, err = img.ReadAt(pair, off); err != nil {
				return err
			}
			v := value & 0xFFF
			if cluster&1 == 1 {
				pair[0] = pair[0]&0x0F | byte(v<<4)
				pair[1] = byte(v >> 4)
			} else {
				pair[0] = byte(v)
				pair[1] = pair[1]&0xF0 | byte(v>>8)
			}
			_, err = img.WriteAt(pair, off)
		case 16:
			buf := make([]byte, 2)
			binary.LittleEndian.PutUint16(buf, uint16(value))
			_, err = img.WriteAt(buf, base+int64(cluster)*2)
		default:
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, value)
			_, err = img.WriteAt(buf, base+int64(cluster)*4)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// GetFAT reads the entry of cluster from the given FAT copy.
func (l Layout) GetFAT(img Image, copy int, cluster uint32) (uint32, error) {
	base := l.FATOffset(copy)
	switch l.entryBits() {
	case 12:
		pair := make([]byte, 2)
		if _, err := img.ReadAt(pair, base+int64(cluster+cluster/2)); err != nil {
			return 0, err
		}
		v := uint32(pair[0]) | uint32(pair[1])<<8
		if cluster&1 == 1 {
			return v >> 4, nil
		}
		return v & 0xFFF, nil
	case 16:
		buf := make([]byte, 2)
		if _, err := img.ReadAt(buf, base+int64(cluster)*2); err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(buf)), nil
	default:
		buf := make([]byte, 4)
		if _, err := img.ReadAt(buf, base+int64(cluster)*4); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf), nil
	}
}

// EOC returns the end of chain value written by the builder.
func (l Layout) EOC() uint32 {
	switch l.entryBits() {
	case 12:
		return 0xFFF
	case 16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// WriteChain links clusters into one chain and terminates it.
func (l Layout) WriteChain(img Image, clusters ...uint32) error {
	for i, c := range clusters {
		next := l.EOC()
		if i+1 < len(clusters) {
			next = clusters[i+1]
		}
		if err := l.SetFAT(img, c, next); err != nil {
			return err
		}
	}
	return nil
}

// WriteData writes data into the clusters, in order, starting each cluster at its beginning.
func (l Layout) WriteData(img Image, data []byte, clusters ...uint32) error {
	size := l.ClusterSize()
	for i, c := range clusters {
		start := int64(i) * size
		if start >= int64(len(data)) {
			return nil
		}
		end := start + size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if _, err := img.WriteAt(data[start:end], l.ClusterOffset(c)); err != nil {
			return err
		}
	}
	return nil
}

// Entry is a short name directory entry.
type Entry struct {
	Name         string
	Attr         byte
	FirstCluster uint32
	Size         uint32
	WriteTime    uint16
	WriteDate    uint16
}

// Bytes encodes e as its 32 byte record.
func (e Entry) Bytes() []byte {
	raw := make([]byte, 32)
	copy(raw[0:11], fmt.Sprintf("%-11.11s", e.Name))
	raw[11] = e.Attr
	binary.LittleEndian.PutUint16(raw[20:], uint16(e.FirstCluster>>16))
	binary.LittleEndian.PutUint16(raw[22:], e.WriteTime)
	binary.LittleEndian.PutUint16(raw[24:], e.WriteDate)
	binary.LittleEndian.PutUint16(raw[26:], uint16(e.FirstCluster))
	binary.LittleEndian.PutUint32(raw[28:], e.Size)
	return raw
}

// PutRootEntry writes e as the index-th entry of the fixed root directory.
func (l Layout) PutRootEntry(img Image, index int, e Entry) error {
	_, err := img.WriteAt(e.Bytes(), l.RootDirOffset()+int64(index)*32)
	return err
}

// PutEntry writes e at offset inside of the directory cluster.
func (l Layout) PutEntry(img Image, cluster uint32, offset int64, e Entry) error {
	_, err := img.WriteAt(e.Bytes(), l.ClusterOffset(cluster)+offset)
	return err
}

// ReadEntry reads the raw 32 byte record at offset inside of cluster.
func (l Layout) ReadEntry(img Image, cluster uint32, offset int64) ([]byte, error) {
	raw := make([]byte, 32)
	_, err := img.ReadAt(raw, l.ClusterOffset(cluster)+offset)
	return raw, err
}

// Create formats a new image file at path in fs and returns it opened for
// reading and writing.
func Create(fs afero.Fs, path string, l Layout) (afero.File, error) {
	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(l.Size()); err != nil {
		file.Close()
		return nil, err
	}
	if err := l.Write(file); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}
