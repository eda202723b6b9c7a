package fatcore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/aligator/fatcore/checkpoint"
	"github.com/sirupsen/logrus"
)

// FileType distinguishes plain files from directories.
type FileType uint8

const (
	TypeFile FileType = iota
	TypeDirectory
)

func (t FileType) String() string {
	if t == TypeDirectory {
		return "directory"
	}
	return "file"
}

const (
	// DirectorySizeLimit is the maximum size of a directory.
	DirectorySizeLimit = 2 * 1024 * 1024
	// FileSizeLimit is the maximum size of a file.
	FileSizeLimit = 0xFFFFFFFF

	// undefinedCluster marks an unknown last cluster.
	undefinedCluster = 0xFFFFFFFF
)

// Location is the position of a short name directory entry. Cluster is the
// cluster holding the entry and Offset the byte offset inside of it. Entries in
// the fixed root directory of FAT12 and FAT16 use cluster 0 and the offset
// from the start of the root region.
type Location struct {
	Cluster uint32
	Offset  uint32
}

// RootLocation identifies the root directory, which has no directory entry.
var RootLocation = Location{Cluster: 1}

// positionCache remembers the last cluster mapping of a descriptor, so
// sequential access does not walk the chain from its start every time.
type positionCache struct {
	fileCluster uint32
	diskCluster uint32
	lastCluster uint32
}

// FatFile is a cluster chain presented as a linear file. A FatFile is shared by
// every Open of the same location and only destroyed by its last Close.
type FatFile struct {
	vol *Volume

	links   uint32
	ino     uint64
	removed bool

	typ       FileType
	attr      byte
	sizeLimit uint32
	size      uint32
	loc       Location

	firstCluster uint32
	pos          positionCache

	metaDirty bool
	mtime     time.Time
}

// locationKey derives the inode number of the entry at loc from its 512 byte
// sector and its index inside of that sector.
func (v *Volume) locationKey(loc Location) uint64 {
	return (v.sector512(loc.Cluster)+uint64(loc.Offset>>9))<<4 + uint64(loc.Offset>>5&0xF)
}

// OpenRoot opens the root directory.
func (v *Volume) OpenRoot() (*FatFile, error) {
	return v.Open(RootLocation)
}

// Open returns the descriptor for the directory entry at loc.
//
// Repeated opens of a location share one descriptor. A new descriptor is
// initialized from the 32 byte directory entry at loc.
func (v *Volume) Open(loc Location) (*FatFile, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	key := v.locationKey(loc)
	if f := v.files.lookup(key); f != nil {
		f.links++
		return f, nil
	}

	f := &FatFile{
		vol:   v,
		links: 1,
		ino:   key,
		loc:   loc,
		pos:   positionCache{lastCluster: undefinedCluster},
	}

	if v.policy == SynthesizeInode && v.files.collides(key) {
		f.ino = v.inodes.allocate()
		if f.ino == 0 {
			return nil, checkpoint.New(ErrInodeExhausted, "no unique inode for location %d/%d", loc.Cluster, loc.Offset)
		}
	}

	if err := f.load(); err != nil {
		v.inodes.free(f.ino)
		return nil, err
	}

	v.files.insert(key, f)
	v.log.WithFields(logrus.Fields{
		"ino":     f.ino,
		"cluster": f.firstCluster,
		"size":    f.size,
		"type":    f.typ,
	}).Trace("opened fat file")
	return f, nil
}

// entrySector returns the sector and the offset inside of it which hold the
// directory entry at loc.
func (v *Volume) entrySector(loc Location) (sector, offset uint32, err error) {
	if loc.Offset%dirEntrySize != 0 {
		return 0, 0, checkpoint.New(ErrInvalidCluster, "entry offset %d is not aligned", loc.Offset)
	}

	if loc.Cluster == 0 && v.fatType != FAT32 {
		if loc.Offset >= v.rootDirSectors*v.bytesPerSector {
			return 0, 0, checkpoint.New(ErrInvalidCluster, "entry offset %d is outside of the root directory", loc.Offset)
		}
	} else {
		if err := v.checkCluster(loc.Cluster); err != nil {
			return 0, 0, err
		}
		if loc.Offset >= v.bytesPerCluster {
			return 0, 0, checkpoint.New(ErrInvalidCluster, "entry offset %d is outside of cluster %d", loc.Offset, loc.Cluster)
		}
	}

	return v.ClusterToSector(loc.Cluster) + loc.Offset>>v.sectorShift, loc.Offset & (v.bytesPerSector - 1), nil
}

// load initializes f from its directory entry.
func (f *FatFile) load() error {
	v := f.vol

	if f.IsRoot() {
		f.typ = TypeDirectory
		f.attr = AttrDirectory
		if v.fatType == FAT32 {
			f.firstCluster = v.rootCluster
			f.sizeLimit = DirectorySizeLimit
			f.pos.diskCluster = f.firstCluster
			return f.CalcSize()
		}
		f.size = v.rootDirSectors * v.bytesPerSector
		f.sizeLimit = f.size
		return nil
	}

	sector, offset, err := v.entrySector(f.loc)
	if err != nil {
		return err
	}
	buf, err := v.access(sector, accessRead)
	if err != nil {
		return checkpoint.From(err)
	}

	entry := EntryHeader{}
	if err := binary.Read(bytes.NewReader(buf[offset:offset+dirEntrySize]), binary.LittleEndian, &entry); err != nil {
		return checkpoint.From(err)
	}

	f.attr = entry.Attribute
	f.firstCluster = entry.FirstCluster()
	f.pos.diskCluster = f.firstCluster
	f.mtime = ParseDateTime(entry.WriteDate, entry.WriteTime)

	if entry.Attribute&AttrDirectory != 0 {
		f.typ = TypeDirectory
		f.sizeLimit = DirectorySizeLimit
		// Directories store no size, it is the length of their chain.
		return f.CalcSize()
	}

	f.typ = TypeFile
	f.sizeLimit = FileSizeLimit
	f.size = entry.FileSize
	if f.firstCluster == 0 && f.size != 0 {
		return checkpoint.New(ErrInvalidCluster, "file of %d bytes has no cluster", f.size)
	}
	return nil
}

// IsRoot reports whether f is the root directory.
func (f *FatFile) IsRoot() bool {
	return f.loc == RootLocation
}

// fixedRoot reports whether f is the root directory of a FAT12 or FAT16 volume.
// It is a contiguous run of sectors and no cluster chain.
func (f *FatFile) fixedRoot() bool {
	return f.IsRoot() && f.vol.fatType != FAT32
}

// Inode returns the inode number of f.
func (f *FatFile) Inode() uint64 { return f.ino }

// Links returns the number of opens not yet closed.
func (f *FatFile) Links() uint32 { return f.links }

// Removed reports whether f was marked as removed.
func (f *FatFile) Removed() bool { return f.removed }

// Type returns whether f is a file or a directory.
func (f *FatFile) Type() FileType { return f.typ }

// Size returns the size of f in bytes.
func (f *FatFile) Size() uint32 { return f.size }

// SizeLimit returns the maximum size f can grow to.
func (f *FatFile) SizeLimit() uint32 { return f.sizeLimit }

// FirstCluster returns the head of the chain of f, 0 if it has none.
func (f *FatFile) FirstCluster() uint32 { return f.firstCluster }

// Location returns the location of the directory entry of f.
func (f *FatFile) Location() Location { return f.loc }

// ModTime returns the last modification time.
func (f *FatFile) ModTime() time.Time { return f.mtime }

// SetModTime sets the modification time, it is written on the next metadata sync.
func (f *FatFile) SetModTime(t time.Time) {
	f.mtime = t
	f.metaDirty = true
}

func (f *FatFile) checkVolume() error {
	if f.vol == nil {
		return checkpoint.New(ErrClosed, "descriptor belongs to no mounted volume")
	}
	return f.vol.checkOpen()
}

// LogicalCluster returns the disk cluster holding the fileCluster-th cluster
// of f. The position cache is used if it points at or before the target.
func (f *FatFile) LogicalCluster(fileCluster uint32) (uint32, error) {
	if err := f.checkVolume(); err != nil {
		return 0, err
	}
	return f.lookup(fileCluster)
}

func (f *FatFile) lookup(fileCluster uint32) (uint32, error) {
	if fileCluster == f.pos.fileCluster && f.pos.diskCluster != 0 {
		return f.pos.diskCluster, nil
	}

	var cur, count uint32
	if fileCluster > f.pos.fileCluster && f.pos.diskCluster != 0 {
		cur = f.pos.diskCluster
		count = fileCluster - f.pos.fileCluster
	} else {
		cur = f.firstCluster
		count = fileCluster
	}

	for i := uint32(0); i < count; i++ {
		next, err := f.vol.GetEntry(cur)
		if err != nil {
			return 0, err
		}
		cur = next
	}

	if !f.vol.validCluster(cur) {
		return 0, checkpoint.New(ErrInvalidCluster, "cluster %d of the file maps to %d", fileCluster, cur)
	}

	f.pos.fileCluster = fileCluster
	f.pos.diskCluster = cur
	return cur, nil
}

// resetPosition points the position cache back at the first cluster.
func (f *FatFile) resetPosition() {
	f.pos.fileCluster = 0
	f.pos.diskCluster = f.firstCluster
}

// Read copies up to len(p) bytes starting at start into p and returns the
// number of bytes read. Reading at or beyond the end returns 0 bytes.
func (f *FatFile) Read(start uint32, p []byte) (int, error) {
	if err := f.checkVolume(); err != nil {
		return 0, err
	}
	if len(p) == 0 || start >= f.size {
		return 0, nil
	}

	count := f.size - start
	if uint64(len(p)) < uint64(count) {
		count = uint32(len(p))
	}
	v := f.vol

	if f.fixedRoot() {
		sector := v.rootDirSector + start>>v.sectorShift
		return v.blockRead(sector, start&(v.bytesPerSector-1), p[:count])
	}

	return f.transfer(start, p[:count], func(sector, offset uint32, chunk []byte) (int, error) {
		return v.blockRead(sector, offset, chunk)
	})
}

// transfer moves data between p and the clusters starting at byte start.
// The position cache is left at the last cluster touched.
func (f *FatFile) transfer(start uint32, p []byte, move func(sector, offset uint32, chunk []byte) (int, error)) (int, error) {
	v := f.vol
	count := uint32(len(p))

	startCluster := start >> v.bpcShift
	offset := start & (v.bytesPerCluster - 1)
	firstOffset := offset

	cur, err := f.lookup(startCluster)
	if err != nil {
		return 0, err
	}

	var done uint32
	for done < count {
		chunk := v.bytesPerCluster - offset
		if chunk > count-done {
			chunk = count - done
		}

		sector := v.ClusterToSector(cur) + offset>>v.sectorShift
		n, err := move(sector, offset&(v.bytesPerSector-1), p[done:done+chunk])
		done += uint32(n)
		if err != nil {
			f.resetPosition()
			return int(done), err
		}

		if done < count {
			next, err := v.GetEntry(cur)
			if err != nil {
				f.resetPosition()
				return int(done), err
			}
			if !v.validCluster(next) {
				f.resetPosition()
				return int(done), checkpoint.New(ErrInvalidCluster, "chain of the file ends at cluster %d", cur)
			}
			cur = next
		}
		offset = 0
	}

	f.pos.fileCluster = startCluster + (firstOffset+done-1)>>v.bpcShift
	f.pos.diskCluster = cur
	return int(done), nil
}

// Write copies p to f starting at start and returns the number of bytes written.
//
// The file is extended if needed, a gap between the old end and start is
// filled with zeros. If the size limit or the free space do not allow the whole
// write, the shorter written length is returned without an error.
func (f *FatFile) Write(start uint32, p []byte) (int, error) {
	if err := f.checkVolume(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if start >= f.sizeLimit {
		return 0, checkpoint.New(ErrFileTooLarge, "write at %d, limit is %d", start, f.sizeLimit)
	}

	count := f.sizeLimit - start
	if uint64(len(p)) < uint64(count) {
		count = uint32(len(p))
	}
	end := start + count
	v := f.vol

	achieved, err := f.Extend(start > f.size, end)
	if err != nil && !(errors.Is(err, ErrNoSpace) && achieved > start) {
		return 0, err
	}
	if achieved <= start {
		return 0, checkpoint.New(ErrNoSpace, "no space to write at %d", start)
	}
	if achieved < end {
		count = achieved - start
	}

	var n int
	if f.fixedRoot() {
		sector := v.rootDirSector + start>>v.sectorShift
		n, err = v.blockWrite(sector, start&(v.bytesPerSector-1), p[:count])
	} else {
		n, err = f.transfer(start, p[:count], func(sector, offset uint32, chunk []byte) (int, error) {
			return v.blockWrite(sector, offset, chunk)
		})
	}

	if n > 0 {
		if start+uint32(n) > f.size {
			f.size = start + uint32(n)
		}
		f.mtime = v.now()
		f.metaDirty = true
	}
	return n, err
}

// Extend grows f to newLength bytes and returns the length it actually reached.
//
// If zeroFill is set the unused tail of the last cluster and all new clusters
// are cleared. Directory clusters are always cleared. If the volume fills up
// the size only grows by what was allocated. ErrNoSpace is returned only if
// not a single byte could be added.
func (f *FatFile) Extend(zeroFill bool, newLength uint32) (uint32, error) {
	if err := f.checkVolume(); err != nil {
		return f.size, err
	}
	if newLength <= f.size {
		return newLength, nil
	}
	if f.fixedRoot() {
		return f.size, checkpoint.New(ErrNoSpace, "the root directory has a fixed size of %d", f.size)
	}

	v := f.vol
	bpc := v.bytesPerCluster
	bytesRemain := (bpc - f.size&(bpc-1)) & (bpc - 1)
	if f.size == 0 {
		bytesRemain = 0
	}

	bytesToAdd := newLength - f.size
	if bytesToAdd > bytesRemain {
		bytesToAdd -= bytesRemain
	} else {
		bytesToAdd = 0
	}

	if zeroFill && bytesRemain > 0 {
		cur, err := f.lookup(f.size >> v.bpcShift)
		if err != nil {
			return f.size, err
		}
		offset := f.size & (bpc - 1)
		sector := v.ClusterToSector(cur) + offset>>v.sectorShift
		if err := v.blockZero(sector, offset&(v.bytesPerSector-1), bytesRemain); err != nil {
			return f.size, err
		}
	}

	if bytesToAdd == 0 {
		f.size = newLength
		f.metaDirty = true
		return newLength, nil
	}

	// An empty file may still own clusters with stale data. They are given
	// back so the new chain starts at offset 0.
	if f.size == 0 && f.firstCluster != 0 {
		if err := v.FreeChain(f.firstCluster); err != nil {
			return f.size, err
		}
		v.log.WithFields(logrus.Fields{"ino": f.ino, "head": f.firstCluster}).Debug("released clusters of empty file")
		f.firstCluster = 0
		f.pos = positionCache{lastCluster: undefinedCluster}
		f.metaDirty = true
	}

	savedFree, savedNext := v.freeClusters, v.nextFree
	clustersToAdd := (bytesToAdd-1)>>v.bpcShift + 1
	a, err := v.ScanForFree(clustersToAdd, zeroFill || f.typ == TypeDirectory)
	if err != nil {
		return f.size, err
	}

	if a.Added == 0 && bytesRemain == 0 {
		return f.size, checkpoint.New(ErrNoSpace, "no free cluster for %d more bytes", bytesToAdd)
	}

	if a.Added < clustersToAdd {
		newLength = f.size + bytesRemain + a.Added<<v.bpcShift
	}

	if a.Added > 0 {
		if f.firstCluster == 0 {
			f.firstCluster = a.Head
			f.pos.fileCluster = 0
			f.pos.diskCluster = a.Head
		} else {
			last, err := f.lastCluster()
			if err == nil {
				err = v.SetEntry(last, a.Head)
			}
			if err != nil {
				return f.size, v.rollback(a, 0, savedFree, savedNext, err)
			}
		}
		f.pos.lastCluster = a.Last
	}

	if newLength < f.size+bytesToAdd+bytesRemain {
		v.log.WithFields(logrus.Fields{
			"ino":       f.ino,
			"requested": f.size + bytesToAdd + bytesRemain,
			"reached":   newLength,
		}).Debug("volume full, extended partially")
	}

	f.size = newLength
	f.metaDirty = true
	return newLength, nil
}

// lastCluster returns the last cluster of the chain of f.
func (f *FatFile) lastCluster() (uint32, error) {
	if f.pos.lastCluster != undefinedCluster {
		return f.pos.lastCluster, nil
	}
	if f.size > 0 {
		return f.lookup((f.size - 1) >> f.vol.bpcShift)
	}
	_, last, err := f.vol.walkChain(f.firstCluster)
	return last, err
}

// Truncate shrinks f to newLength bytes and frees the clusters no longer needed.
// The chain is cut before the clusters are freed, so it never points at free
// clusters.
func (f *FatFile) Truncate(newLength uint32) error {
	if err := f.checkVolume(); err != nil {
		return err
	}
	if newLength >= f.size {
		return nil
	}
	if f.fixedRoot() {
		return checkpoint.New(ErrNotSupported, "the root directory has a fixed size")
	}

	v := f.vol
	keep := uint32((uint64(newLength) + uint64(v.bytesPerCluster) - 1) >> v.bpcShift)
	if uint64(keep)<<v.bpcShift >= uint64(f.size) || f.firstCluster == 0 {
		f.size = newLength
		f.metaDirty = true
		return nil
	}

	var newLast uint32
	if keep != 0 {
		var err error
		newLast, err = f.lookup(keep - 1)
		if err != nil {
			return err
		}
	}
	discard, err := f.lookup(keep)
	if err != nil {
		return err
	}

	if keep != 0 {
		if err := v.SetEntry(newLast, EndOfChain); err != nil {
			return err
		}
		f.pos = positionCache{fileCluster: keep - 1, diskCluster: newLast, lastCluster: newLast}
	} else {
		f.firstCluster = 0
		f.pos = positionCache{lastCluster: undefinedCluster}
	}
	f.size = newLength
	f.metaDirty = true

	return v.FreeChain(discard)
}

// CalcSize sets the size of a directory to the length of its chain.
func (f *FatFile) CalcSize() error {
	if f.fixedRoot() {
		return nil
	}
	if f.firstCluster == 0 {
		f.size = 0
		return nil
	}

	length, last, err := f.vol.walkChain(f.firstCluster)
	if err != nil {
		return err
	}
	f.size = length << f.vol.bpcShift
	f.pos.lastCluster = last
	return nil
}

// Sync writes first cluster, size and modification time back to the
// directory entry if they changed.
func (f *FatFile) Sync() error {
	if err := f.checkVolume(); err != nil {
		return err
	}
	if !f.metaDirty || f.removed || f.IsRoot() {
		f.metaDirty = false
		return nil
	}

	v := f.vol
	sector, offset, err := v.entrySector(f.loc)
	if err != nil {
		return err
	}
	buf, err := v.access(sector, accessRead)
	if err != nil {
		return checkpoint.From(err)
	}

	entry := buf[offset : offset+dirEntrySize]
	binary.LittleEndian.PutUint16(entry[entryFirstClusterHIOff:], uint16(f.firstCluster>>16))
	binary.LittleEndian.PutUint16(entry[entryFirstClusterLOOff:], uint16(f.firstCluster))
	if f.typ == TypeFile {
		binary.LittleEndian.PutUint32(entry[entryFileSizeOffset:], f.size)
	}
	if !f.mtime.IsZero() {
		binary.LittleEndian.PutUint16(entry[entryWriteTimeOffset:], EncodeTime(f.mtime))
		binary.LittleEndian.PutUint16(entry[entryWriteDateOffset:], EncodeDate(f.mtime))
	}
	v.markModified()

	f.metaDirty = false
	return nil
}

// Close releases one reference to f.
//
// The last Close of a removed descriptor frees its clusters and destroys it.
// A descriptor with a location derived inode stays registered with no
// references, so the next Open of the location finds it again. A descriptor
// with a synthesized inode is destroyed and its inode released.
func (f *FatFile) Close() error {
	if err := f.checkVolume(); err != nil {
		return err
	}
	if f.links > 1 {
		f.links--
		return nil
	}
	if f.links == 0 {
		return nil
	}

	v := f.vol
	key := v.locationKey(f.loc)

	if f.removed {
		return f.destroyRemoved(key)
	}

	if err := f.Sync(); err != nil {
		return err
	}

	f.links = 0
	if v.inodes.owns(f.ino) {
		v.files.remove(key, f)
		v.inodes.free(f.ino)
		f.vol = nil
	}
	return nil
}

// destroyRemoved frees the storage of a removed descriptor and purges it.
func (f *FatFile) destroyRemoved(key uint64) error {
	v := f.vol
	if err := f.Truncate(0); err != nil {
		return err
	}

	f.links = 0
	v.files.dropRemoved(key, f)
	v.inodes.free(f.ino)
	f.vol = nil

	v.log.WithField("ino", f.ino).Trace("destroyed removed fat file")
	return nil
}

// MarkRemoved moves f to the removed descriptors. Its clusters are freed by
// the last Close, a descriptor without references is destroyed at once.
func (f *FatFile) MarkRemoved() error {
	if err := f.checkVolume(); err != nil {
		return err
	}
	if f.removed {
		return nil
	}
	if f.IsRoot() {
		return checkpoint.New(ErrNotSupported, "the root directory cannot be removed")
	}

	v := f.vol
	key := v.locationKey(f.loc)
	v.files.markRemoved(key, f)
	f.removed = true
	f.metaDirty = false

	if f.links == 0 {
		return f.destroyRemoved(key)
	}
	return nil
}
