package fatcore

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"strings"
	"time"

	"github.com/aligator/fatcore/checkpoint"
	"github.com/sirupsen/logrus"
)

// FATType is the width of the FAT entries of a volume.
type FATType uint8

const (
	FAT12 FATType = iota
	FAT16
	FAT32
)

func (t FATType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return "unknown"
	}
}

const (
	// unknownHint marks a FS-Info value which is not known.
	unknownHint = 0xFFFFFFFF

	// firstDataCluster is the first valid cluster number. The first two FAT
	// entries hold the media descriptor and the volume state.
	firstDataCluster = 2

	maxBytesPerCluster = 32 * 1024
	minSectorSize      = 512

	// The FAT type is decided only by the number of data clusters.
	fat12MaxClusters = 4085
	fat16MaxClusters = 65525
	fat32MaxClusters = maskFAT32 - 1

	maskFAT12 = 0x00000FFF
	maskFAT16 = 0x0000FFFF
	maskFAT32 = 0x0FFFFFFF

	// An entry value of eoc... or higher ends a chain.
	eocFAT12 = 0x00000FF8
	eocFAT16 = 0x0000FFF8
	eocFAT32 = 0x0FFFFFF8
)

// Volume is a mounted FAT volume. It owns the block cache, the descriptor
// registries and the unique inode pool.
//
// A Volume does no locking at all. The caller has to serialize every call,
// including calls on the FatFile handles it returned.
type Volume struct {
	dev    Device
	log    logrus.FieldLogger
	now    func() time.Time
	closed bool

	bytesPerSector    uint32
	sectorShift       uint8
	sectorsPerCluster uint32
	spcShift          uint8
	bytesPerCluster   uint32
	bpcShift          uint8

	fatType FATType
	mask    uint32
	eoc     uint32

	reservedSectors uint32
	fatCount        uint32
	fatLength       uint32
	// fatStart is the first sector of the FAT all accesses go to.
	fatStart uint32
	// mirror is set if software has to replicate every FAT write to all copies.
	mirror    bool
	activeFAT uint32

	rootDirSector  uint32
	rootDirSectors uint32
	rootCluster    uint32

	dataStart    uint32
	totalSectors uint32
	dataClusters uint32

	fsInfoSector uint32
	freeClusters uint32
	nextFree     uint32
	syncedFree   uint32
	syncedNext   uint32

	label string

	// blockShift is log2 of the sectors per cache block.
	blockShift uint8
	cache      blockCache

	files  *registry
	inodes *inodePool
	policy CollisionPolicy
}

// Geometry describes the layout of a mounted volume.
type Geometry struct {
	Type              FATType
	Label             string
	BytesPerSector    uint32
	SectorsPerCluster uint32
	BytesPerCluster   uint32
	ReservedSectors   uint32
	FATCount          uint32
	FATLength         uint32
	FATStart          uint32
	Mirror            bool
	ActiveFAT         uint32
	RootDirSector     uint32
	RootDirSectors    uint32
	RootCluster       uint32
	DataStart         uint32
	TotalSectors      uint32
	DataClusters      uint32
	BlockSize         uint32
	// FreeClusters and NextFree are hints, unknownHint if not known.
	FreeClusters uint32
	NextFree     uint32
}

// FreeKnown reports whether the free cluster hint is known.
func (g Geometry) FreeKnown() bool {
	return g.FreeClusters != unknownHint
}

// NextFreeKnown reports whether the next free cluster hint is known.
func (g Geometry) NextFreeKnown() bool {
	return g.NextFree != unknownHint
}

// Mount reads the boot sector of dev and returns the mounted volume.
// Every validation failure is reported as ErrInvalidGeometry, every read
// failure as ErrDevice.
func Mount(dev Device, opts ...Option) (*Volume, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	v := &Volume{
		dev:    dev,
		log:    o.log,
		now:    o.now,
		policy: o.policy,
	}

	// The boot sector data is always in the first 512 bytes. Use that until
	// the real sector size is known.
	boot := make([]byte, minSectorSize)
	if err := readFull(dev, boot, 0); err != nil {
		return nil, checkpoint.From(err)
	}

	if err := v.parseBootSector(boot, dev); err != nil {
		return nil, err
	}

	if v.fatType == FAT32 {
		if err := v.loadFSInfo(); err != nil {
			v.cache.reset()
			return nil, err
		}
	}

	v.chooseBlockSize(o.clusterBlocks)

	v.files = newRegistry()
	// Location derived inodes count 512 byte sectors times 16 entries, the
	// unique ones start right after the highest possible location.
	base := (uint64(v.totalSectors) << (v.sectorShift - 9)) << 4
	v.inodes = newInodePool(base, o.inodePoolSize)

	v.log.WithFields(logrus.Fields{
		"type":          v.fatType,
		"sectorSize":    v.bytesPerSector,
		"clusterSize":   v.bytesPerCluster,
		"dataClusters":  v.dataClusters,
		"fatCount":      v.fatCount,
		"fatLength":     v.fatLength,
		"mirror":        v.mirror,
		"blockSize":     v.blockSize(),
		"freeClusters":  v.freeClusters,
		"nextFree":      v.nextFree,
		"firstDataSect": v.dataStart,
	}).Debug("mounted FAT volume")

	return v, nil
}

func (v *Volume) parseBootSector(boot []byte, dev Device) error {
	if binary.LittleEndian.Uint16(boot[bootSignatureOffset:]) != bootSignature {
		return checkpoint.New(ErrInvalidGeometry, "missing boot sector signature")
	}

	bpb := BPB{}
	if err := binary.Read(bytes.NewReader(boot), binary.LittleEndian, &bpb); err != nil {
		return checkpoint.Wrap(err, ErrInvalidGeometry)
	}

	// FAT only supports 512, 1024, 2048 and 4096 bytes per sector.
	switch bpb.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return checkpoint.New(ErrInvalidGeometry, "invalid sector size %d", bpb.BytesPerSector)
	}
	v.bytesPerSector = uint32(bpb.BytesPerSector)
	v.sectorShift = uint8(bits.TrailingZeros32(v.bytesPerSector))

	if sizer, ok := dev.(SectorSizer); ok {
		logical, err := sizer.LogicalSectorSize()
		if err != nil {
			return checkpoint.Wrap(err, ErrDevice)
		}
		if logical <= 0 || v.bytesPerSector%uint32(logical) != 0 {
			return checkpoint.New(ErrInvalidGeometry, "sector size %d is not addressable on a device with %d byte sectors", v.bytesPerSector, logical)
		}
	}

	// Sectors per cluster has to be a power of two and greater than 0.
	// Also the whole cluster should not be more than 32K.
	spc := uint32(bpb.SectorsPerCluster)
	if spc == 0 || spc&(spc-1) != 0 || spc*v.bytesPerSector > maxBytesPerCluster {
		return checkpoint.New(ErrInvalidGeometry, "invalid sectors per cluster %d", spc)
	}
	v.sectorsPerCluster = spc
	v.spcShift = uint8(bits.TrailingZeros32(spc))
	v.bytesPerCluster = spc * v.bytesPerSector
	v.bpcShift = uint8(bits.TrailingZeros32(v.bytesPerCluster))

	if bpb.ReservedSectorCount == 0 {
		return checkpoint.New(ErrInvalidGeometry, "invalid reserved sector count")
	}
	v.reservedSectors = uint32(bpb.ReservedSectorCount)

	if bpb.NumFATs == 0 {
		return checkpoint.New(ErrInvalidGeometry, "volume has no FAT")
	}
	v.fatCount = uint32(bpb.NumFATs)

	ext := FAT32SpecificData{}
	if err := binary.Read(bytes.NewReader(boot[36:]), binary.LittleEndian, &ext); err != nil {
		return checkpoint.Wrap(err, ErrInvalidGeometry)
	}

	if bpb.FATSize16 != 0 {
		v.fatLength = uint32(bpb.FATSize16)
	} else {
		v.fatLength = ext.FATSize32
	}
	if v.fatLength == 0 {
		return checkpoint.New(ErrInvalidGeometry, "invalid FAT size")
	}

	v.rootDirSectors = (uint32(bpb.RootEntryCount)*dirEntrySize + v.bytesPerSector - 1) / v.bytesPerSector
	v.rootDirSector = v.reservedSectors + v.fatCount*v.fatLength

	if bpb.TotalSectors16 != 0 {
		v.totalSectors = uint32(bpb.TotalSectors16)
	} else {
		v.totalSectors = bpb.TotalSectors32
	}

	v.dataStart = v.rootDirSector + v.rootDirSectors
	if v.totalSectors <= v.dataStart {
		return checkpoint.New(ErrInvalidGeometry, "no data area: %d total sectors, data starts at %d", v.totalSectors, v.dataStart)
	}
	v.dataClusters = (v.totalSectors - v.dataStart) >> v.spcShift

	fatType, err := classify(v.dataClusters)
	if err != nil {
		return err
	}
	v.setType(fatType)

	// Without FS-Info nothing is known about the free clusters.
	v.freeClusters = unknownHint
	v.nextFree = unknownHint
	v.mirror = true

	if v.fatType == FAT32 {
		v.rootCluster = ext.RootCluster
		v.rootDirSectors = 0
		if ext.ExtFlags&extFlagsMirrorDisabled != 0 {
			v.mirror = false
			v.activeFAT = uint32(ext.ExtFlags & extFlagsActiveFATMask)
			if v.activeFAT >= v.fatCount {
				return checkpoint.New(ErrInvalidGeometry, "active FAT %d of %d", v.activeFAT, v.fatCount)
			}
		}
		if !v.validCluster(v.rootCluster) {
			return checkpoint.New(ErrInvalidGeometry, "invalid root cluster %d", v.rootCluster)
		}
		v.fsInfoSector = uint32(ext.FSInfo)
		v.label = strings.TrimRight(string(ext.BSVolumeLabel[:]), " \x00")
	} else {
		// The FAT12/16 label lives at offset 43.
		v.label = strings.TrimRight(string(boot[43:54]), " \x00")
	}

	v.fatStart = v.reservedSectors + v.activeFAT*v.fatLength
	return nil
}

// classify returns the FAT type for the given number of data clusters.
func classify(dataClusters uint32) (FATType, error) {
	switch {
	case dataClusters < fat12MaxClusters:
		return FAT12, nil
	case dataClusters < fat16MaxClusters:
		return FAT16, nil
	case dataClusters < fat32MaxClusters:
		return FAT32, nil
	default:
		return 0, checkpoint.New(ErrInvalidGeometry, "too many data clusters: %d", dataClusters)
	}
}

func (v *Volume) setType(t FATType) {
	v.fatType = t
	switch t {
	case FAT12:
		v.mask, v.eoc = maskFAT12, eocFAT12
	case FAT16:
		v.mask, v.eoc = maskFAT16, eocFAT16
	default:
		v.mask, v.eoc = maskFAT32, eocFAT32
	}
}

// loadFSInfo reads the FAT32 FS-Info hints.
func (v *Volume) loadFSInfo() error {
	if v.fsInfoSector == 0 || v.fsInfoSector == 0xFFFF || v.fsInfoSector >= v.reservedSectors {
		v.log.WithField("sector", v.fsInfoSector).Warn("volume has no usable FS-Info sector")
		v.fsInfoSector = 0
		return nil
	}

	buf, err := v.access(v.fsInfoSector, accessRead)
	if err != nil {
		return err
	}

	if binary.LittleEndian.Uint32(buf) != fsInfoLeadSignature {
		return checkpoint.New(ErrInvalidGeometry, "invalid FS-Info lead signature")
	}

	if binary.LittleEndian.Uint32(buf[fsInfoStructSignatureOffset:]) != fsInfoStructSignature ||
		binary.LittleEndian.Uint32(buf[fsInfoTrailSignatureOffset:]) != fsInfoTrailSignature {
		v.log.Warn("FS-Info signatures do not match, ignoring the hints")
	} else {
		v.freeClusters = binary.LittleEndian.Uint32(buf[fsInfoFreeCountOffset:])
		v.nextFree = binary.LittleEndian.Uint32(buf[fsInfoNextFreeOffset:])
	}

	if v.freeClusters != unknownHint && v.freeClusters > v.dataClusters {
		v.log.WithField("freeClusters", v.freeClusters).Warn("free cluster hint exceeds the volume, ignoring it")
		v.freeClusters = unknownHint
	}

	v.syncedFree = v.freeClusters
	v.syncedNext = v.nextFree
	return checkpoint.From(v.release())
}

// chooseBlockSize switches the cache to cluster sized blocks if all areas
// which are accessed by whole clusters start on a cluster boundary.
func (v *Volume) chooseBlockSize(clusterBlocks bool) {
	v.blockShift = 0
	if !clusterBlocks || v.spcShift == 0 {
		return
	}

	aligned := v.dataStart&(v.sectorsPerCluster-1) == 0
	if v.fatType != FAT32 {
		aligned = aligned && v.rootDirSector&(v.sectorsPerCluster-1) == 0
	}
	if aligned {
		v.blockShift = v.spcShift
	}
}

// Geometry returns the layout of the volume.
func (v *Volume) Geometry() Geometry {
	return Geometry{
		Type:              v.fatType,
		Label:             v.label,
		BytesPerSector:    v.bytesPerSector,
		SectorsPerCluster: v.sectorsPerCluster,
		BytesPerCluster:   v.bytesPerCluster,
		ReservedSectors:   v.reservedSectors,
		FATCount:          v.fatCount,
		FATLength:         v.fatLength,
		FATStart:          v.fatStart,
		Mirror:            v.mirror,
		ActiveFAT:         v.activeFAT,
		RootDirSector:     v.rootDirSector,
		RootDirSectors:    v.rootDirSectors,
		RootCluster:       v.rootCluster,
		DataStart:         v.dataStart,
		TotalSectors:      v.totalSectors,
		DataClusters:      v.dataClusters,
		BlockSize:         v.blockSize(),
		FreeClusters:      v.freeClusters,
		NextFree:          v.nextFree,
	}
}

// FSType returns the FAT type of the volume.
func (v *Volume) FSType() FATType {
	return v.fatType
}

// Label returns the volume label stored in the boot sector.
func (v *Volume) Label() string {
	return v.label
}

// ClusterToSector returns the first sector of cluster. Cluster 0 addresses
// the fixed root directory region of FAT12 and FAT16 volumes.
func (v *Volume) ClusterToSector(cluster uint32) uint32 {
	if cluster == 0 && v.fatType != FAT32 {
		return v.rootDirSector
	}
	return ((cluster - firstDataCluster) << v.spcShift) + v.dataStart
}

// sector512 returns the first 512 byte sector of cluster as used for inode numbers.
func (v *Volume) sector512(cluster uint32) uint64 {
	if cluster == 1 {
		return 1
	}
	return uint64(v.ClusterToSector(cluster)) << (v.sectorShift - 9)
}

func (v *Volume) validCluster(cluster uint32) bool {
	return cluster >= firstDataCluster && cluster <= v.dataClusters+1
}

func (v *Volume) checkOpen() error {
	if v.closed {
		return checkpoint.New(ErrClosed, "volume was unmounted")
	}
	return nil
}

// Sync writes changed FS-Info hints, flushes the block cache and syncs the device.
func (v *Volume) Sync() error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	if err := v.syncFSInfo(); err != nil {
		return err
	}
	if err := v.release(); err != nil {
		return checkpoint.From(err)
	}
	if err := v.dev.Sync(); err != nil {
		return checkpoint.Wrap(err, ErrDevice)
	}
	return nil
}

func (v *Volume) syncFSInfo() error {
	if v.fatType != FAT32 || v.fsInfoSector == 0 {
		return nil
	}
	if v.freeClusters == v.syncedFree && v.nextFree == v.syncedNext {
		return nil
	}

	buf, err := v.access(v.fsInfoSector, accessRead)
	if err != nil {
		return checkpoint.From(err)
	}
	binary.LittleEndian.PutUint32(buf[fsInfoFreeCountOffset:], v.freeClusters)
	binary.LittleEndian.PutUint32(buf[fsInfoNextFreeOffset:], v.nextFree)
	v.markModified()

	v.syncedFree = v.freeClusters
	v.syncedNext = v.nextFree
	v.log.WithFields(logrus.Fields{
		"freeClusters": v.freeClusters,
		"nextFree":     v.nextFree,
	}).Debug("updated FS-Info")
	return nil
}

// Unmount syncs the volume and drops every descriptor. Handles which are
// still open must not be used afterwards.
func (v *Volume) Unmount() error {
	if err := v.Sync(); err != nil {
		return err
	}

	live, removed := v.files.count()
	if live+removed > 0 {
		v.log.WithFields(logrus.Fields{"live": live, "removed": removed}).Debug("dropping descriptors on unmount")
	}
	v.files.clear()
	v.inodes = nil
	v.cache = blockCache{}
	v.closed = true
	return nil
}
