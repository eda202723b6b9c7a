// File model contains the structs which match the direct structures of the FAT filesystem.

package fatcore

const (
	bootSignatureOffset = 510
	bootSignature       = 0xAA55

	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000

	fsInfoStructSignatureOffset = 484
	fsInfoFreeCountOffset       = 488
	fsInfoNextFreeOffset        = 492
	fsInfoTrailSignatureOffset  = 508

	// extFlagsMirrorDisabled is set in FAT32ExtFlags if only the active FAT is used.
	extFlagsMirrorDisabled = 0x0080
	extFlagsActiveFATMask  = 0x000F

	// dirEntrySize is the size of one directory entry record.
	dirEntrySize = 32
)

// BPB is the BIOS parameter block shared by all FAT types. It starts at byte 0
// of the boot sector.
type BPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
}

// FAT32SpecificData follows the BPB on FAT32 volumes (offset 36).
type FAT32SpecificData struct {
	FATSize32        uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// EntryHeader is the 32 byte short name directory entry. The engine itself
// only ever touches the attribute, the first cluster, the times and the size.
type EntryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// Offsets inside of an EntryHeader.
const (
	entryFirstClusterHIOff = 20
	entryWriteTimeOffset   = 22
	entryWriteDateOffset   = 24
	entryFirstClusterLOOff = 26
	entryFileSizeOffset    = 28
)

// Attributes of an EntryHeader.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
)

// FirstCluster joins the two halves of the first cluster number.
func (e EntryHeader) FirstCluster() uint32 {
	return uint32(e.FirstClusterHI)<<16 | uint32(e.FirstClusterLO)
}
