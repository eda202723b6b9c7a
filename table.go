package fatcore

import (
	"encoding/binary"

	"github.com/aligator/fatcore/checkpoint"
)

const (
	// FreeCluster is the FAT value of an unused cluster.
	FreeCluster uint32 = 0
	// EndOfChain is written to the last cluster of a chain. It is masked to
	// the entry width of the volume.
	EndOfChain uint32 = 0xFFFFFFFF
)

// fat12Get extracts a 12 bit entry from the two bytes holding it.
// Odd clusters use the upper 12 bits, even clusters the lower 12 bits.
func fat12Get(b []byte, odd bool) uint32 {
	pair := uint32(b[0]) | uint32(b[1])<<8
	if odd {
		return pair >> 4
	}
	return pair & maskFAT12
}

// fat12Put stores a 12 bit entry into the two bytes holding it. The nibble
// shared with the neighbouring entry is preserved.
func fat12Put(b []byte, odd bool, value uint32) {
	value &= maskFAT12
	if odd {
		b[0] = b[0]&0x0F | byte(value<<4)
		b[1] = byte(value >> 4)
		return
	}
	b[0] = byte(value)
	b[1] = b[1]&0xF0 | byte(value>>8)
}

// entryPosition returns the FAT sector and the byte offset inside of it
// which hold the entry of cluster.
func (v *Volume) entryPosition(cluster uint32) (sector, offset uint32) {
	var byteOffset uint32
	switch v.fatType {
	case FAT12:
		byteOffset = cluster + cluster/2
	case FAT16:
		byteOffset = cluster * 2
	default:
		byteOffset = cluster * 4
	}
	return v.fatStart + byteOffset>>v.sectorShift, byteOffset & (v.bytesPerSector - 1)
}

func (v *Volume) checkCluster(cluster uint32) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if !v.validCluster(cluster) {
		return checkpoint.New(ErrInvalidCluster, "cluster %d is outside of %d..%d", cluster, firstDataCluster, v.dataClusters+1)
	}
	return nil
}

// GetEntry returns the FAT value of cluster.
// For FAT32 the reserved top 4 bits are masked out.
func (v *Volume) GetEntry(cluster uint32) (uint32, error) {
	if err := v.checkCluster(cluster); err != nil {
		return 0, err
	}

	sector, offset := v.entryPosition(cluster)
	buf, err := v.access(sector, accessRead)
	if err != nil {
		return 0, checkpoint.From(err)
	}

	switch v.fatType {
	case FAT12:
		var pair [2]byte
		pair[0] = buf[offset]
		if offset == v.bytesPerSector-1 {
			// The entry continues in the next sector.
			next, err := v.access(sector+1, accessRead)
			if err != nil {
				return 0, checkpoint.From(err)
			}
			pair[1] = next[0]
		} else {
			pair[1] = buf[offset+1]
		}
		return fat12Get(pair[:], cluster&1 == 1), nil
	case FAT16:
		return uint32(binary.LittleEndian.Uint16(buf[offset:])), nil
	default:
		return binary.LittleEndian.Uint32(buf[offset:]) & maskFAT32, nil
	}
}

// SetEntry sets the FAT value of cluster. The value is masked to the entry
// width, FAT32 entries keep their reserved top 4 bits.
func (v *Volume) SetEntry(cluster, value uint32) error {
	if err := v.checkCluster(cluster); err != nil {
		return err
	}

	sector, offset := v.entryPosition(cluster)
	buf, err := v.access(sector, accessRead)
	if err != nil {
		return checkpoint.From(err)
	}

	switch v.fatType {
	case FAT12:
		odd := cluster&1 == 1
		if offset < v.bytesPerSector-1 {
			fat12Put(buf[offset:offset+2], odd, value)
			v.markModified()
			return nil
		}

		// The entry straddles two sectors. Update the second half first,
		// then come back for the first one.
		var pair [2]byte
		pair[0] = buf[offset]
		next, err := v.access(sector+1, accessRead)
		if err != nil {
			return checkpoint.From(err)
		}
		pair[1] = next[0]
		fat12Put(pair[:], odd, value)
		next[0] = pair[1]
		v.markModified()

		buf, err = v.access(sector, accessRead)
		if err != nil {
			return checkpoint.From(err)
		}
		buf[offset] = pair[0]
		v.markModified()
	case FAT16:
		binary.LittleEndian.PutUint16(buf[offset:], uint16(value))
		v.markModified()
	default:
		old := binary.LittleEndian.Uint32(buf[offset:])
		binary.LittleEndian.PutUint32(buf[offset:], old&^maskFAT32|value&maskFAT32)
		v.markModified()
	}
	return nil
}

// IsEOC reports whether value ends a chain.
func (v *Volume) IsEOC(value uint32) bool {
	return value&v.mask >= v.eoc
}

// IsFree reports whether value marks a free cluster.
func (v *Volume) IsFree(value uint32) bool {
	return value == FreeCluster
}

// IsBad reports whether value marks a bad cluster.
func (v *Volume) IsBad(value uint32) bool {
	return value&v.mask == v.eoc-1
}

// ChainLength returns the number of clusters in the chain starting at head.
// A chain with more links than the volume has clusters is reported as
// ErrInvalidCluster.
func (v *Volume) ChainLength(head uint32) (uint32, error) {
	length, _, err := v.walkChain(head)
	return length, err
}

// walkChain follows the chain at head to its end and returns its length and
// last cluster.
func (v *Volume) walkChain(head uint32) (length, last uint32, err error) {
	cur := head
	for !v.IsEOC(cur) {
		if length >= v.dataClusters {
			return length, last, checkpoint.New(ErrInvalidCluster, "chain at cluster %d does not end", head)
		}
		next, err := v.GetEntry(cur)
		if err != nil {
			return length, last, err
		}
		length++
		last = cur
		cur = next
	}
	return length, last, nil
}

// CountFree counts the free clusters by scanning the whole FAT and refreshes
// the free cluster hint.
func (v *Volume) CountFree() (uint32, error) {
	if err := v.checkOpen(); err != nil {
		return 0, err
	}

	var free uint32
	for cluster := uint32(firstDataCluster); cluster <= v.dataClusters+1; cluster++ {
		value, err := v.GetEntry(cluster)
		if err != nil {
			return 0, err
		}
		if v.IsFree(value) {
			free++
		}
	}
	v.freeClusters = free
	return free, nil
}
