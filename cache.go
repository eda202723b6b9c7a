package fatcore

import (
	"github.com/aligator/fatcore/checkpoint"
	"github.com/sirupsen/logrus"
)

type accessMode uint8

const (
	// accessRead fetches the current content of the sector.
	accessRead accessMode = iota
	// accessGet is used if the caller overwrites the whole sector anyway.
	// The device is only read if the cache block holds more than this sector.
	accessGet
)

// blockCache holds at most one device block. A block is one sector, or one
// cluster if the volume uses cluster sized blocks.
type blockCache struct {
	valid    bool
	modified bool
	block    uint32
	buf      []byte
}

func (c *blockCache) reset() {
	c.valid = false
	c.modified = false
}

func (v *Volume) blockSize() uint32 {
	return v.bytesPerSector << v.blockShift
}

// access makes sector the cached one and returns a view of its bytes.
// The view is only valid until the next access or release.
func (v *Volume) access(sector uint32, mode accessMode) ([]byte, error) {
	block := sector >> v.blockShift
	size := v.blockSize()

	if !v.cache.valid || v.cache.block != block {
		if err := v.release(); err != nil {
			return nil, err
		}

		if uint32(len(v.cache.buf)) != size {
			v.cache.buf = make([]byte, size)
		}

		if mode == accessRead || v.blockShift != 0 {
			if err := readFull(v.dev, v.cache.buf, int64(block)*int64(size)); err != nil {
				v.cache.reset()
				return nil, checkpoint.From(err)
			}
		} else {
			// Never hand out the content of another sector.
			for i := range v.cache.buf {
				v.cache.buf[i] = 0
			}
		}

		v.cache.valid = true
		v.cache.block = block
	}

	offset := (sector - block<<v.blockShift) << v.sectorShift
	return v.cache.buf[offset : offset+v.bytesPerSector], nil
}

// markModified marks the cached block as dirty. It is written on the next
// eviction, release or sync.
func (v *Volume) markModified() {
	v.cache.modified = true
}

// release writes the cached block back if it is modified and empties the cache.
// If the block contains FAT sectors and the volume mirrors in software, the
// sectors are also written to every other FAT copy.
func (v *Volume) release() error {
	if !v.cache.valid {
		return nil
	}

	if v.cache.modified {
		first := v.cache.block << v.blockShift
		if err := writeFull(v.dev, v.cache.buf, int64(first)*int64(v.bytesPerSector)); err != nil {
			v.cache.reset()
			return checkpoint.From(err)
		}

		if err := v.mirrorFAT(first); err != nil {
			v.cache.reset()
			return err
		}
	}

	v.cache.reset()
	return nil
}

// mirrorFAT copies the FAT sectors of the cached block to the other FAT copies.
func (v *Volume) mirrorFAT(first uint32) error {
	if !v.mirror || v.fatCount < 2 {
		return nil
	}

	last := first + (1 << v.blockShift)
	fatEnd := v.fatStart + v.fatLength
	lo, hi := first, last
	if lo < v.fatStart {
		lo = v.fatStart
	}
	if hi > fatEnd {
		hi = fatEnd
	}
	if lo >= hi {
		return nil
	}

	data := v.cache.buf[(lo-first)<<v.sectorShift : (hi-first)<<v.sectorShift]
	for i := uint32(1); i < v.fatCount; i++ {
		target := lo + i*v.fatLength
		if err := writeFull(v.dev, data, int64(target)*int64(v.bytesPerSector)); err != nil {
			return checkpoint.From(err)
		}
	}

	v.log.WithFields(logrus.Fields{"sector": lo, "count": hi - lo}).Trace("mirrored FAT sectors")
	return nil
}

// blockRead copies len(dst) bytes starting at offset inside of sector.
// The range may span several sectors.
func (v *Volume) blockRead(sector, offset uint32, dst []byte) (int, error) {
	done := 0
	for done < len(dst) {
		buf, err := v.access(sector, accessRead)
		if err != nil {
			return done, err
		}
		done += copy(dst[done:], buf[offset:])
		offset = 0
		sector++
	}
	return done, nil
}

// blockWrite copies src to the sectors starting at offset inside of sector.
func (v *Volume) blockWrite(sector, offset uint32, src []byte) (int, error) {
	done := 0
	for done < len(src) {
		mode := accessRead
		if offset == 0 && uint32(len(src)-done) >= v.bytesPerSector {
			mode = accessGet
		}
		buf, err := v.access(sector, mode)
		if err != nil {
			return done, err
		}
		done += copy(buf[offset:], src[done:])
		v.markModified()
		offset = 0
		sector++
	}
	return done, nil
}

// blockZero clears count bytes starting at offset inside of sector.
func (v *Volume) blockZero(sector, offset, count uint32) error {
	for count > 0 {
		mode := accessRead
		if offset == 0 && count >= v.bytesPerSector {
			mode = accessGet
		}
		buf, err := v.access(sector, mode)
		if err != nil {
			return err
		}
		n := v.bytesPerSector - offset
		if n > count {
			n = count
		}
		for i := offset; i < offset+n; i++ {
			buf[i] = 0
		}
		v.markModified()
		count -= n
		offset = 0
		sector++
	}
	return nil
}

// zeroCluster clears the data of cluster.
func (v *Volume) zeroCluster(cluster uint32) error {
	return v.blockZero(v.ClusterToSector(cluster), 0, v.bytesPerCluster)
}
