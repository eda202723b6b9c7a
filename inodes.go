package fatcore

import "github.com/willf/bitset"

const (
	inodePoolInitialSize = 0x100

	// reservedInodeStart is the first inode number the pool never hands out.
	reservedInodeStart = 0x0FFFFFFF
)

// inodePool synthesizes inode numbers for descriptors which cannot use the
// number derived from their directory entry location.
// Numbers are base + index of a busy bit.
type inodePool struct {
	base   uint64
	size   uint
	cursor uint
	busy   *bitset.BitSet
}

func newInodePool(base uint64, size uint) *inodePool {
	if size == 0 {
		size = inodePoolInitialSize
	}
	p := &inodePool{
		base: base,
		size: size,
		busy: bitset.New(size),
	}
	if base == 0 {
		// 0 is the failure value of allocate.
		p.busy.Set(0)
	}
	return p
}

// allocate returns an unused inode number, or 0 if the pool is exhausted and
// cannot grow any further.
func (p *inodePool) allocate() uint64 {
	for {
		for i := uint(0); i < p.size; i++ {
			if !p.busy.Test(p.cursor) {
				p.busy.Set(p.cursor)
				ino := p.base + uint64(p.cursor)
				p.advance()
				return ino
			}
			p.advance()
		}

		if !p.grow() {
			return 0
		}
	}
}

func (p *inodePool) advance() {
	p.cursor++
	if p.cursor >= p.size {
		p.cursor = 0
	}
}

// grow doubles the pool unless that reaches the reserved inode range.
func (p *inodePool) grow() bool {
	if p.base >= reservedInodeStart || uint64(p.size)<<1 >= reservedInodeStart-p.base {
		return false
	}
	p.cursor = p.size
	p.size <<= 1
	return true
}

// owns reports whether ino was synthesized by the pool.
func (p *inodePool) owns(ino uint64) bool {
	return ino >= p.base && ino-p.base < uint64(p.size)
}

func (p *inodePool) free(ino uint64) {
	if !p.owns(ino) {
		return
	}
	if p.base == 0 && ino == 0 {
		return
	}
	p.busy.Clear(uint(ino - p.base))
}

// inUse returns the number of synthesized inodes currently handed out.
func (p *inodePool) inUse() uint {
	n := p.busy.Count()
	if p.base == 0 {
		n--
	}
	return n
}
