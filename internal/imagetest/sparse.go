package imagetest

import (
	"errors"
	"io"
)

const sparseBlock = 4096

// Sparse is an in memory image which only stores the blocks ever written.
// It lets tests use volumes with many clusters without allocating all of them.
type Sparse struct {
	size   int64
	blocks map[int64][]byte

	Reads  int
	Writes int
	Syncs  int
}

// NewSparse returns a zeroed image of size bytes.
func NewSparse(size int64) *Sparse {
	return &Sparse{size: size, blocks: make(map[int64][]byte)}
}

// NewSparseImage returns a sparse image formatted with l.
func NewSparseImage(l Layout) (*Sparse, error) {
	s := NewSparse(l.Size())
	if err := l.Write(s); err != nil {
		return nil, err
	}
	s.Reads, s.Writes = 0, 0
	return s, nil
}

func (s *Sparse) Size() int64 {
	return s.size
}

func (s *Sparse) ReadAt(p []byte, off int64) (int, error) {
	s.Reads++
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= s.size {
		return 0, io.EOF
	}

	n := len(p)
	if int64(n) > s.size-off {
		n = int(s.size - off)
	}
	for done := 0; done < n; {
		pos := off + int64(done)
		block, inner := pos/sparseBlock, pos%sparseBlock
		chunk := sparseBlock - int(inner)
		if chunk > n-done {
			chunk = n - done
		}
		if data, ok := s.blocks[block]; ok {
			copy(p[done:done+chunk], data[inner:])
		} else {
			for i := done; i < done+chunk; i++ {
				p[i] = 0
			}
		}
		done += chunk
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Sparse) WriteAt(p []byte, off int64) (int, error) {
	s.Writes++
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, errors.New("write beyond the end of the image")
	}

	for done := 0; done < len(p); {
		pos := off + int64(done)
		block, inner := pos/sparseBlock, pos%sparseBlock
		data, ok := s.blocks[block]
		if !ok {
			data = make([]byte, sparseBlock)
			s.blocks[block] = data
		}
		done += copy(data[inner:], p[done:])
	}
	return len(p), nil
}

func (s *Sparse) Sync() error {
	s.Syncs++
	return nil
}
