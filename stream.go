package fatcore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/aligator/fatcore/checkpoint"
	"github.com/spf13/afero"
)

// These errors may occur while processing a stream.
var (
	ErrReadFile  = errors.New("could not read file completely")
	ErrWriteFile = errors.New("could not write file completely")
	ErrSeekFile  = errors.New("could not seek inside of the file")
	ErrReadDir   = errors.New("could not read the directory")
)

var _ afero.File = (*Stream)(nil)

// Stream presents a FatFile as an afero.File with its own read/write offset.
// Several streams may share the same FatFile.
type Stream struct {
	file   *FatFile
	name   string
	offset int64
}

// NewStream opens a stream on f. Closing the stream closes one reference of f.
func NewStream(f *FatFile, name string) *Stream {
	return &Stream{file: f, name: name}
}

// File returns the underlying FatFile.
func (s *Stream) File() *FatFile {
	return s.file
}

func (s *Stream) Close() error {
	if s.file == nil {
		return checkpoint.Wrap(os.ErrClosed, ErrReadFile)
	}
	err := s.file.Close()
	s.file = nil
	s.name = ""
	s.offset = 0
	return checkpoint.From(err)
}

func (s *Stream) checkOpen() error {
	if s.file == nil {
		return checkpoint.From(os.ErrClosed)
	}
	return nil
}

func (s *Stream) Read(p []byte) (n int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if p == nil {
		return 0, nil
	}

	// Reading a file if the size has been already reached, makes no sense.
	if int64(s.file.Size()) <= s.offset {
		return 0, io.EOF
	}

	n, err = s.file.Read(uint32(s.offset), p)
	s.offset += int64(n)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrReadFile)
	}
	return n, nil
}

func (s *Stream) ReadAt(p []byte, off int64) (n int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if p == nil {
		return 0, nil
	}

	// Reading over the end makes no sense.
	if off < 0 || int64(s.file.Size()) <= off {
		return 0, io.EOF
	}

	n, err = s.file.Read(uint32(off), p)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrReadFile)
	}

	// io.ReaderAt requires an error for short reads.
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek jumps to a specific offset in the file. This affects all Read and Write
// operations except ReadAt and WriteAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is negative or beyond the size limit.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = s.offset + offset
	case io.SeekEnd:
		offset = int64(s.file.Size()) + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	if offset < 0 || offset > int64(s.file.SizeLimit()) {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	s.offset = offset
	return offset, nil
}

func (s *Stream) Write(p []byte) (n int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	n, err = s.WriteAt(p, s.offset)
	s.offset += int64(n)
	return n, err
}

func (s *Stream) WriteAt(p []byte, off int64) (n int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off >= int64(s.file.SizeLimit()) {
		return 0, checkpoint.Wrap(ErrFileTooLarge, ErrWriteFile)
	}

	n, err = s.file.Write(uint32(off), p)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrWriteFile)
	}
	if n < len(p) {
		// The volume or the size limit stopped the write.
		return n, checkpoint.Wrap(io.ErrShortWrite, ErrWriteFile)
	}
	return n, nil
}

func (s *Stream) WriteString(str string) (ret int, err error) {
	return s.Write([]byte(str))
}

func (s *Stream) Name() string {
	return s.name
}

// Readdir is not supported, directory contents belong to the layer above.
// May return syscall.ENOTDIR if the stream is no directory.
func (s *Stream) Readdir(count int) ([]os.FileInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.file.Type() != TypeDirectory {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}
	return nil, checkpoint.Wrap(ErrNotSupported, ErrReadDir)
}

func (s *Stream) Readdirnames(n int) ([]string, error) {
	_, err := s.Readdir(n)
	return nil, err
}

func (s *Stream) Stat() (os.FileInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.file.FileInfo(s.name), nil
}

// Sync writes the metadata of the file and syncs the whole volume.
func (s *Stream) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.vol.Sync()
}

// Truncate changes the size of the file. Growing fills the new bytes with zeros.
func (s *Stream) Truncate(size int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if size < 0 || size > int64(s.file.SizeLimit()) {
		return checkpoint.From(afero.ErrOutOfRange)
	}

	newSize := uint32(size)
	if newSize <= s.file.Size() {
		return s.file.Truncate(newSize)
	}

	reached, err := s.file.Extend(true, newSize)
	if err != nil {
		return err
	}
	if reached < newSize {
		return checkpoint.New(ErrNoSpace, "extended to %d of %d bytes", reached, newSize)
	}
	return nil
}
