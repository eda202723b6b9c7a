package fatcore

import "errors"

// These errors may occur while working with a mounted volume. They are always
// returned decorated by the checkpoint package, use errors.Is to test for them.
var (
	// ErrDevice means the underlying device failed to read or write.
	// It is fatal to the current call and never retried.
	ErrDevice = errors.New("device i/o failed")

	// ErrNoSpace means the allocator found no free cluster.
	ErrNoSpace = errors.New("no space left on volume")

	// ErrInvalidGeometry means the boot sector describes no usable FAT volume.
	ErrInvalidGeometry = errors.New("invalid volume geometry")

	// ErrInvalidCluster means a cluster number outside of the data area was used.
	// This usually indicates on disk corruption.
	ErrInvalidCluster = errors.New("invalid cluster reference")

	// ErrInodeExhausted means no unique inode number could be synthesized.
	ErrInodeExhausted = errors.New("unique inode pool exhausted")

	// ErrFileTooLarge means a write started at or beyond the size limit of the file.
	ErrFileTooLarge = errors.New("file too large")

	// ErrClosed means the volume was already unmounted.
	ErrClosed = errors.New("volume is not mounted")

	// ErrNotSupported is returned for operations which belong to the directory layer.
	ErrNotSupported = errors.New("operation not supported")
)
