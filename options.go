package fatcore

import (
	"time"

	"github.com/sirupsen/logrus"
)

// CollisionPolicy decides which inode a new descriptor gets when a removed but
// still open descriptor occupies the same directory entry location.
type CollisionPolicy uint8

const (
	// SynthesizeInode gives the new descriptor a unique inode from the pool,
	// so both descriptors stay distinguishable.
	SynthesizeInode CollisionPolicy = iota
	// ReuseInode lets the new descriptor share the location derived inode.
	ReuseInode
)

func (p CollisionPolicy) String() string {
	switch p {
	case SynthesizeInode:
		return "synthesize"
	case ReuseInode:
		return "reuse"
	default:
		return "unknown"
	}
}

type options struct {
	log           logrus.FieldLogger
	clusterBlocks bool
	inodePoolSize uint
	policy        CollisionPolicy
	now           func() time.Time
}

func defaultOptions() options {
	return options{
		log:           logrus.StandardLogger(),
		clusterBlocks: true,
		inodePoolSize: inodePoolInitialSize,
		policy:        SynthesizeInode,
		now:           time.Now,
	}
}

// Option configures a volume at mount time.
type Option func(*options)

// WithLogger sets the logger used by the volume.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClusterBlocks allows the cache to transfer whole clusters instead of
// single sectors if the data area is cluster aligned. It is enabled by default.
func WithClusterBlocks(enable bool) Option {
	return func(o *options) {
		o.clusterBlocks = enable
	}
}

// WithInodePoolSize sets the initial capacity of the unique inode pool.
func WithInodePoolSize(size uint) Option {
	return func(o *options) {
		if size > 0 {
			o.inodePoolSize = size
		}
	}
}

// WithCollisionPolicy sets the policy used by Open when a removed descriptor
// still occupies the opened location.
func WithCollisionPolicy(policy CollisionPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithClock replaces the time source used for modification times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
