// Package config reads mount profiles. A profile is a small YAML document
// which holds the options of a volume, so they need not be repeated on every
// invocation:
//
//  cluster_blocks: true
//  inode_pool_size: 256
//  collision_policy: synthesize
//  log_level: debug
package config

import (
	"errors"
	"fmt"

	"github.com/aligator/fatcore"
	"github.com/aligator/fatcore/checkpoint"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// ErrInvalidProfile is returned if a profile cannot be used.
var ErrInvalidProfile = errors.New("invalid profile")

// Profile holds the mount options of a volume.
type Profile struct {
	// ClusterBlocks is a pointer, so an unset value keeps the engine default.
	ClusterBlocks   *bool  `yaml:"cluster_blocks"`
	InodePoolSize   uint   `yaml:"inode_pool_size"`
	CollisionPolicy string `yaml:"collision_policy"`
	LogLevel        string `yaml:"log_level"`
}

// Load reads the profile at path from fs. The file must exist, a missing file
// results in an error matching os.ErrNotExist.
func Load(fs afero.Fs, path string) (Profile, error) {
	var p Profile

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return p, checkpoint.From(err)
	}

	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return p, checkpoint.Wrapf(err, ErrInvalidProfile, "parse %q", path)
	}
	if _, err := p.Policy(); err != nil {
		return p, err
	}
	if _, err := p.Level(); err != nil {
		return p, err
	}
	return p, nil
}

// Policy returns the configured collision policy, SynthesizeInode if unset.
func (p Profile) Policy() (fatcore.CollisionPolicy, error) {
	switch p.CollisionPolicy {
	case "", fatcore.SynthesizeInode.String():
		return fatcore.SynthesizeInode, nil
	case fatcore.ReuseInode.String():
		return fatcore.ReuseInode, nil
	default:
		return 0, checkpoint.New(ErrInvalidProfile, "unknown collision policy %q", p.CollisionPolicy)
	}
}

// Level returns the configured log level, logrus.InfoLevel if unset.
func (p Profile) Level() (logrus.Level, error) {
	if p.LogLevel == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(p.LogLevel)
	if err != nil {
		return 0, checkpoint.Wrap(err, ErrInvalidProfile)
	}
	return level, nil
}

// Options converts the profile to mount options. log is passed to the volume.
func (p Profile) Options(log logrus.FieldLogger) ([]fatcore.Option, error) {
	policy, err := p.Policy()
	if err != nil {
		return nil, err
	}

	opts := []fatcore.Option{
		fatcore.WithLogger(log),
		fatcore.WithCollisionPolicy(policy),
	}
	if p.ClusterBlocks != nil {
		opts = append(opts, fatcore.WithClusterBlocks(*p.ClusterBlocks))
	}
	if p.InodePoolSize > 0 {
		opts = append(opts, fatcore.WithInodePoolSize(p.InodePoolSize))
	}
	return opts, nil
}

func (p Profile) String() string {
	blocks := "default"
	if p.ClusterBlocks != nil {
		blocks = fmt.Sprint(*p.ClusterBlocks)
	}
	return fmt.Sprintf("cluster_blocks=%s inode_pool_size=%d collision_policy=%q log_level=%q",
		blocks, p.InodePoolSize, p.CollisionPolicy, p.LogLevel)
}
