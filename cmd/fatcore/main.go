// Command fatcore inspects FAT12, FAT16 and FAT32 images and block devices
// using the fatcore engine.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/aligator/fatcore"
	"github.com/aligator/fatcore/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type cli struct {
	fs  afero.Fs
	out io.Writer
	log *logrus.Logger

	configPath string
	verbose    bool
	profile    config.Profile
}

func main() {
	if err := newRootCmd(afero.NewOsFs(), os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(fs afero.Fs, out io.Writer) *cobra.Command {
	c := &cli{
		fs:  fs,
		out: out,
		log: logrus.New(),
	}

	cmd := &cobra.Command{
		Use:          "fatcore",
		Short:        "Inspect FAT volumes",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.log.SetOutput(cmd.ErrOrStderr())
			return c.setup()
		},
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML mount profile")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log everything the engine does")

	cmd.AddCommand(c.infoCmd())
	cmd.AddCommand(c.chainCmd())
	cmd.AddCommand(c.freeCmd())
	cmd.AddCommand(c.catCmd())
	return cmd
}

func (c *cli) setup() error {
	if c.configPath != "" {
		profile, err := config.Load(c.fs, c.configPath)
		if err != nil {
			return err
		}
		c.profile = profile
	}

	level, err := c.profile.Level()
	if err != nil {
		return err
	}
	if c.verbose {
		level = logrus.TraceLevel
	}
	c.log.SetLevel(level)
	c.log.WithField("profile", c.profile.String()).Debug("loaded mount profile")
	return nil
}

// mount opens path and mounts it. The returned function unmounts the volume
// and closes the device.
func (c *cli) mount(path string) (*fatcore.Volume, func() error, error) {
	dev, err := openDevice(c.fs, path)
	if err != nil {
		return nil, nil, err
	}

	opts, err := c.profile.Options(c.log)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	v, err := fatcore.Mount(dev, opts...)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	return v, func() error {
		err := v.Unmount()
		if closeErr := dev.Close(); err == nil {
			err = closeErr
		}
		return err
	}, nil
}

// withVolume runs fn on the mounted volume at path.
func (c *cli) withVolume(path string, fn func(v *fatcore.Volume) error) (err error) {
	v, unmount, err := c.mount(path)
	if err != nil {
		return err
	}
	defer func() {
		if unmountErr := unmount(); err == nil {
			err = unmountErr
		}
	}()
	return fn(v)
}

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "print the geometry of a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withVolume(args[0], func(v *fatcore.Volume) error {
				g := v.Geometry()
				w := tabwriter.NewWriter(c.out, 0, 4, 1, ' ', 0)
				fmt.Fprintf(w, "type:\t%v\n", g.Type)
				fmt.Fprintf(w, "label:\t%q\n", g.Label)
				fmt.Fprintf(w, "bytes per sector:\t%d\n", g.BytesPerSector)
				fmt.Fprintf(w, "bytes per cluster:\t%d\n", g.BytesPerCluster)
				fmt.Fprintf(w, "reserved sectors:\t%d\n", g.ReservedSectors)
				fmt.Fprintf(w, "FATs:\t%d x %d sectors at %d\n", g.FATCount, g.FATLength, g.FATStart)
				fmt.Fprintf(w, "mirror:\t%v (active FAT %d)\n", g.Mirror, g.ActiveFAT)
				if g.Type == fatcore.FAT32 {
					fmt.Fprintf(w, "root directory:\tcluster %d\n", g.RootCluster)
				} else {
					fmt.Fprintf(w, "root directory:\t%d sectors at %d\n", g.RootDirSectors, g.RootDirSector)
				}
				fmt.Fprintf(w, "data start:\t%d\n", g.DataStart)
				fmt.Fprintf(w, "total sectors:\t%d\n", g.TotalSectors)
				fmt.Fprintf(w, "data clusters:\t%d\n", g.DataClusters)
				fmt.Fprintf(w, "cache block:\t%d\n", g.BlockSize)
				fmt.Fprintf(w, "free clusters:\t%s\n", hint(g.FreeKnown(), g.FreeClusters))
				fmt.Fprintf(w, "next free:\t%s\n", hint(g.NextFreeKnown(), g.NextFree))
				return w.Flush()
			})
		},
	}
}

func hint(known bool, value uint32) string {
	if !known {
		return "unknown"
	}
	return strconv.FormatUint(uint64(value), 10)
}

func (c *cli) chainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <image> <cluster>",
		Short: "print the cluster chain starting at cluster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			head, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid cluster %q: %w", args[1], err)
			}

			return c.withVolume(args[0], func(v *fatcore.Volume) error {
				// ChainLength fails on loops, so the walk below terminates.
				length, err := v.ChainLength(uint32(head))
				if err != nil {
					return err
				}

				cluster := uint32(head)
				for i := uint32(0); i < length; i++ {
					fmt.Fprintln(c.out, cluster)
					if cluster, err = v.GetEntry(cluster); err != nil {
						return err
					}
				}
				c.log.WithFields(logrus.Fields{"head": head, "length": length}).Debug("chain walked")
				return nil
			})
		},
	}
}

func (c *cli) freeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "free <image>",
		Short: "count the free clusters by scanning the FAT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withVolume(args[0], func(v *fatcore.Volume) error {
				free, err := v.CountFree()
				if err != nil {
					return err
				}
				g := v.Geometry()
				fmt.Fprintf(c.out, "%d of %d clusters free (%d bytes)\n", free, g.DataClusters, uint64(free)*uint64(g.BytesPerCluster))
				return nil
			})
		},
	}
}

func (c *cli) catCmd() *cobra.Command {
	var (
		cluster uint32
		offset  uint32
		root    bool
	)
	cmd := &cobra.Command{
		Use:   "cat <image>",
		Short: "print the content of the file whose directory entry is at --cluster and --offset",
		Long: `Print the content of a file or directory.

The file is addressed by the location of its directory entry. Cluster 0 is the
fixed root directory of FAT12 and FAT16 volumes. --root prints the root
directory itself.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := fatcore.Location{Cluster: cluster, Offset: offset}
			if root {
				loc = fatcore.RootLocation
			}

			return c.withVolume(args[0], func(v *fatcore.Volume) error {
				f, err := v.Open(loc)
				if err != nil {
					return err
				}
				s := fatcore.NewStream(f, fatcore.LocationName(loc))
				defer s.Close()

				n, err := io.Copy(c.out, s)
				if err != nil {
					return err
				}
				c.log.WithFields(logrus.Fields{"location": s.Name(), "bytes": n}).Debug("file copied")
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&cluster, "cluster", 0, "cluster of the directory holding the entry")
	cmd.Flags().Uint32Var(&offset, "offset", 0, "byte offset of the entry inside of the directory")
	cmd.Flags().BoolVar(&root, "root", false, "print the root directory")
	return cmd
}
