package fatcore

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/aligator/fatcore/internal/imagetest"
	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMount(t *testing.T) {
	tests := []struct {
		name   string
		layout imagetest.Layout
		opts   []Option
		want   Geometry
	}{
		{
			name:   "FAT12 floppy",
			layout: imagetest.FAT12(),
			want: Geometry{
				Type:              FAT12,
				Label:             "FLOPPY",
				BytesPerSector:    512,
				SectorsPerCluster: 1,
				BytesPerCluster:   512,
				ReservedSectors:   1,
				FATCount:          2,
				FATLength:         9,
				FATStart:          1,
				Mirror:            true,
				RootDirSector:     19,
				RootDirSectors:    14,
				DataStart:         33,
				TotalSectors:      2880,
				DataClusters:      2847,
				BlockSize:         512,
				FreeClusters:      unknownHint,
				NextFree:          unknownHint,
			},
		},
		{
			name:   "FAT16 with cluster sized blocks",
			layout: imagetest.FAT16(),
			want: Geometry{
				Type:              FAT16,
				Label:             "SIXTEEN",
				BytesPerSector:    512,
				SectorsPerCluster: 4,
				BytesPerCluster:   2048,
				ReservedSectors:   4,
				FATCount:          2,
				FATLength:         20,
				FATStart:          4,
				Mirror:            true,
				RootDirSector:     44,
				RootDirSectors:    32,
				DataStart:         76,
				TotalSectors:      20076,
				DataClusters:      5000,
				BlockSize:         2048,
				FreeClusters:      unknownHint,
				NextFree:          unknownHint,
			},
		},
		{
			name:   "FAT16 with sector sized blocks",
			layout: imagetest.FAT16(),
			opts:   []Option{WithClusterBlocks(false)},
			want: Geometry{
				Type:              FAT16,
				Label:             "SIXTEEN",
				BytesPerSector:    512,
				SectorsPerCluster: 4,
				BytesPerCluster:   2048,
				ReservedSectors:   4,
				FATCount:          2,
				FATLength:         20,
				FATStart:          4,
				Mirror:            true,
				RootDirSector:     44,
				RootDirSectors:    32,
				DataStart:         76,
				TotalSectors:      20076,
				DataClusters:      5000,
				BlockSize:         512,
				FreeClusters:      unknownHint,
				NextFree:          unknownHint,
			},
		},
		{
			name:   "FAT32 with FS-Info",
			layout: imagetest.FAT32(),
			want: Geometry{
				Type:              FAT32,
				Label:             "THIRTYTWO",
				BytesPerSector:    512,
				SectorsPerCluster: 1,
				BytesPerCluster:   512,
				ReservedSectors:   32,
				FATCount:          2,
				FATLength:         516,
				FATStart:          32,
				Mirror:            true,
				RootDirSector:     1064,
				RootCluster:       2,
				DataStart:         1064,
				TotalSectors:      67064,
				DataClusters:      66000,
				BlockSize:         512,
				FreeClusters:      65999,
				NextFree:          2,
			},
		},
		{
			name: "FAT32 using only the second FAT",
			layout: func() imagetest.Layout {
				l := imagetest.FAT32()
				l.ExtFlags = extFlagsMirrorDisabled | 1
				return l
			}(),
			want: Geometry{
				Type:              FAT32,
				Label:             "THIRTYTWO",
				BytesPerSector:    512,
				SectorsPerCluster: 1,
				BytesPerCluster:   512,
				ReservedSectors:   32,
				FATCount:          2,
				FATLength:         516,
				FATStart:          32 + 516,
				Mirror:            false,
				ActiveFAT:         1,
				RootDirSector:     1064,
				RootCluster:       2,
				DataStart:         1064,
				TotalSectors:      67064,
				DataClusters:      66000,
				BlockSize:         512,
				FreeClusters:      65999,
				NextFree:          2,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := mountSparse(t, tt.layout, tt.opts...)
			if diff := cmp.Diff(tt.want, v.Geometry()); diff != "" {
				t.Errorf("Geometry() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.want.Type, v.FSType())
			assert.Equal(t, tt.want.Label, v.Label())
		})
	}
}

func TestMount_invalid(t *testing.T) {
	tests := []struct {
		name    string
		layout  func(l *imagetest.Layout)
		patch   func(img *imagetest.Sparse)
		base    imagetest.Layout
		wantErr error
	}{
		{
			name:    "missing signature",
			base:    imagetest.FAT16(),
			patch:   func(img *imagetest.Sparse) { img.WriteAt([]byte{0, 0}, bootSignatureOffset) },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "sector size 300",
			base:    imagetest.FAT16(),
			patch:   func(img *imagetest.Sparse) { img.WriteAt([]byte{0x2C, 0x01}, 11) },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "sectors per cluster no power of two",
			base:    imagetest.FAT16(),
			layout:  func(l *imagetest.Layout) { l.SectorsPerCluster = 3 },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "clusters larger than 32K",
			base:    imagetest.FAT16(),
			layout:  func(l *imagetest.Layout) { l.SectorsPerCluster = 128 },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "no reserved sectors",
			base:    imagetest.FAT16(),
			patch:   func(img *imagetest.Sparse) { img.WriteAt([]byte{0, 0}, 14) },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "no FAT",
			base:    imagetest.FAT16(),
			patch:   func(img *imagetest.Sparse) { img.WriteAt([]byte{0}, 16) },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "FAT size 0",
			base:    imagetest.FAT16(),
			patch:   func(img *imagetest.Sparse) { img.WriteAt([]byte{0, 0}, 22) },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "no data area",
			base:    imagetest.FAT16(),
			patch:   func(img *imagetest.Sparse) { img.WriteAt([]byte{50, 0}, 19) },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "FAT32 root cluster 0",
			base:    imagetest.FAT32(),
			layout:  func(l *imagetest.Layout) { l.RootCluster = 0 },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "FAT32 active FAT does not exist",
			base:    imagetest.FAT32(),
			layout:  func(l *imagetest.Layout) { l.ExtFlags = extFlagsMirrorDisabled | 3 },
			wantErr: ErrInvalidGeometry,
		},
		{
			name:    "FAT32 FS-Info lead signature broken",
			base:    imagetest.FAT32(),
			patch:   func(img *imagetest.Sparse) { img.WriteAt([]byte{0, 0, 0, 0}, 512) },
			wantErr: ErrInvalidGeometry,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.base
			if tt.layout != nil {
				tt.layout(&l)
			}
			img, err := imagetest.NewSparseImage(l)
			require.NoError(t, err)
			if tt.patch != nil {
				tt.patch(img)
			}

			log, _ := testLogger()
			v, err := Mount(img, WithLogger(log))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Mount() error = %v, wantErr %v", err, tt.wantErr)
			}
			assert.Nil(t, v)
		})
	}
}

func TestMount_deviceError(t *testing.T) {
	_, err := Mount(imagetest.NewSparse(100))
	assert.True(t, errors.Is(err, ErrDevice), "error = %v", err)
}

type sizedDevice struct {
	*imagetest.Sparse
	*MockSectorSizer
}

func TestMount_sectorSizer(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		sizeErr error
		wantErr error
	}{
		{name: "same size", size: 512},
		{name: "volume sectors are multiples", size: 256},
		{name: "device sectors too large", size: 4096, wantErr: ErrInvalidGeometry},
		{name: "query fails", sizeErr: errors.New("ioctl"), wantErr: ErrDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			img, err := imagetest.NewSparseImage(imagetest.FAT12())
			require.NoError(t, err)
			sizer := NewMockSectorSizer(ctrl)
			sizer.EXPECT().LogicalSectorSize().Return(tt.size, tt.sizeErr)

			log, _ := testLogger()
			_, err = Mount(sizedDevice{img, sizer}, WithLogger(log))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Mount() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		clusters uint32
		want     FATType
		wantErr  bool
	}{
		{clusters: 1, want: FAT12},
		{clusters: 4084, want: FAT12},
		{clusters: 4085, want: FAT16},
		{clusters: 4086, want: FAT16},
		{clusters: 65524, want: FAT16},
		{clusters: 65525, want: FAT32},
		{clusters: 0x0FFFFFF5, want: FAT32},
		{clusters: 0x0FFFFFFE, wantErr: true},
	}
	for _, tt := range tests {
		got, err := classify(tt.clusters)
		if (err != nil) != tt.wantErr {
			t.Errorf("classify(%d) error = %v, wantErr %v", tt.clusters, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("classify(%d) = %v, want %v", tt.clusters, got, tt.want)
		}
	}
}

func TestMount_classification(t *testing.T) {
	tests := []struct {
		clusters uint32
		want     FATType
	}{
		{clusters: 4084, want: FAT12},
		{clusters: 4086, want: FAT16},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			l := imagetest.Layout{
				BytesPerSector:    512,
				SectorsPerCluster: 1,
				ReservedSectors:   1,
				NumFATs:           1,
				RootEntries:       16,
				FATSize:           16,
				TotalSectors:      18 + tt.clusters,
			}
			v, _ := mountSparse(t, l)
			assert.Equal(t, tt.want, v.FSType())
			assert.Equal(t, tt.clusters, v.Geometry().DataClusters)
		})
	}
}

func TestMount_fsInfoHints(t *testing.T) {
	tests := []struct {
		name     string
		layout   func(l *imagetest.Layout)
		wantWarn bool
		wantFree uint32
		wantNext uint32
	}{
		{
			name:     "valid hints",
			layout:   func(l *imagetest.Layout) {},
			wantFree: 65999,
			wantNext: 2,
		},
		{
			name:     "structure signature broken",
			layout:   func(l *imagetest.Layout) { l.BrokenFSInfo = true },
			wantWarn: true,
			wantFree: unknownHint,
			wantNext: unknownHint,
		},
		{
			name:     "no FS-Info sector",
			layout:   func(l *imagetest.Layout) { l.FSInfoSector = 0 },
			wantWarn: true,
			wantFree: unknownHint,
			wantNext: unknownHint,
		},
		{
			name:     "free count larger than the volume",
			layout:   func(l *imagetest.Layout) { l.FreeCount = 70000 },
			wantWarn: true,
			wantFree: unknownHint,
			wantNext: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := imagetest.FAT32()
			tt.layout(&l)
			img, err := imagetest.NewSparseImage(l)
			require.NoError(t, err)

			log, hook := testLogger()
			v, err := Mount(img, WithLogger(log))
			require.NoError(t, err)

			g := v.Geometry()
			assert.Equal(t, tt.wantFree, g.FreeClusters)
			assert.Equal(t, tt.wantNext, g.NextFree)
			assert.Equal(t, tt.wantFree != unknownHint, g.FreeKnown())

			var warned bool
			for _, e := range hook.AllEntries() {
				if e.Level == logrus.WarnLevel {
					warned = true
				}
			}
			assert.Equal(t, tt.wantWarn, warned)
		})
	}
}

func TestVolume_Sync(t *testing.T) {
	l := imagetest.FAT32()
	v, img := mountSparse(t, l)

	// Nothing changed, nothing to write.
	require.NoError(t, v.Sync())
	assert.Equal(t, 0, img.Writes)
	assert.Equal(t, 1, img.Syncs)

	a, err := v.ScanForFree(2, false)
	require.NoError(t, err)
	require.NoError(t, v.Sync())

	info := make([]byte, 512)
	_, err = img.ReadAt(info, 512)
	require.NoError(t, err)
	assert.Equal(t, uint32(65997), binary.LittleEndian.Uint32(info[fsInfoFreeCountOffset:]))
	assert.Equal(t, a.Last, binary.LittleEndian.Uint32(info[fsInfoNextFreeOffset:]))

	// A second sync has nothing to do.
	img.Writes = 0
	require.NoError(t, v.Sync())
	assert.Equal(t, 0, img.Writes)
}

func TestVolume_Sync_deviceError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	img, err := imagetest.NewSparseImage(imagetest.FAT16())
	require.NoError(t, err)
	dev := NewMockDevice(ctrl)
	dev.EXPECT().Sync().Return(errors.New("flush failed"))
	passThrough(dev, img)

	log, _ := testLogger()
	v, err := Mount(dev, WithLogger(log))
	require.NoError(t, err)

	err = v.Sync()
	assert.True(t, errors.Is(err, ErrDevice), "error = %v", err)
}

func TestVolume_mirror(t *testing.T) {
	tests := []struct {
		name       string
		layout     imagetest.Layout
		wantCopies []uint32
	}{
		{
			name:       "FAT16 mirrors every copy",
			layout:     imagetest.FAT16(),
			wantCopies: []uint32{0x1234, 0x1234},
		},
		{
			name:       "FAT12 mirrors every copy",
			layout:     imagetest.FAT12(),
			wantCopies: []uint32{0x234, 0x234},
		},
		{
			name: "FAT32 with mirroring disabled only writes the active FAT",
			layout: func() imagetest.Layout {
				l := imagetest.FAT32()
				l.ExtFlags = extFlagsMirrorDisabled | 1
				return l
			}(),
			wantCopies: []uint32{0, 0x1234},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, img := mountSparse(t, tt.layout)
			require.NoError(t, v.SetEntry(7, 0x1234))
			require.NoError(t, v.Sync())

			for i, want := range tt.wantCopies {
				got, err := tt.layout.GetFAT(img, i, 7)
				require.NoError(t, err)
				assert.Equal(t, want, got, "FAT copy %d", i)
			}
		})
	}
}

func TestVolume_ClusterToSector(t *testing.T) {
	v, _ := mountSparse(t, imagetest.FAT16())
	tests := []struct {
		cluster uint32
		want    uint32
	}{
		{cluster: 0, want: 44},
		{cluster: 2, want: 76},
		{cluster: 3, want: 80},
		{cluster: 5001, want: 76 + 4999*4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, v.ClusterToSector(tt.cluster), "cluster %d", tt.cluster)
	}
}

func TestVolume_locationKey(t *testing.T) {
	v, _ := mountSparse(t, imagetest.FAT16())
	tests := []struct {
		name string
		loc  Location
		want uint64
	}{
		{name: "root", loc: RootLocation, want: 16},
		{name: "first root entry", loc: Location{Cluster: 0, Offset: 0}, want: 44 << 4},
		{name: "third root entry", loc: Location{Cluster: 0, Offset: 64}, want: 44<<4 + 2},
		{name: "second sector of the root", loc: Location{Cluster: 0, Offset: 512 + 32}, want: 45<<4 + 1},
		{name: "entry in a cluster", loc: Location{Cluster: 3, Offset: 1024 + 480}, want: 82<<4 + 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.locationKey(tt.loc))
		})
	}
}

func TestVolume_Unmount(t *testing.T) {
	v, img := mountSparse(t, imagetest.FAT16())
	f, err := v.OpenRoot()
	require.NoError(t, err)
	require.NoError(t, v.SetEntry(9, 10))

	require.NoError(t, v.Unmount())
	got, err := imagetest.FAT16().GetFAT(img, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), got)

	for name, call := range map[string]func() error{
		"Sync":    v.Sync,
		"Unmount": v.Unmount,
		"GetEntry": func() error {
			_, err := v.GetEntry(9)
			return err
		},
		"Open": func() error {
			_, err := v.OpenRoot()
			return err
		},
		"Read": func() error {
			_, err := f.Read(0, make([]byte, 1))
			return err
		},
	} {
		err := call()
		assert.True(t, errors.Is(err, ErrClosed), "%s error = %v", name, err)
	}
}

func TestGeometry_allocationKeepsLayout(t *testing.T) {
	// The layout does not depend on the allocation hints.
	a, _ := mountSparse(t, imagetest.FAT32())
	b, _ := mountSparse(t, imagetest.FAT32())
	_, err := b.ScanForFree(1, false)
	require.NoError(t, err)

	if diff := cmp.Diff(a.Geometry(), b.Geometry(), cmpopts.IgnoreFields(Geometry{}, "FreeClusters", "NextFree")); diff != "" {
		t.Errorf("Geometry() mismatch (-a +b):\n%s", diff)
	}
}
