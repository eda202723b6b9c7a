package fatcore

import (
	"testing"

	"github.com/aligator/fatcore/internal/imagetest"
	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
)

// testLogger returns a logger which records every entry into the returned hook.
func testLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)
	return log, hook
}

// tinyFAT12 has only the given number of clusters of 512 bytes and one FAT.
func tinyFAT12(clusters uint32) imagetest.Layout {
	return imagetest.Layout{
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		ReservedSectors:   1,
		NumFATs:           1,
		RootEntries:       16,
		TotalSectors:      3 + clusters,
		FATSize:           1,
	}
}

// mountSparse formats a sparse image with l and mounts it.
func mountSparse(t *testing.T, l imagetest.Layout, opts ...Option) (*Volume, *imagetest.Sparse) {
	t.Helper()
	img, err := imagetest.NewSparseImage(l)
	if err != nil {
		t.Fatal(err)
	}
	log, _ := testLogger()
	v, err := Mount(img, append([]Option{WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	img.Reads, img.Writes = 0, 0
	return v, img
}

// mountMem formats an image file on a MemMapFs with l and mounts it.
func mountMem(t *testing.T, l imagetest.Layout, prepare func(img imagetest.Image) error, opts ...Option) (*Volume, afero.File) {
	t.Helper()
	fs := afero.NewMemMapFs()
	file, err := imagetest.Create(fs, "/test.img", l)
	if err != nil {
		t.Fatal(err)
	}
	if prepare != nil {
		if err := prepare(file); err != nil {
			t.Fatal(err)
		}
	}

	dev, err := OpenImage(fs, "/test.img")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		dev.Close()
		file.Close()
	})

	log, _ := testLogger()
	v, err := Mount(dev, append([]Option{WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	return v, dev
}

// passThroughDevice returns a mock which forwards every call to img. Expectations
// added before calling it take precedence, so single calls can be made to fail.
func passThroughDevice(ctrl *gomock.Controller, img *imagetest.Sparse) *MockDevice {
	dev := NewMockDevice(ctrl)
	return passThrough(dev, img)
}

func passThrough(dev *MockDevice, img *imagetest.Sparse) *MockDevice {
	dev.EXPECT().ReadAt(gomock.Any(), gomock.Any()).DoAndReturn(img.ReadAt).AnyTimes()
	dev.EXPECT().WriteAt(gomock.Any(), gomock.Any()).DoAndReturn(img.WriteAt).AnyTimes()
	dev.EXPECT().Sync().DoAndReturn(img.Sync).AnyTimes()
	return dev
}
