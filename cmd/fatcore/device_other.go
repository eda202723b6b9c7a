//go:build !linux

package main

import (
	"github.com/aligator/fatcore"
	"github.com/spf13/afero"
)

func openDevice(fs afero.Fs, path string) (device, error) {
	return fatcore.OpenImage(fs, path)
}
