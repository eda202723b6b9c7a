package main

import (
	"io"

	"github.com/aligator/fatcore"
)

// device is what openDevice returns: something to mount and to close afterwards.
type device interface {
	fatcore.Device
	io.Closer
}
