//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// SIGHUP is included so closing the controlling terminal releases the reader.
var shutdownSignals = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP}
