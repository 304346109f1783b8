package tray

import (
	"github.com/SimplyPrint/pcsc-agent/internal/api"
)

// TrayApp is a no-op on Linux, where the agent runs headless under systemd.
type TrayApp struct {
	quit chan struct{}
}

func New(serverAddr string, sessions *api.Sessions, onQuit func()) *TrayApp {
	return &TrayApp{quit: make(chan struct{})}
}

// RunWithServer starts the server and blocks until Quit.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		go serverStart()
	}
	<-t.quit
}

func (t *TrayApp) Quit() {
	close(t.quit)
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return false
}
