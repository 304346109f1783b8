//go:build !linux

package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/api"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/welcome"
	"github.com/getlantern/systray"
)

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	sessions   *api.Sessions
	onQuit     func()
	mu         sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	// Menu items for updating
	mStatus  *systray.MenuItem
	mReaders *systray.MenuItem
	mCards   map[string]*systray.MenuItem
}

// New creates a new TrayApp instance. Card presence is shown for every reader
// found at start-up.
func New(serverAddr string, sessions *api.Sessions, onQuit func()) *TrayApp {
	ctx, cancel := context.WithCancel(context.Background())
	return &TrayApp{
		serverAddr: serverAddr,
		sessions:   sessions,
		onQuit:     onQuit,
		ctx:        ctx,
		cancel:     cancel,
		mCards:     make(map[string]*systray.MenuItem),
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

// Quit closes the tray, which ends RunWithServer.
func (t *TrayApp) Quit() {
	systray.Quit()
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("PC/SC Agent")

	mVersion := systray.AddMenuItem(fmt.Sprintf("PC/SC Agent %s", versionLabel(api.Version)), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem("Status: Starting...", "Server status")
	t.mStatus.Disable()

	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Connected smart card readers")
	t.mReaders.Disable()

	readers, err := t.sessions.Readers()
	if err != nil {
		logging.Warn(logging.CatSystem, "Tray could not list readers", map[string]any{
			"error": err.Error(),
		})
	}
	for _, reader := range readers {
		item := systray.AddMenuItem(cardTitle(reader, false), reader)
		item.Disable()
		t.mCards[reader] = item
	}

	systray.AddSeparator()

	mOpenUI := systray.AddMenuItem("Open Status", "Open the health endpoint in a browser")
	mAbout := systray.AddMenuItem("About", "About PC/SC Agent")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit PC/SC Agent")

	t.setStatus(len(readers))
	for reader := range t.mCards {
		go t.watch(reader)
	}

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/v1/health", t.serverAddr))
			case <-mAbout.ClickedCh:
				go welcome.ShowAbout(api.Version, t.serverAddr)
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			case <-t.ctx.Done():
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	t.cancel()
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) setStatus(readerCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mStatus.SetTitle("Status: Running")
	t.mReaders.SetTitle(readersTitle(readerCount))
}

// watch follows card presence on reader until the tray exits, restarting
// the monitor after transport failures.
func (t *TrayApp) watch(reader string) {
	defer logging.RecoverAndLog("tray reader watch", false)

	for t.ctx.Err() == nil {
		mon, err := t.sessions.Watch(t.ctx, reader, nil)
		if err != nil {
			logging.Debug(logging.CatMonitor, "Tray monitor not started", map[string]any{
				"reader": reader,
				"error":  err.Error(),
			})
		} else {
			for ev := range mon.Events() {
				t.mu.Lock()
				t.mCards[reader].SetTitle(cardTitle(reader, ev.Present))
				t.mu.Unlock()
			}
		}

		select {
		case <-t.ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to open browser", map[string]any{
			"error": err.Error(),
		})
	}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
