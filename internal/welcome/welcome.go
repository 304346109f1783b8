// Package welcome shows the first-run and about dialogs of the tray app.
package welcome

import (
	"fmt"

	"github.com/SimplyPrint/pcsc-agent/internal/settings"
)

const title = "PC/SC Agent"

func welcomeMessage(addr string) string {
	return fmt.Sprintf(`PC/SC Agent is now running!

It runs quietly in the background and lets SimplyPrint.io and other local applications read and write MIFARE cards through your PC/SC reader.

Status: http://%s/v1/health`, addr)
}

func aboutMessage(version, addr string) string {
	return fmt.Sprintf(`PC/SC Agent %s

Local API for PC/SC smart card readers (ACR122U and compatible).

Supported cards: MIFARE Classic 1K/4K, MIFARE Ultralight

API: http://%s/v1
© SimplyPrint ApS`, version, addr)
}

const autostartMessage = `Would you like PC/SC Agent to start automatically when you log in?

You can change this later through the /v1/autostart endpoint.`

const crashReportingMessage = `Help improve PC/SC Agent by sending anonymous crash reports?

Only diagnostic information about the crash is sent. Card contents and keys are never included.`

// IsFirstRun reports whether the first-run dialogs have not been shown yet.
func IsFirstRun() bool {
	return !settings.Get().WelcomeShown
}

// MarkAsShown records that the first-run dialogs were shown.
func MarkAsShown() error {
	return settings.Update(func(s *settings.Settings) { s.WelcomeShown = true })
}

// FirstRun shows the welcome dialog and asks for the opt-in preferences.
// install is called when the user accepts auto-start.
func FirstRun(addr string, install func() error) error {
	ShowWelcome(addr)
	if PromptCrashReporting() {
		if err := settings.SetCrashReporting(true); err != nil {
			return err
		}
	}
	if PromptAutostart() && install != nil {
		if err := install(); err != nil {
			return err
		}
	}
	return MarkAsShown()
}
