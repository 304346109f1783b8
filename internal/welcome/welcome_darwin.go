//go:build darwin

package welcome

import (
	"os/exec"
	"strings"
)

// ShowWelcome displays a native welcome dialog.
func ShowWelcome(addr string) {
	dialog(title, welcomeMessage(addr), `{"Got it!"}`)
}

// ShowAbout displays a native about dialog.
func ShowAbout(version, addr string) {
	dialog("About "+title, aboutMessage(version, addr), `{"OK"}`)
}

// PromptAutostart asks whether to start at login. Returns true on "Yes".
func PromptAutostart() bool {
	return dialog(title, autostartMessage, `{"No", "Yes"}`) == "Yes"
}

// PromptCrashReporting asks for crash reporting consent. Returns true on "Yes".
func PromptCrashReporting() bool {
	return dialog(title, crashReportingMessage, `{"No", "Yes"}`) == "Yes"
}

// dialog runs an AppleScript dialog and returns the button pressed.
func dialog(title, message, buttons string) string {
	script := `display dialog "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) +
		`" buttons ` + buttons + ` default button ` + lastButton(buttons) + ` with icon note`
	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return ""
	}
	// button returned:Yes
	_, button, _ := strings.Cut(strings.TrimSpace(string(out)), ":")
	return button
}

func lastButton(buttons string) string {
	return strings.TrimSpace(buttons[strings.LastIndex(buttons, ",")+1 : len(buttons)-1])
}

var appleScriptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeAppleScript(s string) string {
	return appleScriptEscaper.Replace(s)
}
