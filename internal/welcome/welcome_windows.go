//go:build windows

package welcome

import (
	"golang.org/x/sys/windows"
)

// idYes is the Win32 IDYES MessageBox return value; x/sys/windows does not define it.
const idYes = 6

// ShowWelcome displays a native welcome dialog.
func ShowWelcome(addr string) {
	messageBox(title, welcomeMessage(addr), windows.MB_OK|windows.MB_ICONINFORMATION)
}

// ShowAbout displays a native about dialog.
func ShowAbout(version, addr string) {
	messageBox("About "+title, aboutMessage(version, addr), windows.MB_OK|windows.MB_ICONINFORMATION)
}

// PromptAutostart asks whether to start at login. Returns true on "Yes".
func PromptAutostart() bool {
	return messageBox(title, autostartMessage, windows.MB_YESNO|windows.MB_ICONQUESTION) == idYes
}

// PromptCrashReporting asks for crash reporting consent. Returns true on "Yes".
func PromptCrashReporting() bool {
	return messageBox(title, crashReportingMessage, windows.MB_YESNO|windows.MB_ICONQUESTION) == idYes
}

func messageBox(title, message string, flags uint32) int32 {
	titlePtr, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return 0
	}
	messagePtr, err := windows.UTF16PtrFromString(message)
	if err != nil {
		return 0
	}
	ret, _ := windows.MessageBox(0, messagePtr, titlePtr, flags)
	return ret
}
