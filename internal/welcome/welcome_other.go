//go:build !darwin && !windows

package welcome

// Without a tray there is nobody to greet; auto-start goes through
// "pcsc-agent install".

func ShowWelcome(addr string)        {}
func ShowAbout(version, addr string) {}
func PromptAutostart() bool          { return false }
func PromptCrashReporting() bool     { return false }
