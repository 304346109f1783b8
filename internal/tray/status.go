package tray

import (
	"fmt"
	"strings"
)

// readersTitle is the menu label for the number of connected readers.
func readersTitle(count int) string {
	switch count {
	case 0:
		return "Readers: None connected"
	case 1:
		return "Readers: 1 connected"
	}
	return fmt.Sprintf("Readers: %d connected", count)
}

// shortReaderName drops the slot and sequence numbers pcscd appends to reader
// names ("ACS ACR122U PICC Interface 00 00" -> "ACS ACR122U PICC Interface").
func shortReaderName(name string) string {
	fields := strings.Fields(name)
	for len(fields) > 1 && isDigits(fields[len(fields)-1]) {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// cardTitle is the menu label of a watched reader.
func cardTitle(reader string, present bool) string {
	state := "no card"
	if present {
		state = "card present"
	}
	return fmt.Sprintf("%s: %s", shortReaderName(reader), state)
}

// versionLabel prefixes release versions with "v"; dev builds are shown as is.
func versionLabel(version string) string {
	if len(version) > 0 && version[0] >= '0' && version[0] <= '9' {
		return "v" + version
	}
	return version
}
