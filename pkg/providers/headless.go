package providers

import (
	"os"
	"runtime"

	"golang.org/x/term"
)

// IsHeadless reports whether the process runs without a usable display,
// in which case the device flow prints the URL instead of opening a
// browser.
func IsHeadless() bool {
	if os.Getenv("CI") != "" || os.Getenv("CONTINUOUS_INTEGRATION") != "" {
		return true
	}
	if os.Getenv("HEADLESS") != "" || os.Getenv("NO_GUI") != "" {
		return true
	}
	if runtime.GOOS != "windows" && runtime.GOOS != "darwin" && os.Getenv("DISPLAY") == "" {
		return true
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return true
	}
	return false
}
