package session

import (
	"fmt"
	"os/exec"
	"runtime"
)

// browserOpeners maps GOOS to the command line that hands a URL to the
// user's default browser.
var browserOpeners = map[string][]string{
	"linux":   {"xdg-open"},
	"darwin":  {"open"},
	"windows": {"cmd", "/c", "start"},
}

// OpenBrowser launches the default browser at the given URL and
// returns without waiting for it to exit. Unsupported platforms get an
// error so the caller can fall back to printing the URL.
func OpenBrowser(url string) error {
	opener, ok := browserOpeners[runtime.GOOS]
	if !ok {
		return fmt.Errorf("no known browser opener for %s", runtime.GOOS)
	}

	cmd := exec.Command(opener[0], append(opener[1:], url)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
