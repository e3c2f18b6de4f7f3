// Package browser opens rendered reports in the system browser.
package browser

import (
	"net/url"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Target turns a report location into something the system opener accepts.
// Local paths become absolute file:// URLs; http(s) URLs pass through.
func Target(location string) (string, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location, nil
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	if runtime.GOOS == "windows" {
		u.Path = "/" + u.Path
	}
	return u.String(), nil
}

// Open opens the report at location in the system default browser.
// Only starting the opener can fail; the browser itself is not awaited.
func Open(location string) error {
	target, err := Target(location)
	if err != nil {
		return err
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", target)
	case "darwin":
		cmd = exec.Command("open", target)
	default: // linux + others
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}
