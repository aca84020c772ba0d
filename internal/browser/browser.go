// Package browser covers the two ways the gateway uses a web browser: opening the
// Qwen sign-in page on the operator's desktop, and driving a headless Chrome
// through the login form.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// chromeCandidates lists executable names tried, in order, when no Chrome path is configured.
var chromeCandidates = map[string][]string{
	"darwin":  {"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome", "/Applications/Chromium.app/Contents/MacOS/Chromium"},
	"windows": {"chrome.exe", `C:\Program Files\Google\Chrome\Application\chrome.exe`, `C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`},
	"linux":   {"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"},
}

// OpenURL opens url in the desktop's default browser, falling back to
// OS-specific launchers when open-golang cannot.
func OpenURL(url string) error {
	fmt.Printf("Opening in your browser: %s\n", url)

	err := open.Run(url)
	if err == nil {
		log.Debug("opened URL with open-golang")
		return nil
	}
	log.Debugf("open-golang failed: %v, trying platform launcher", err)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, launcher := range []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"} {
			if _, errLook := exec.LookPath(launcher); errLook == nil {
				cmd = exec.Command(launcher, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("no browser launcher found")
		}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	log.Debugf("running %s %v", cmd.Path, cmd.Args[1:])
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	return nil
}

// FindChrome returns the first Chrome or Chromium executable found on this
// machine, or "" to let chromedp use its own lookup.
func FindChrome() string {
	for _, candidate := range chromeCandidates[runtime.GOOS] {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return ""
}
