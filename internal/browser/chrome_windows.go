//go:build windows

package browser

import (
	"os"
	"os/exec"
)

// setChromeProcessGroup is a no-op on Windows.
func setChromeProcessGroup(cmd *exec.Cmd) {}

// killChromeProcessGroup kills the main Chrome process; Chrome tears down
// its own children on Windows.
func killChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if force {
		_ = cmd.Process.Kill()
	} else {
		_ = cmd.Process.Signal(os.Interrupt)
	}
}
