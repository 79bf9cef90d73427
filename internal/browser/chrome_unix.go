//go:build !windows

package browser

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setChromeProcessGroup configures Chrome to run in its own process group so
// renderers and helpers can be signalled together.
func setChromeProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killChromeProcessGroup signals the entire Chrome process group.
// force=false sends SIGTERM, force=true sends SIGKILL.
func killChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	// Negative PID targets the process group
	_ = unix.Kill(-cmd.Process.Pid, sig)
}
