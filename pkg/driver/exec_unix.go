//go:build !windows

package driver

import (
	"errors"
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the driver in its own process group so the browsers it
// launches can be signalled together.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminateGroup asks the driver's process group to exit.
func terminateGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGTERM))
}

// killGroup forcibly kills the driver's process group.
func killGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGKILL))
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
