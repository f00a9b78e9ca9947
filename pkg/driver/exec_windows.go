//go:build windows

package driver

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setSysProcAttr starts the driver in a new process group.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateGroup has no graceful equivalent for console-less drivers on
// Windows; the process is killed and descendants are handled by the caller.
func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
