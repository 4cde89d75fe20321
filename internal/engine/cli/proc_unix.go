//go:build unix

package cli

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
)

func setProcAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func killProcessGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

func setPriority(pid int, p *types.Priority) error {
	nice := 0
	if p != nil {
		nice = p.Nice()
	}
	return unix.Setpriority(unix.PRIO_PGRP, pid, nice)
}
