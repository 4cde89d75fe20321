//go:build !unix

package cli

import (
	"os"
	"os/exec"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
)

func setProcAttributes(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func setPriority(int, *types.Priority) error {
	return nil
}
