//go:build unix

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// startInGroup puts the child in its own process group so that cancellation
// reaches every process it spawned, not only the direct child.
func startInGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
