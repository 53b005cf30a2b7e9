//go:build unix

package encode

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the encoder in its own process group so a
// cancellation kills ffmpeg together with any helpers it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
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
