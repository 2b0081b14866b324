//go:build !windows

package ffmpeg

import (
	"os/exec"
	"syscall"
)

// configureCommandForTermination puts ffmpeg in its own process group so a
// forced stop also reaches any helper it spawned.
func configureCommandForTermination(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateCommand(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if cmd.Process.Pid > 0 {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = cmd.Process.Kill()
}
