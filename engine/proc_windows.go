//go:build windows

package engine

import (
	"errors"
	"os"
	"os/exec"
)

func configureProcess(*exec.Cmd) {}

// Windows has no SIGTERM for console processes; both stages kill.
func signalTerminate(cmd *exec.Cmd) error {
	return signalKill(cmd)
}

func signalKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
