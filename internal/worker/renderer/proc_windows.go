//go:build windows

package renderer

import (
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no process groups to signal; both steps kill the child.
func signalGroup(cmd *exec.Cmd, kill bool) error {
	return cmd.Process.Kill()
}
