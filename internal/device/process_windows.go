//go:build windows

package device

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in a new process group, which does not receive
// the console's Ctrl-C.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
