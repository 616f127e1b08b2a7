//go:build windows

package runner

import (
	"os/exec"
	"strconv"
	"syscall"
)

// configureProcess hands cmd.exe a pre-quoted command line; the default
// argument escaping does not follow cmd.exe rules.
func configureProcess(cmd *exec.Cmd, argv []string) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine:    WindowsCommandLine(argv),
		HideWindow: true,
	}
}

// killProcess terminates the child and its descendants.
func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	tk := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := tk.Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
