//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// createNoWindow is CREATE_NO_WINDOW from the Win32 process creation
// flags.
const createNoWindow = 0x08000000

// engineCommand builds the command for an engine executable.  Batch
// files cannot be started directly and run through the command
// interpreter.
func engineCommand(path string) *exec.Cmd {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bat", ".cmd":
		shell := os.Getenv("COMSPEC")
		if shell == "" {
			shell = "cmd.exe"
		}
		return exec.Command(shell, "/C", path)
	}
	return exec.Command(path)
}

// configureProcess keeps the engine from opening a console window.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
}

// terminate has no cooperative form on Windows; it kills.
func terminate(proc *os.Process) error {
	return signalProcess(proc, os.Kill)
}
