//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// engineCommand builds the command for an engine executable.
func engineCommand(path string) *exec.Cmd {
	return exec.Command(path)
}

// configureProcess puts the engine in its own process group so that a
// terminal interrupt aimed at the gateway does not reach it; engines
// are only ever stopped through Shutdown.
func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminate asks the engine to stop.
func terminate(proc *os.Process) error {
	return signalProcess(proc, syscall.SIGTERM)
}
