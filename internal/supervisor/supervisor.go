// Package supervisor launches engine executables and owns their
// shutdown: "quit" on stdin, then a terminate signal, then kill.
//
// A Child's three standard streams are os.Pipe pairs created here, not
// by exec.Cmd, so that reaping the process never closes a read end out
// from under a relay and so that each end supports deadlines.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	egerr "enginegate/internal/errors"
	"enginegate/util"
)

// QuitLine is written to an engine's stdin to ask it to exit.
const QuitLine = "quit\n"

// Stage reports how an engine's shutdown ended.
type Stage int

const (
	// StageAlreadyExited: the engine was gone before shutdown began.
	StageAlreadyExited Stage = iota
	// StageQuit: the engine exited after the quit line.
	StageQuit
	// StageTerminated: the engine exited after the terminate signal.
	StageTerminated
	// StageKilled: the engine had to be killed.
	StageKilled
)

func (s Stage) String() string {
	switch s {
	case StageAlreadyExited:
		return "already-exited"
	case StageQuit:
		return "quit"
	case StageTerminated:
		return "terminated"
	case StageKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Supervisor starts engines and runs their shutdown escalation.
type Supervisor struct {
	// GracefulTimeout bounds the quit write plus the wait for a natural
	// exit.
	GracefulTimeout time.Duration
	// TerminateTimeout is the wait after the terminate signal.
	TerminateTimeout time.Duration
	// Logger is used when Launch is given no logger.
	Logger *util.Logger
}

// New returns a Supervisor with the given timeouts.
func New(graceful, terminate time.Duration, logger *util.Logger) *Supervisor {
	return &Supervisor{GracefulTimeout: graceful, TerminateTimeout: terminate, Logger: logger}
}

// Child is a running engine process.  It is owned by exactly one
// session.
type Child struct {
	cmd    *exec.Cmd
	path   string
	logger *util.Logger

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done    chan struct{}
	exitErr error

	closeOnce sync.Once
}

// Launch starts the executable at path with its working directory set
// to the executable's own directory.  Failures are *errors.SpawnError
// values classified as ErrExecutableNotFound or ErrSpawnFailed.
func (s *Supervisor) Launch(path string, logger *util.Logger) (*Child, error) {
	if logger == nil {
		logger = s.Logger
	}
	if _, err := os.Stat(path); err != nil {
		return nil, egerr.Spawn(path, err)
	}

	cmd := engineCommand(path)
	cmd.Dir = filepath.Dir(path)
	configureProcess(cmd)

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, egerr.Spawn(path, fmt.Errorf("stdin pipe: %w", err))
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, egerr.Spawn(path, fmt.Errorf("stdout pipe: %w", err))
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, egerr.Spawn(path, fmt.Errorf("stderr pipe: %w", err))
	}

	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, egerr.Spawn(path, err)
	}
	// The child holds its own copies now.
	closeAll(inR, outW, errW)

	c := &Child{
		cmd:    cmd,
		path:   path,
		logger: logger,
		stdin:  inW,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go c.watch()

	logger.Info("started engine %s (pid %d)", path, cmd.Process.Pid)
	return c, nil
}

// watch reaps the process and publishes its exit.
func (c *Child) watch() {
	c.exitErr = c.cmd.Wait()
	close(c.done)
}

// PID returns the engine's process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// Path returns the executable path the child was started from.
func (c *Child) Path() string { return c.path }

// Stdin is the write end of the engine's standard input.
func (c *Child) Stdin() *os.File { return c.stdin }

// Stdout is the read end of the engine's standard output.
func (c *Child) Stdout() *os.File { return c.stdout }

// Stderr is the read end of the engine's standard error.
func (c *Child) Stderr() *os.File { return c.stderr }

// Done is closed once the process has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Exited reports, without blocking, whether the process has exited.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the result of waiting on the process; valid once
// Done is closed.
func (c *Child) ExitErr() error {
	<-c.done
	return c.exitErr
}

// Interrupt unblocks relays parked on the child's pipes: pending stdin
// writes and stdout/stderr reads return os.ErrDeadlineExceeded.  Where a
// pipe has no deadline support the read ends are closed instead.  Stdin
// stays open so that the quit line can still be delivered.
func (c *Child) Interrupt() {
	now := time.Now()
	_ = c.stdin.SetWriteDeadline(now)
	for _, f := range []*os.File{c.stdout, c.stderr} {
		if err := f.SetReadDeadline(now); err != nil {
			_ = f.Close()
		}
	}
}

// closePipes releases the gateway's pipe ends.
func (c *Child) closePipes() {
	c.closeOnce.Do(func() {
		closeAll(c.stdin, c.stdout, c.stderr)
	})
}

// waitUntil waits for exit until the deadline and reports whether the
// process is gone.
func (c *Child) waitUntil(deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return c.Exited()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
		return true
	case <-t.C:
		return c.Exited()
	}
}

// writeQuit delivers the quit line, giving up at the deadline.
func (c *Child) writeQuit(deadline time.Time) error {
	// The relay may have left an expired deadline behind.
	deadlineOK := c.stdin.SetWriteDeadline(deadline) == nil

	result := make(chan error, 1)
	go func() {
		_, err := c.stdin.WriteString(QuitLine)
		result <- err
	}()

	if deadlineOK {
		return <-result
	}
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case err := <-result:
		return err
	case <-t.C:
		_ = c.stdin.Close()
		return os.ErrDeadlineExceeded
	}
}

// Shutdown runs the escalation exactly once per child and releases its
// pipes:
//
//  1. already exited: done.
//  2. write "quit" and close stdin.
//  3. wait for exit until GracefulTimeout after step 2 began.
//  4. send terminate, wait TerminateTimeout.
//  5. kill, wait unconditionally.
//
// Every signal is preceded by a non-blocking exit check so that a
// reaped process id is never signalled.
func (s *Supervisor) Shutdown(c *Child) Stage {
	defer c.closePipes()
	log := c.logger
	pid := c.PID()

	if c.Exited() {
		log.Verbose("engine pid %d already exited: %s", pid, describeExit(c.exitErr))
		return StageAlreadyExited
	}

	deadline := time.Now().Add(s.GracefulTimeout)
	log.Verbose("sending quit to engine pid %d", pid)
	if err := c.writeQuit(deadline); err != nil {
		if egerr.IsBenign(err) {
			log.Debug("quit to pid %d not delivered: %v", pid, err)
		} else {
			log.Warn("quit to pid %d failed unexpectedly: %v", pid, err)
		}
	}
	_ = c.stdin.Close()

	if c.waitUntil(deadline) {
		log.Info("engine pid %d exited after quit: %s", pid, describeExit(c.exitErr))
		return StageQuit
	}

	log.Warn("engine pid %d did not exit within %v of quit, terminating", pid, s.GracefulTimeout)
	if err := terminate(c.cmd.Process); err != nil && !egerr.IsBenign(err) {
		log.Warn("terminate pid %d: %v", pid, err)
	}
	if c.waitUntil(time.Now().Add(s.TerminateTimeout)) {
		log.Info("engine pid %d exited after terminate: %s", pid, describeExit(c.exitErr))
		return StageTerminated
	}

	log.Warn("engine pid %d did not exit within %v of terminate, killing", pid, s.TerminateTimeout)
	if !c.Exited() {
		if err := signalProcess(c.cmd.Process, os.Kill); err != nil {
			log.Warn("kill pid %d: %v", pid, err)
		}
	}
	<-c.done
	log.Info("engine pid %d killed", pid)
	return StageKilled
}

// signalProcess sends sig, treating an already-finished process as
// success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if egerr.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
