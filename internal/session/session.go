// Package session runs one client connection through the gateway's
// state machine: read a command, answer it or resolve an engine, relay
// the engine's streams, and shut the engine down.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	egerr "enginegate/internal/errors"
	"enginegate/internal/metrics"
	"enginegate/internal/protocol"
	"enginegate/internal/registry"
	"enginegate/internal/supervisor"
	"enginegate/util"
)

// lingerTimeout bounds how long unread client input is discarded before
// the socket is closed.  Closing with unread data would reset the
// connection and could drop the last line written to the client.
const lingerTimeout = 250 * time.Millisecond

// maxCommandLine bounds the first line, terminator included.  The
// client reader is sized to it so that an unterminated flood is
// rejected instead of buffered.
const maxCommandLine = 4096

// Launcher starts and stops engine processes.  *supervisor.Supervisor
// implements it.
type Launcher interface {
	Launch(path string, logger *util.Logger) (*supervisor.Child, error)
	Shutdown(c *supervisor.Child) supervisor.Stage
}

// Coordinator holds what every session needs.  It is shared by all
// connections and never modified after construction.
type Coordinator struct {
	RegistryPath string
	BaseDir      string
	Aliases      map[string]string
	// Token is the client line before which options are injected.
	Token string
	// QuietPrefix marks engine output lines logged at debug level.
	QuietPrefix string
	// DrainGrace is how long engine output may still be forwarded after
	// the engine exits on its own (default 200ms).
	DrainGrace time.Duration

	Launcher Launcher
	Metrics  *metrics.Collector
	Logger   *util.Logger
}

// Session is the state of one client connection.
type Session struct {
	ID     string
	co     *Coordinator
	conn   net.Conn
	reader *bufio.Reader
	client *syncWriter
	logger *util.Logger
	state  State
}

// Handle runs a connection to completion.  It always closes conn.  ctx
// cancellation (gateway shutdown) ends the session the same way a
// finished relay does.
func (co *Coordinator) Handle(ctx context.Context, conn net.Conn) {
	s := &Session{
		ID:     uuid.NewString()[:8],
		co:     co,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxCommandLine),
		client: &syncWriter{w: conn},
	}
	s.logger = co.Logger.With(fmt.Sprintf("[sess %s]", s.ID))

	co.Metrics.SessionOpened()
	defer co.Metrics.SessionClosed()
	defer s.close()

	s.logger.Info("client connected from %s", conn.RemoteAddr())
	s.serve(ctx)
}

func (s *Session) serve(ctx context.Context) {
	line, ok := s.readCommand(ctx)
	if !ok {
		return
	}
	s.logger.Info("received command: %q", line)

	cmd, err := protocol.ParseCommand(line, s.co.Aliases)
	if err != nil {
		s.reject(err)
		return
	}
	if cmd.Alias != "" {
		s.logger.Verbose("alias %q maps to engine %q", cmd.Alias, cmd.ID)
	}

	switch cmd.Verb {
	case protocol.VerbList:
		s.list()
	case protocol.VerbRun:
		s.runEngine(ctx, cmd.ID)
	}
}

// readCommand reads the first line.  An immediate end-of-stream is not
// an error; the session just closes.  A line longer than maxCommandLine
// is rejected as an invalid command.
func (s *Session) readCommand(ctx context.Context) (string, bool) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	raw, err := s.reader.ReadSlice('\n')
	line := string(raw)
	stop()
	if ctx.Err() != nil {
		s.logger.Verbose("gateway shutting down before a command arrived")
		return "", false
	}
	if egerr.Is(err, bufio.ErrBufferFull) {
		s.reject(fmt.Errorf("%w: command line exceeds %d bytes", egerr.ErrInvalidCommand, maxCommandLine))
		return "", false
	}
	if err != nil && line == "" {
		if err == io.EOF || egerr.IsBenign(err) {
			s.logger.Verbose("client closed before sending a command")
		} else {
			s.logger.Warn("reading command: %v", err)
		}
		return "", false
	}
	// A final line without terminator still counts.
	return strings.TrimRight(line, "\r\n"), true
}

func (s *Session) list() {
	defs := registry.Load(s.co.RegistryPath, s.logger)
	data, err := registry.Marshal(defs)
	if err != nil {
		s.logger.Error("encoding registry: %v", err)
		data = []byte("[]")
	}
	s.co.Metrics.ListServed()
	s.logger.Verbose("listing %d engine(s): %s", len(defs), registry.Summary(defs))
	s.write(append(data, '\n'))
}

func (s *Session) runEngine(ctx context.Context, id string) {
	s.setState(StateResolving)
	defs := registry.Load(s.co.RegistryPath, s.logger)
	def, path, err := registry.Resolve(defs, id, s.co.BaseDir)
	if err != nil {
		s.reject(err)
		return
	}

	child, err := s.co.Launcher.Launch(path, s.logger)
	if err != nil {
		s.co.Metrics.SpawnFailed()
		s.reject(err)
		return
	}
	s.logger.Info("started engine %q: %s (pid %d)", def.ID, path, child.PID())

	s.setState(StateRunning)
	s.runRelay(ctx, child, def.Options)
}

// reject reports a pre-RUNNING failure on the wire.
func (s *Session) reject(err error) {
	switch {
	case egerr.Is(err, egerr.ErrInvalidCommand):
		s.co.Metrics.CommandRejected()
		s.logger.Warn("%v", err)
	case egerr.Is(err, egerr.ErrEngineNotFound), egerr.Is(err, egerr.ErrPathNotConfigured):
		s.co.Metrics.CommandRejected()
		s.logger.Error("%v", err)
	default:
		s.logger.Error("failed to start engine: %v", err)
	}
	s.co.Metrics.RecordError(err.Error())
	s.write([]byte(protocol.SentinelFor(err)))
}

func (s *Session) write(b []byte) {
	if _, err := s.client.Write(b); err != nil {
		s.logger.Debug("write to client: %v", err)
	}
}

func (s *Session) setState(to State) {
	s.logger.Debug("state %s -> %s", s.state, to)
	s.state = to
}

// close shuts the client socket from the gateway side: half-close so
// pending output is delivered, discard stray input briefly, then close.
func (s *Session) close() {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			_ = s.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			_, _ = io.Copy(io.Discard, s.reader)
		}
	}
	if err := s.conn.Close(); err != nil && !egerr.IsBenign(err) {
		s.logger.Debug("closing client: %v", err)
	}
	s.setState(StateClosed)
	s.logger.Info("client connection closed")
}

// syncWriter serialises chunk writes from the two engine output pumps.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
