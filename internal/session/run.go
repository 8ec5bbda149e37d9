package session

import (
	"context"
	"io"
	"time"

	egerr "enginegate/internal/errors"
	"enginegate/internal/registry"
	"enginegate/internal/relay"
	"enginegate/internal/supervisor"
)

// pumpResult reports how one relay task ended.
type pumpResult struct {
	task string
	n    int64
	err  error
}

// runRelay runs the three pumps next to the child's exit watcher until the
// first of them (or ctx) finishes, then cancels the rest and shuts the
// engine down.  Errors here are logged only; the wire carries engine
// traffic exclusively once RUNNING.
func (s *Session) runRelay(ctx context.Context, child *supervisor.Child, opts registry.Options) {
	log := s.logger
	inj := &relay.Injector{
		Token:    s.co.Token,
		Options:  opts,
		Engine:   child.Stdin(),
		Logger:   log,
		OnInject: s.co.Metrics.OptionsInjected,
	}
	clientLog := relay.NewLineLog(log, "client>", "", log.Info)
	outLog := relay.NewLineLog(log, "engine>", s.co.QuietPrefix, log.Info)
	errLog := relay.NewLineLog(log, "engine!", "", log.Warn)

	results := make(chan pumpResult, 3)
	go func() {
		n, err := relay.PumpLines(child.Stdin(), s.reader, func(line []byte) error {
			clientLog.Line(string(line))
			return inj.Before(line)
		})
		results <- pumpResult{"client", n, err}
	}()
	output := func(task string, src io.Reader, tap *relay.LineLog) {
		n, err := relay.PumpChunks(s.client, src, tap.Observe)
		tap.Flush()
		results <- pumpResult{task, n, err}
	}
	go output("stdout", child.Stdout(), outLog)
	go output("stderr", child.Stderr(), errLog)

	pending := 3
	var first string
	select {
	case r := <-results:
		pending--
		s.account(r)
		first = r.task
		if r.task != "client" && r.err == nil {
			// End of an output stream means the engine is going away.
			pending -= s.drainEngine(child, results, 1)
		}
	case <-child.Done():
		first = "engine exit"
		pending -= s.drainEngine(child, results, 2)
	case <-ctx.Done():
		first = "gateway shutdown"
	}
	log.Verbose("%s finished first, draining session", first)
	s.setState(StateDraining)

	// Cancel the losers by expiring every endpoint they can block on.
	_ = s.conn.SetDeadline(time.Now())
	child.Interrupt()
	for ; pending > 0; pending-- {
		s.account(<-results)
	}
	// Undo the expired deadline so the client socket can still linger.
	_ = s.conn.SetDeadline(time.Time{})

	stage := s.co.Launcher.Shutdown(child)
	s.co.Metrics.ShutdownCompleted(stage.String())
	log.Info("engine %s shut down (%s)", child.Path(), stage)
}

// drainEngine gives an exiting engine DrainGrace to close its
// remaining output streams and be reaped, so output already in the
// pipes still reaches the client.  It returns how many pumps finished.
func (s *Session) drainEngine(child *supervisor.Child, results <-chan pumpResult, outputs int) int {
	grace := s.co.DrainGrace
	if grace <= 0 {
		grace = 200 * time.Millisecond
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	done := child.Done()
	finished := 0
	for outputs > 0 || done != nil {
		select {
		case r := <-results:
			s.account(r)
			finished++
			if r.task != "client" {
				outputs--
			}
		case <-done:
			done = nil
		case <-t.C:
			return finished
		}
	}
	return finished
}

// account logs a finished pump and records its traffic.
func (s *Session) account(r pumpResult) {
	if r.task == "client" {
		s.co.Metrics.BytesToEngine(r.n)
	} else {
		s.co.Metrics.BytesToClient(r.n)
	}
	switch {
	case r.err == nil:
		s.logger.Debug("%s pump reached end of stream after %d bytes", r.task, r.n)
	case egerr.IsBenign(r.err):
		s.logger.Debug("%s pump stopped after %d bytes: %v", r.task, r.n, r.err)
	default:
		s.logger.Warn("%s pump failed after %d bytes: %v", r.task, r.n, r.err)
		s.co.Metrics.RecordError(r.err.Error())
	}
}
