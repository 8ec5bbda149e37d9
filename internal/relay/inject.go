package relay

import (
	"io"
	"strings"

	"enginegate/internal/protocol"
	"enginegate/internal/registry"
	"enginegate/util"
)

// Injector writes an engine's configured options to its stdin right
// before the first handshake line from the client is forwarded.  It is
// used by a single client→engine pump and is not safe for concurrent
// use.
type Injector struct {
	Token   string
	Options registry.Options
	Engine  io.Writer
	Logger  *util.Logger
	// OnInject, if set, is called after the options were written.
	OnInject func(n int)

	injected bool
}

// Before is a LineHook.  On the first line equal to Token (ignoring
// surrounding whitespace) it writes every option, once per session.  A
// write error is returned and ends the session.
func (in *Injector) Before(line []byte) error {
	if in.injected || strings.TrimSpace(string(line)) != in.Token {
		return nil
	}
	in.injected = true

	if len(in.Options) == 0 {
		in.Logger.Debug("%s seen, no options to inject", in.Token)
		return nil
	}
	in.Logger.Info("%s seen, injecting %d option(s)", in.Token, len(in.Options))
	if err := protocol.ApplyOptions(in.Engine, in.Options); err != nil {
		return err
	}
	if in.OnInject != nil {
		in.OnInject(len(in.Options))
	}
	return nil
}

// Injected reports whether the handshake line has been seen.
func (in *Injector) Injected() bool { return in.injected }
