// Package protocol implements the gateway's small wire vocabulary: the
// first-line command, the WRAPPER_ERROR sentinel lines, and the
// setoption lines injected ahead of the engine handshake.
package protocol

import (
	"strings"

	egerr "enginegate/internal/errors"
)

// Verb is the action requested by a client's first line.
type Verb int

const (
	VerbList Verb = iota + 1
	VerbRun
)

func (v Verb) String() string {
	switch v {
	case VerbList:
		return "list"
	case VerbRun:
		return "run"
	default:
		return "invalid"
	}
}

// Command is a parsed first line.
type Command struct {
	Verb Verb
	// ID is the registry id to run (VerbRun only).
	ID string
	// Alias is the legacy bare token the client sent, when ID came from
	// the alias table.
	Alias string
}

// ParseCommand parses a client's first line.  Surrounding whitespace
// and the line terminator are ignored.  Accepted forms are "list",
// "run <id>" and any bare token present in aliases, which maps it to a
// registry id.  Anything else yields errors.ErrInvalidCommand.
func ParseCommand(line string, aliases map[string]string) (Command, error) {
	text := strings.TrimSpace(line)

	switch {
	case text == "list":
		return Command{Verb: VerbList}, nil

	case strings.HasPrefix(text, "run "):
		id := strings.TrimSpace(text[len("run "):])
		if id == "" {
			return Command{}, egerr.ErrInvalidCommand
		}
		return Command{Verb: VerbRun, ID: id}, nil
	}

	if id, ok := aliases[text]; ok && text != "" {
		return Command{Verb: VerbRun, ID: id, Alias: text}, nil
	}
	return Command{}, egerr.ErrInvalidCommand
}
