package protocol

import (
	"fmt"

	egerr "enginegate/internal/errors"
)

// SentinelPrefix starts every gateway-generated error line.
const SentinelPrefix = "WRAPPER_ERROR:"

// SentinelFor returns the newline-terminated sentinel line reporting err
// to a client.  Errors outside the pre-RUNNING taxonomy are reported as
// a failed engine start.
func SentinelFor(err error) string {
	var msg string
	switch {
	case egerr.Is(err, egerr.ErrInvalidCommand):
		msg = "Invalid command. Use 'list' or 'run <id>'."
	case egerr.Is(err, egerr.ErrEngineNotFound):
		id := ""
		var ee *egerr.EngineError
		if egerr.As(err, &ee) {
			id = ee.ID
		}
		msg = fmt.Sprintf("Engine ID '%s' not found.", id)
	case egerr.Is(err, egerr.ErrPathNotConfigured):
		msg = "Engine path configuration error."
	case egerr.Is(err, egerr.ErrExecutableNotFound):
		msg = "Engine executable not found."
	default:
		msg = "Failed to start engine process."
	}
	return SentinelPrefix + " " + msg + "\n"
}
