package relay

import (
	"bytes"
	"strings"

	"enginegate/util"
)

// maxPending bounds the partial line a LineLog holds between chunks.
const maxPending = 4096

// LogFunc is one of the util.Logger level methods.
type LogFunc func(format string, args ...interface{})

// LineLog reassembles forwarded chunks into lines for the gateway's own
// log.  Lines starting with the quiet prefix are logged at debug level,
// all others through emit.  It never touches the forwarded bytes.
type LineLog struct {
	logger  *util.Logger
	emit    LogFunc
	label   string
	quiet   string
	pending []byte
}

// NewLineLog returns a LineLog writing "<label> <line>" entries.  A nil
// emit logs at info level.
func NewLineLog(logger *util.Logger, label, quietPrefix string, emit LogFunc) *LineLog {
	if emit == nil {
		emit = logger.Info
	}
	return &LineLog{logger: logger, emit: emit, label: label, quiet: quietPrefix}
}

// Observe consumes one chunk.  It has the signature PumpChunks expects.
func (l *LineLog) Observe(chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			l.pending = append(l.pending, chunk...)
			if len(l.pending) >= maxPending {
				l.Flush()
			}
			return
		}
		l.pending = append(l.pending, chunk[:i]...)
		l.Flush()
		chunk = chunk[i+1:]
	}
}

// Flush logs any partial line held back.
func (l *LineLog) Flush() {
	if len(l.pending) == 0 {
		return
	}
	l.Line(string(l.pending))
	l.pending = l.pending[:0]
}

// Line logs a single line at the level its prefix selects.
func (l *LineLog) Line(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	if l.quiet != "" && strings.HasPrefix(line, l.quiet) {
		l.logger.Debug("%s %s", l.label, line)
		return
	}
	l.emit("%s %s", l.label, line)
}
