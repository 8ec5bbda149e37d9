// Package relay moves bytes between a client connection and an engine's
// pipes.
//
// Engine output is pumped in fixed-size chunks and forwarded verbatim;
// client input is pumped line by line so that a hook can inspect each
// line before it is forwarded.  Pumps never time out on their own: they
// stop at end of stream, on a write error, or when the owner closes or
// deadlines one of the endpoints.
package relay

import (
	"bufio"
	"errors"
	"io"

	"enginegate/util"
)

// PumpChunks copies src to dst in chunks of at most util.ChunkSize
// bytes.  Each chunk is handed to observe (if non-nil) and then written
// in full before the next read, so a slow dst stalls the pump rather
// than buffering.  End of stream returns a nil error.
func PumpChunks(dst io.Writer, src io.Reader, observe func([]byte)) (int64, error) {
	bufp := util.GetChunk()
	defer util.PutChunk(bufp)
	buf := *bufp

	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if observe != nil {
				observe(chunk)
			}
			w, werr := dst.Write(chunk)
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if w != n {
				return total, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

// LineHook runs before a client line is forwarded.  line includes its
// terminator; a returned error stops the pump without forwarding it.
type LineHook func(line []byte) error

// PumpLines forwards src to dst one line at a time, terminator
// included, calling hook before each line.  A line longer than the
// reader's buffer is forwarded in pieces and only its first piece is
// shown to hook.  A final line without terminator is forwarded as is.
// End of stream returns a nil error.
func PumpLines(dst io.Writer, src *bufio.Reader, hook LineHook) (int64, error) {
	var total int64
	continued := false

	for {
		line, rerr := src.ReadSlice('\n')
		if len(line) > 0 {
			if !continued && hook != nil {
				if err := hook(line); err != nil {
					return total, err
				}
			}
			w, werr := dst.Write(line)
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}

		switch {
		case rerr == nil:
			continued = false
		case errors.Is(rerr, bufio.ErrBufferFull):
			continued = true
		case errors.Is(rerr, io.EOF):
			return total, nil
		default:
			return total, rerr
		}
	}
}
