package protocol

import (
	"fmt"
	"io"

	"enginegate/internal/registry"
)

// SetOptionLine renders one option as a newline-terminated
// "setoption name <N> value <V>" line.
func SetOptionLine(name string, value registry.OptionValue) string {
	return fmt.Sprintf("setoption name %s value %s\n", name, value.Render())
}

// ApplyOptions writes one setoption line per option, in order, each as
// its own Write call so nothing is held back in a buffer.  The first
// write error stops the sequence and is returned.
func ApplyOptions(w io.Writer, opts registry.Options) error {
	for _, opt := range opts {
		if _, err := io.WriteString(w, SetOptionLine(opt.Name, opt.Value)); err != nil {
			return fmt.Errorf("setoption %s: %w", opt.Name, err)
		}
	}
	return nil
}
