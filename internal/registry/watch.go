package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"enginegate/util"
)

// settleDelay coalesces the burst of events an editor produces when it
// saves (truncate, write, chmod, or write-to-temp then rename).
const settleDelay = 150 * time.Millisecond

// Watch reports registry edits until ctx is cancelled.  The parent
// directory is watched rather than the file so that atomic replaces and
// a file created after startup are both seen.  onChange receives the
// freshly loaded registry; sessions never depend on it, since every
// command re-reads the file anyway.
func Watch(ctx context.Context, path string, logger *util.Logger, onChange func([]EngineDefinition)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("registry watcher: watching %s: %w", dir, err)
	}
	logger.Debug("watching %s for registry changes", path)

	name := filepath.Clean(path)
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			logger.Debug("registry event: %s", event)
			settle = time.After(settleDelay)

		case <-settle:
			settle = nil
			defs := Load(path, logger)
			if onChange != nil {
				onChange(defs)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("registry watcher error: %v", err)
		}
	}
}

// Summary renders "id (name), ..." for log lines.
func Summary(defs []EngineDefinition) string {
	if len(defs) == 0 {
		return "none"
	}
	out := ""
	for i, d := range defs {
		if i > 0 {
			out += ", "
		}
		out += d.ID
		if d.Name != "" && d.Name != d.ID {
			out += " (" + d.Name + ")"
		}
	}
	return out
}
