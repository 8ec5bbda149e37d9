package registry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReportsEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engines.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen [][]EngineDefinition
	)
	var logs bytes.Buffer
	logger := quietLogger(&logs)

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(defs []EngineDefinition) {
			mu.Lock()
			seen = append(seen, defs)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"new","path":"x"}]`), 0o644))
	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, defs := range seen {
			if len(defs) == 1 && defs[0].ID == "new" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	var logs bytes.Buffer
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "engines.json"), quietLogger(&logs), nil)
	assert.Error(t, err)
}
