package session

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enginegate/internal/metrics"
	"enginegate/internal/supervisor"
	"enginegate/util"
)

func testLogger() *util.Logger {
	l := util.NewLogger(3)
	l.SetOutput(&bytes.Buffer{})
	return l
}

// countingLauncher records launches so error paths can prove that no
// process was started.
type countingLauncher struct {
	*supervisor.Supervisor
	launches atomic.Int32
}

func (l *countingLauncher) Launch(path string, logger *util.Logger) (*supervisor.Child, error) {
	l.launches.Add(1)
	return l.Supervisor.Launch(path, logger)
}

func newCoordinator(t *testing.T, registryJSON string) (*Coordinator, *countingLauncher) {
	t.Helper()
	dir := t.TempDir()
	regPath := filepath.Join(dir, "engines.json")
	if registryJSON != "" {
		require.NoError(t, os.WriteFile(regPath, []byte(registryJSON), 0o644))
	}
	launcher := &countingLauncher{
		Supervisor: supervisor.New(500*time.Millisecond, 500*time.Millisecond, testLogger()),
	}
	return &Coordinator{
		RegistryPath: regPath,
		BaseDir:      dir,
		Aliases:      map[string]string{"research": "research", "game": "game"},
		Token:        "isready",
		QuietPrefix:  "info",
		Launcher:     launcher,
		Metrics:      metrics.New(),
		Logger:       testLogger(),
	}, launcher
}

// connect returns the client end of a loopback connection whose server
// end is being handled by co, and a channel closed when Handle returns.
func connect(t *testing.T, ctx context.Context, co *Coordinator) (net.Conn, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		co.Handle(ctx, conn)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.SetDeadline(time.Now().Add(10*time.Second)))
	return client, done
}

// exchange sends one command and returns everything the gateway wrote
// before closing the connection.
func exchange(t *testing.T, co *Coordinator, command string) string {
	t.Helper()
	client, done := connect(t, context.Background(), co)
	_, err := io.WriteString(client, command)
	require.NoError(t, err)
	out, err := io.ReadAll(client)
	require.NoError(t, err)
	waitDone(t, done)
	return string(out)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
}

const twoEngines = `[
  {"id": "research", "name": "Deep", "path": "engines/deep", "options": {"USI_Hash": 1024, "Ponder": false}},
  {"id": "game", "name": "Fast", "path": "/opt/fast/engine", "extra": "dropped"}
]`

func TestHandle_List(t *testing.T) {
	co, launcher := newCoordinator(t, twoEngines)

	out := exchange(t, co, "list\n")
	assert.Equal(t,
		`[{"id":"research","name":"Deep","path":"engines/deep","options":{"USI_Hash":1024,"Ponder":false}},`+
			`{"id":"game","name":"Fast","path":"/opt/fast/engine"}]`+"\n",
		out)
	assert.Zero(t, launcher.launches.Load())
	assert.EqualValues(t, 1, co.Metrics.Snapshot().ListRequests)
}

func TestHandle_ListRereadsRegistry(t *testing.T) {
	co, _ := newCoordinator(t, `[{"id":"a"}]`)
	assert.Equal(t, `[{"id":"a"}]`+"\n", exchange(t, co, "list\n"))

	require.NoError(t, os.WriteFile(co.RegistryPath, []byte(`[{"id":"b","name":"B"}]`), 0o644))
	assert.Equal(t, `[{"id":"b","name":"B"}]`+"\n", exchange(t, co, "  list \r\n"))
}

func TestHandle_BadEntryLeavesOthersUsable(t *testing.T) {
	co, launcher := newCoordinator(t, `[
  {"id": "good", "name": "A&B <nnue>", "path": "engines/good"},
  {"id": "odd", "path": "engines/odd", "options": {"EvalDir": null, "Threads": 2}},
  {"id": 7, "path": "engines/seven"}
]`)

	assert.Equal(t,
		`[{"id":"good","name":"A&B <nnue>","path":"engines/good"},`+
			`{"id":"odd","path":"engines/odd","options":{"Threads":2}}]`+"\n",
		exchange(t, co, "list\n"))

	// The id resolves; the stub executable just does not exist.
	assert.Equal(t, "WRAPPER_ERROR: Engine executable not found.\n", exchange(t, co, "run good\n"))
	assert.EqualValues(t, 1, launcher.launches.Load())
}

func TestHandle_ListEmptyRegistry(t *testing.T) {
	for name, content := range map[string]string{
		"missing":   "",
		"malformed": "{not json",
		"empty":     "[]",
	} {
		t.Run(name, func(t *testing.T) {
			co, _ := newCoordinator(t, content)
			assert.Equal(t, "[]\n", exchange(t, co, "list\n"))
		})
	}
}

func TestHandle_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"unknown verb", "hello\n", "WRAPPER_ERROR: Invalid command. Use 'list' or 'run <id>'.\n"},
		{"run without id", "run   \n", "WRAPPER_ERROR: Invalid command. Use 'list' or 'run <id>'.\n"},
		{"blank line", "\n", "WRAPPER_ERROR: Invalid command. Use 'list' or 'run <id>'.\n"},
		{"unknown id", "run nope\n", "WRAPPER_ERROR: Engine ID 'nope' not found.\n"},
		{"case sensitive id", "run Game\n", "WRAPPER_ERROR: Engine ID 'Game' not found.\n"},
		{"missing path", "run nopath\n", "WRAPPER_ERROR: Engine path configuration error.\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			co, launcher := newCoordinator(t, `[{"id":"game","path":"/opt/fast"},{"id":"nopath","name":"No path"}]`)
			assert.Equal(t, tt.want, exchange(t, co, tt.command))
			assert.Zero(t, launcher.launches.Load(), "no engine may be started")
			assert.EqualValues(t, 1, co.Metrics.Snapshot().CommandsRejected)
		})
	}
}

func TestHandle_OversizedCommandLine(t *testing.T) {
	co, launcher := newCoordinator(t, twoEngines)
	client, done := connect(t, context.Background(), co)

	// An unterminated flood; the write fails once the gateway closes.
	go func() {
		chunk := bytes.Repeat([]byte("x"), 64*1024)
		for i := 0; i < 256; i++ {
			if _, err := client.Write(chunk); err != nil {
				return
			}
		}
	}()

	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err, "sentinel must arrive while the client is still sending")
	assert.Equal(t, "WRAPPER_ERROR: Invalid command. Use 'list' or 'run <id>'.\n", line)
	waitDone(t, done)
	assert.Zero(t, launcher.launches.Load())
	assert.EqualValues(t, 1, co.Metrics.Snapshot().CommandsRejected)
}

func TestHandle_CommandAtLengthLimit(t *testing.T) {
	co, _ := newCoordinator(t, twoEngines)
	id := strings.Repeat("e", maxCommandLine-len("run \n"))

	out := exchange(t, co, "run "+id+"\n")
	assert.Equal(t, "WRAPPER_ERROR: Engine ID '"+id+"' not found.\n", out)
}

func TestHandle_MissingExecutable(t *testing.T) {
	co, launcher := newCoordinator(t, `[{"id":"ghost","path":"engines/ghost"}]`)

	assert.Equal(t, "WRAPPER_ERROR: Engine executable not found.\n", exchange(t, co, "run ghost\n"))
	assert.EqualValues(t, 1, launcher.launches.Load())
	assert.EqualValues(t, 1, co.Metrics.Snapshot().SpawnFailures)
}

func TestHandle_AliasResolvesToRegistryID(t *testing.T) {
	co, _ := newCoordinator(t, `[{"id":"research","name":"Deep"}]`)
	co.Aliases = map[string]string{"research": "deep-ponder"}

	// The alias points at an id the registry does not have.
	assert.Equal(t, "WRAPPER_ERROR: Engine ID 'deep-ponder' not found.\n", exchange(t, co, "research\n"))
}

func TestHandle_ImmediateEOF(t *testing.T) {
	co, launcher := newCoordinator(t, twoEngines)
	client, done := connect(t, context.Background(), co)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	out, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Empty(t, out)
	waitDone(t, done)
	assert.Zero(t, launcher.launches.Load())

	snap := co.Metrics.Snapshot()
	assert.EqualValues(t, 1, snap.SessionsTotal)
	assert.EqualValues(t, 0, snap.SessionsActive)
}

func TestHandle_CommandWithoutTerminator(t *testing.T) {
	co, _ := newCoordinator(t, `[{"id":"a"}]`)
	client, done := connect(t, context.Background(), co)
	_, err := io.WriteString(client, "list")
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`+"\n", line)
	waitDone(t, done)
}

func TestHandle_ShutdownWhileAwaitingCommand(t *testing.T) {
	co, _ := newCoordinator(t, twoEngines)
	ctx, cancel := context.WithCancel(context.Background())
	client, done := connect(t, ctx, co)

	cancel()
	waitDone(t, done)
	out, _ := io.ReadAll(client)
	assert.Empty(t, out)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "AWAITING_COMMAND", StateAwaitingCommand.String())
	assert.Equal(t, "RESOLVING", StateResolving.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
