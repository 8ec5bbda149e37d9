package core

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"enginegate/internal/metrics"
	"enginegate/util"
)

// lineHandler answers the first line with "ok <line>" and closes.
type lineHandler struct {
	served atomic.Int32
}

func (h *lineHandler) Handle(_ context.Context, conn net.Conn) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	if line == "boom\n" {
		panic("handler exploded")
	}
	h.served.Add(1)
	io.WriteString(conn, "ok "+line) //nolint:errcheck
}

// blockingHandler holds the connection until ctx is cancelled, then
// takes a little longer to finish.
type blockingHandler struct {
	finished atomic.Bool
}

func (h *blockingHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	h.finished.Store(true)
}

func startListen(t *testing.T, m *ListenMode) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bound := make(chan net.Addr, 1)
	m.Address = "127.0.0.1:0"
	m.Ready = func(a net.Addr) { bound <- a }

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case a := <-bound:
		return a.String(), cancel, errCh
	case err := <-errCh:
		t.Fatalf("Run: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("listener never became ready")
	}
	return "", cancel, errCh
}

func roundTrip(t *testing.T, addr, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	io.WriteString(conn, line)                        //nolint:errcheck
	out, _ := io.ReadAll(conn)
	return string(out)
}

func TestListenMode_ServesConcurrentClients(t *testing.T) {
	h := &lineHandler{}
	addr, cancel, errCh := startListen(t, &ListenMode{Handler: h, Logger: util.NewLogger(0)})

	done := make(chan string, 3)
	for _, msg := range []string{"a\n", "b\n", "c\n"} {
		go func(m string) { done <- roundTrip(t, addr, m) }(msg)
	}
	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		got[<-done] = true
	}
	for _, want := range []string{"ok a\n", "ok b\n", "ok c\n"} {
		if !got[want] {
			t.Errorf("missing reply %q in %v", want, got)
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v after cancel", err)
	}
}

func TestListenMode_PanicIsConfinedToSession(t *testing.T) {
	h := &lineHandler{}
	m := metrics.New()
	addr, cancel, errCh := startListen(t, &ListenMode{Handler: h, Logger: util.NewLogger(0), Metrics: m})

	if out := roundTrip(t, addr, "boom\n"); out != "" {
		t.Errorf("panicking session wrote %q", out)
	}
	if out := roundTrip(t, addr, "after\n"); out != "ok after\n" {
		t.Errorf("listener stopped serving after a panic: %q", out)
	}
	if m.ErrorCount() != 1 {
		t.Errorf("ErrorCount = %d, want 1", m.ErrorCount())
	}

	cancel()
	<-errCh
}

func TestListenMode_WaitsForSessionsOnShutdown(t *testing.T) {
	h := &blockingHandler{}
	addr, cancel, errCh := startListen(t, &ListenMode{
		Handler:     h,
		Logger:      util.NewLogger(0),
		GracePeriod: 2 * time.Second,
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if !h.finished.Load() {
		t.Error("Run returned before the session finished")
	}
}

func TestListenMode_GracePeriodBoundsShutdown(t *testing.T) {
	stuck := HandlerFunc(func(_ context.Context, conn net.Conn) {
		time.Sleep(2 * time.Second)
		conn.Close()
	})
	addr, cancel, errCh := startListen(t, &ListenMode{
		Handler:     stuck,
		Logger:      util.NewLogger(0),
		GracePeriod: 100 * time.Millisecond,
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	cancel()
	<-errCh
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took %v with a 100ms grace period", elapsed)
	}
}

func TestListenMode_BindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	m := &ListenMode{Address: ln.Addr().String(), Handler: &lineHandler{}, Logger: util.NewLogger(0)}
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected an error binding a port in use")
	}
}

func TestNextAcceptDelay(t *testing.T) {
	d := nextAcceptDelay(0)
	if d != 5*time.Millisecond {
		t.Errorf("first delay = %v", d)
	}
	for i := 0; i < 20; i++ {
		d = nextAcceptDelay(d)
	}
	if d != time.Second {
		t.Errorf("delay should cap at 1s, got %v", d)
	}
}
