package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	egerr "enginegate/internal/errors"
)

// capture redirects stdout for the duration of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestExecute_Version(t *testing.T) {
	out := capture(t)
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.String(); got != "enginegate "+version+"\n" {
		t.Errorf("version output %q", got)
	}
}

func TestExecute_Help(t *testing.T) {
	if err := Execute(context.Background(), []string{"--help"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly.
func TestExecute_DryRun(t *testing.T) {
	out := capture(t)
	dir := t.TempDir()
	err := Execute(context.Background(), []string{
		"-p", "8080", "--base-dir", dir, "--dry-run",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"listen     127.0.0.1:8080",
		"registry   " + filepath.Join(dir, "engines.json"),
		"configuration OK",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("dry-run output missing %q:\n%s", want, out)
		}
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	capture(t)
	err := Execute(context.Background(), []string{"-p", "70000", "--dry-run"})
	var ce *egerr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if ce.Field != "port" {
		t.Errorf("Field = %q, want port", ce.Field)
	}
}

func TestExecute_EnvThenFlags(t *testing.T) {
	t.Setenv("LISTEN_PORT", "5000")
	t.Setenv("BIND_ADDRESS", "0.0.0.0")

	out := capture(t)
	if err := Execute(context.Background(), []string{"--dry-run"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "listen     0.0.0.0:5000") {
		t.Errorf("environment not applied:\n%s", out)
	}

	out.Reset()
	if err := Execute(context.Background(), []string{"-p", "6000", "--dry-run"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "listen     0.0.0.0:6000") {
		t.Errorf("flag should override environment:\n%s", out)
	}
}

func TestExecute_PublishSummary(t *testing.T) {
	out := capture(t)
	err := Execute(context.Background(), []string{
		"-R", "gate@relay.example.com:2222", "--remote-port", "4082", "--dry-run",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "publish    gate@relay.example.com:2222 -> 127.0.0.1:4082") {
		t.Errorf("publish summary missing:\n%s", out)
	}
}

func TestExecute_List(t *testing.T) {
	dir := t.TempDir()
	registry := `[
  {"id": "b", "name": "Beta", "path": "b/engine", "options": {"USI_Hash": 256}},
  {"id": "a", "path": "a/engine", "extra": true}
]`
	if err := os.WriteFile(filepath.Join(dir, "engines.json"), []byte(registry), 0o644); err != nil {
		t.Fatal(err)
	}

	out := capture(t)
	if err := Execute(context.Background(), []string{"--base-dir", dir, "--list", "-q"}); err != nil {
		t.Fatal(err)
	}
	want := `[{"id":"b","name":"Beta","path":"b/engine","options":{"USI_Hash":256}},{"id":"a","path":"a/engine"}]` + "\n"
	if got := out.String(); got != want {
		t.Errorf("list output\n got %q\nwant %q", got, want)
	}
}

func TestExecute_ListMissingRegistry(t *testing.T) {
	out := capture(t)
	if err := Execute(context.Background(), []string{"--base-dir", t.TempDir(), "--list", "-q"}); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "[]\n" {
		t.Errorf("list output %q, want []", got)
	}
}

func TestExecute_InvalidFlags(t *testing.T) {
	if err := Execute(context.Background(), []string{"--nonexistent-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestExecute_BadAlias(t *testing.T) {
	capture(t)
	err := Execute(context.Background(), []string{"--alias", "=yaneuraou", "--dry-run"})
	if err == nil || !strings.Contains(err.Error(), "invalid alias") {
		t.Fatalf("expected alias error, got %v", err)
	}
}

func TestExecute_UnexpectedArgs(t *testing.T) {
	err := Execute(context.Background(), []string{"localhost", "4082"})
	if err == nil || !strings.Contains(err.Error(), "unexpected arguments") {
		t.Fatalf("expected argument error, got %v", err)
	}
}
