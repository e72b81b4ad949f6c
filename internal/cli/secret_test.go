package cli

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/drksbr/mtrelay/internal/runtime"
	"github.com/drksbr/mtrelay/internal/version"
)

func TestSecretCommandPrintsHexAndLink(t *testing.T) {
	cmd := newSecretCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--host", "proxy.example.org", "--port", "8443"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	raw, err := hex.DecodeString(lines[0])
	if err != nil || len(raw) != 16 {
		t.Fatalf("secret %q is not 16 hex bytes", lines[0])
	}
	if !strings.HasPrefix(lines[1], "tg://proxy?") || !strings.Contains(lines[1], "secret="+lines[0]) {
		t.Fatalf("unexpected link %q", lines[1])
	}
	if !strings.Contains(lines[1], "port=8443") {
		t.Fatalf("link missing port: %q", lines[1])
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand(&runtime.Options{LogLevel: "info"})
	for _, name := range []string{"proxy", "relay", "secret", "version"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd == root {
			t.Fatalf("subcommand %q not found: %v", name, err)
		}
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "mtrelay "+version.Version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRootCommandRejectsBadLogLevel(t *testing.T) {
	root := newRootCommand(&runtime.Options{})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--log-level", "chatty", "version"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
