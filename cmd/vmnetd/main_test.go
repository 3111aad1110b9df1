package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codewiresh/vmnetd/internal/config"
	"github.com/codewiresh/vmnetd/internal/connection"
	"github.com/codewiresh/vmnetd/internal/store"
)

// ---------------------------------------------------------------------------
// buildConfig
// ---------------------------------------------------------------------------

func parseRoot(t *testing.T, args ...string) *config.Config {
	t.Helper()
	cmd := rootCmd()
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := buildConfig(cmd.Flags(), configPath, cmd.Flags().Args())
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	return cfg
}

func TestBuildConfigDefaults(t *testing.T) {
	t.Setenv("DEBUG", "")
	cfg := parseRoot(t, "/tmp/v.sock")
	if cfg.Socket != "/tmp/v.sock" {
		t.Fatalf("Socket = %q, want /tmp/v.sock", cfg.Socket)
	}
	if cfg.SocketGroup != config.DefaultSocketGroup {
		t.Fatalf("SocketGroup = %q, want %q", cfg.SocketGroup, config.DefaultSocketGroup)
	}
	if cfg.VMNet.Mode != config.DefaultMode {
		t.Fatalf("Mode = %q, want %q", cfg.VMNet.Mode, config.DefaultMode)
	}
	if cfg.Debug {
		t.Fatal("Debug = true with DEBUG unset")
	}
}

func TestBuildConfigFlagsOverrideFile(t *testing.T) {
	t.Setenv("DEBUG", "1")
	path := filepath.Join(t.TempDir(), "vmnetd.toml")
	data := `
socket = "/from/file.sock"
socket_group = "admin"
batch_size = 16

[vmnet]
mode = "host"
gateway = "192.168.105.1"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := parseRoot(t, "--config", path, "--vmnet-gateway", "192.168.106.1", "--batch-size=64")
	if cfg.Socket != "/from/file.sock" {
		t.Fatalf("Socket = %q, want value from file", cfg.Socket)
	}
	if cfg.SocketGroup != "admin" {
		t.Fatalf("SocketGroup = %q, want admin", cfg.SocketGroup)
	}
	if cfg.VMNet.Mode != "host" {
		t.Fatalf("Mode = %q, want host", cfg.VMNet.Mode)
	}
	if cfg.VMNet.Gateway != "192.168.106.1" {
		t.Fatalf("Gateway = %q, want flag value", cfg.VMNet.Gateway)
	}
	if cfg.BatchSize != 64 {
		t.Fatalf("BatchSize = %d, want 64", cfg.BatchSize)
	}
	if !cfg.Debug {
		t.Fatal("Debug = false with DEBUG=1")
	}

	cfg = parseRoot(t, "--config", path, "/positional.sock")
	if cfg.Socket != "/positional.sock" {
		t.Fatalf("Socket = %q, want positional argument", cfg.Socket)
	}
}

func TestBuildConfigErrors(t *testing.T) {
	cmd := rootCmd()
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := buildConfig(cmd.Flags(), "", nil); err == nil {
		t.Fatal("buildConfig without socket succeeded")
	}

	cmd = rootCmd()
	if err := cmd.ParseFlags([]string{"--batch-size", "1000"}); err != nil {
		t.Fatal(err)
	}
	if _, err := buildConfig(cmd.Flags(), "", []string{"/tmp/v.sock"}); err == nil {
		t.Fatal("buildConfig with batch size 1000 succeeded")
	}
}

// ---------------------------------------------------------------------------
// peers
// ---------------------------------------------------------------------------

func TestPrintPeerTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	closed := now.Add(-time.Minute)
	recs := []store.PeerRecord{
		{Boot: "0123456789abcdef", PeerID: 2, OpenedAt: now.Add(-30 * time.Second), FramesIn: 1500, BytesIn: 2048},
		{Boot: "0123456789abcdef", PeerID: 1, OpenedAt: now.Add(-2 * time.Minute), ClosedAt: &closed, Reason: "closed by peer"},
	}
	var buf bytes.Buffer
	if err := printPeerTable(&buf, recs, now); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "BOOT") {
		t.Fatalf("header = %q", lines[0])
	}
	for _, want := range []string{"01234567", "active", "1,500 (2.0 KiB)", "30s"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
	for _, want := range []string{"closed by peer", "1m0s"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("row %q missing %q", lines[2], want)
		}
	}

	buf.Reset()
	if err := printPeerTable(&buf, nil, now); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No peer connections") {
		t.Fatalf("empty output = %q", buf.String())
	}
}

func TestPeersCommandYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	js, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := js.PeerOpened(ctx, connection.ID(9), time.Now()); err != nil {
		t.Fatal(err)
	}
	js.Close()

	cmd := peersCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--journal", path, "-o", "yaml"})
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("peers: %v", err)
	}
	if !strings.Contains(out.String(), "peer_id: 9") {
		t.Fatalf("yaml output missing peer:\n%s", out.String())
	}
}

func TestPeersCommandMissingJournal(t *testing.T) {
	cmd := peersCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--journal", filepath.Join(t.TempDir(), "none.db")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("peers with missing journal succeeded")
	}
}

// ---------------------------------------------------------------------------
// stop
// ---------------------------------------------------------------------------

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.pid")
	os.WriteFile(good, []byte("4242\n"), 0o644)
	pid, err := readPID(good)
	if err != nil || pid != 4242 {
		t.Fatalf("readPID = %d, %v, want 4242", pid, err)
	}

	bad := filepath.Join(dir, "bad.pid")
	os.WriteFile(bad, []byte("nope"), 0o644)
	if _, err := readPID(bad); err == nil {
		t.Fatal("readPID accepted garbage")
	}
	if _, err := readPID(filepath.Join(dir, "missing.pid")); err == nil {
		t.Fatal("readPID accepted missing file")
	}
}

func TestWaitPIDFileGone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.pid")
	os.WriteFile(path, []byte("1\n"), 0o644)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := waitPIDFileGone(ctx, path); err == nil {
		t.Fatal("waitPIDFileGone returned nil while file exists")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		os.Remove(path)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	if err := waitPIDFileGone(ctx2, path); err != nil {
		t.Fatalf("waitPIDFileGone = %v, want nil", err)
	}
}
