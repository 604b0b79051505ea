package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/permitd"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode generated config: %v", err)
	}
	if got.Listen != permitd.DefaultListen {
		t.Fatalf("listen = %q", got.Listen)
	}
	if got.MaxConnections != permitd.DefaultMaxConnections || got.QueueCapacity != permitd.DefaultMaxConnections {
		t.Fatalf("max-connections %d queue-capacity %d", got.MaxConnections, got.QueueCapacity)
	}
	if got.Routing != "origin" || got.ReleasePolicy != "any" || got.QueueFullPolicy != "drop" {
		t.Fatalf("unexpected policies %+v", got)
	}
	if !got.PurgeOnDisconnect || !got.ReleaseOnDisconnect {
		t.Fatalf("disconnect defaults should be enabled: %+v", got)
	}
	if !strings.Contains(stdout, "write-timeout: 5s") {
		t.Fatalf("expected duration rendered as string, got:\n%s", stdout)
	}
}

func TestConfigGenWritesFileAndRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected output path in %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat generated config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v want 0600", info.Mode().Perm())
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenStdoutAndOutConflict(t *testing.T) {
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", filepath.Join(t.TempDir(), "x.yaml"))
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}
