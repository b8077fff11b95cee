package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/attachd"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("generated config is not YAML: %v", err)
	}
	if got["listen"] != attachd.DefaultListen || got["store"] != attachd.DefaultStore {
		t.Fatalf("unexpected listen/store: %v %v", got["listen"], got["store"])
	}
	if got["derived-bucket"] != attachd.DefaultDerivedBucket {
		t.Fatalf("unexpected derived bucket %v", got["derived-bucket"])
	}
	if got["upload-max"] != "64MiB" || got["image-quality"] != attachd.DefaultImageQuality {
		t.Fatalf("unexpected upload/quality: %v %v", got["upload-max"], got["image-quality"])
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected path in output, got %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenDefaultsToConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ATTACHD_CONFIG_DIR", dir)
	if _, _, err := executeRootCommand(t, "config", "gen"); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("expected config in %s: %v", dir, err)
	}
}

func TestConfigGenRejectsStdoutWithOut(t *testing.T) {
	if _, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatal("expected mutually exclusive error")
	}
}
