package version

import (
	"runtime"
	"runtime/debug"
	"testing"
)

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = prev })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected override, got %q", got)
	}
	info := Read()
	if info.GoVersion != runtime.Version() {
		t.Fatalf("unexpected go version %q", info.GoVersion)
	}
	if info.Module == "" {
		t.Fatal("module must not be empty")
	}
}

func TestPseudoVersion(t *testing.T) {
	bi := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	if got, want := pseudoVersion(bi), "v0.0.0-20260301120000-0123456789ab+dirty"; got != want {
		t.Fatalf("pseudoVersion = %q, want %q", got, want)
	}
	if got := pseudoVersion(&debug.BuildInfo{}); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}
