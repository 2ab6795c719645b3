package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = orig })
}

func TestResolveUsesVCSSettings(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	info := Resolve()
	if info.Commit != "0123456789abcdef0123" || info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Version != info.BuildTime {
		t.Fatalf("version: got %q want build time", info.Version)
	}
	if got := String(); !strings.HasSuffix(got, "(0123456789ab+dirty)") {
		t.Fatalf("String: got %q", got)
	}
}

func TestResolveLinkerValuesWin(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main:     debug.Module{Version: "v0.1.0"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}},
	})
	Version, Commit = "v1.2.3", "def"
	t.Cleanup(func() { Version, Commit = "", "" })
	info := Resolve()
	if info.Version != "v1.2.3" || info.Commit != "def" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatalf("expected go version")
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	stubBuildInfo(t, nil)
	if got := Resolve().Version; got == "" {
		t.Fatalf("expected a fallback version")
	}
}
