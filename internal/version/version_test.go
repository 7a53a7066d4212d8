package version

import (
	"runtime/debug"
	"testing"
	"time"
)

func TestFromBuildInfoTaggedRelease(t *testing.T) {
	info := &debug.BuildInfo{}
	info.Main.Version = "v1.2.3"
	if got := fromBuildInfo(info); got != "v1.2.3" {
		t.Fatalf("expected tagged version, got %q", got)
	}
	info.Main.Version = "v1.2.3+dirty"
	if got := fromBuildInfo(info); got != "v1.2.3" {
		t.Fatalf("expected dirty suffix stripped, got %q", got)
	}
}

func TestFromBuildInfoVCSCheckout(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
		},
	}
	info.Main.Version = "(devel)"
	if got := fromBuildInfo(info); got != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected pseudo version: %q", got)
	}
}

func TestFromBuildInfoWithoutVCS(t *testing.T) {
	if got := fromBuildInfo(&debug.BuildInfo{}); got != "v0.0.0-unknown" {
		t.Fatalf("expected unknown version, got %q", got)
	}
}
