package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetInfoUsesLinkerValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = origVersion, origCommit, origDate })

	Version, Commit, Date = "1.4.0", "0123456789abcdef", "2026-03-01T09:00:00Z"
	info := GetInfo()

	if info.Version != "1.4.0" || info.Commit != "0123456789abcdef" || info.Date != "2026-03-01T09:00:00Z" {
		t.Errorf("GetInfo() = %+v, linker values not kept", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %s, want %s", info.GoVersion, runtime.Version())
	}
	if want := runtime.GOOS + "/" + runtime.GOARCH; info.Platform != want {
		t.Errorf("Platform = %s, want %s", info.Platform, want)
	}
}

func TestGetInfoDevFallback(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = origVersion, origCommit, origDate })

	Version, Commit, Date = "dev", "unknown", "unknown"
	info := GetInfo()
	// test binaries carry no module version, so dev survives
	if info.Version == "" {
		t.Error("Version must never be empty")
	}
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		name    string
		info    Info
		want    []string
		notWant string
	}{
		{
			name:    "long commit is shortened",
			info:    Info{Version: "1.0.0", Commit: "abc123def456", Date: "2026-01-01", GoVersion: "go1.24.6", Platform: "linux/amd64"},
			want:    []string{"flotilla 1.0.0", "(abc123de)", "built 2026-01-01", "go1.24.6", "linux/amd64"},
			notWant: "abc123def456",
		},
		{
			name: "short commit kept",
			info: Info{Version: "dev", Commit: "abc", Date: "unknown", GoVersion: "go1.24.6", Platform: "darwin/arm64"},
			want: []string{"flotilla dev", "(abc)", "darwin/arm64"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.info.String()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("String() = %q, missing %q", got, w)
				}
			}
			if tt.notWant != "" && strings.Contains(got, tt.notWant) {
				t.Errorf("String() = %q, should not contain %q", got, tt.notWant)
			}
		})
	}
}

func TestInfoShort(t *testing.T) {
	if got := (Info{Version: "2.1.0"}).Short(); got != "2.1.0" {
		t.Errorf("Short() = %q, want 2.1.0", got)
	}
}
