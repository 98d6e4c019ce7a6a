// Package version exposes build metadata. Release builds stamp the vars with
// -ldflags "-X github.com/emergent-company/catalog-sync/internal/version.Version=...";
// dev builds fall back to the VCS info the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionInfo is the build metadata reported by /debug and `indexctl version`.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
}

func (v VersionInfo) String() string {
	s := fmt.Sprintf("%s (%s, built %s)", v.Version, v.GitCommit, v.BuildTime)
	if v.Modified {
		s += " +dirty"
	}
	return s
}

var (
	infoOnce sync.Once
	info     VersionInfo
)

// Info returns the stamped metadata, filling unstamped fields from the
// embedded build info.
func Info() VersionInfo {
	infoOnce.Do(func() {
		info = VersionInfo{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fromBuildInfo(&info, bi.Settings)
	})
	return info
}

func fromBuildInfo(v *VersionInfo, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if v.GitCommit == "unknown" && s.Value != "" {
				v.GitCommit = s.Value[:min(len(s.Value), 12)]
			}
		case "vcs.time":
			if v.BuildTime == "unknown" && s.Value != "" {
				v.BuildTime = s.Value
			}
		case "vcs.modified":
			v.Modified = s.Value == "true"
		}
	}
}
