package health

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	Modified  bool      `json:"modified"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
}

// ReadBuildInfo combines the VCS stamp embedded by the go toolchain with
// BUILD_VERSION, BUILD_COMMIT and BUILD_TIME from the environment, which win
// when set.
func ReadBuildInfo(version string) BuildInfo {
	info := BuildInfo{
		Version:   version,
		GitCommit: "unknown",
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if embedded, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range embedded.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.GitCommit = setting.Value
			case "vcs.time":
				if buildTime, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = buildTime
				}
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}

	if value := os.Getenv("BUILD_VERSION"); value != "" {
		info.Version = value
	}
	if value := os.Getenv("BUILD_COMMIT"); value != "" {
		info.GitCommit = value
	}
	if value := os.Getenv("BUILD_TIME"); value != "" {
		if buildTime, err := time.Parse(time.RFC3339, value); err == nil {
			info.BuildTime = buildTime
		}
	}

	return info
}

func (b BuildInfo) String() string {
	commit := b.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}

	return fmt.Sprintf("%s-%s (%s)", b.Version, commit, b.BuildTime.Format("2006-01-02"))
}
