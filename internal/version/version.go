// Package version exposes build metadata stamped in with -ldflags, filled in
// from the embedded module build info when the linker did not set it.
package version

import (
	"runtime/debug"
	"strings"
)

const AppName = "imagegen"

// set via -ldflags "-X github.com/keithlinneman/linnemanlabs-imagegen/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
	BuildID   string
)

type Info struct {
	App        string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	BuildID    string `json:"build_id,omitempty"`
	GoVersion  string `json:"go_version"`
	// VCSDirty is nil when the build carried no vcs.modified setting
	VCSDirty *bool `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	info := Info{
		App:       AppName,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		BuildID:   BuildID,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	applySettings(&info, bi.Settings)
	return info
}

func applySettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = s.Value
			}
		case "vcs.time":
			info.CommitDate = s.Value
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			dirty := s.Value == "true"
			info.VCSDirty = &dirty
		}
	}
}

// ShortCommit is the first 12 characters of the commit, used in log lines and metric labels
func (i Info) ShortCommit() string {
	c := strings.TrimSpace(i.Commit)
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
