// Package version reports which capturr build is running.
//
// Version is set at release time:
//
//	go build -ldflags "-X github.com/jmylchreest/capturr/internal/version.Version=x.y.z"
//
// The revision comes from the VCS stamp the go tool embeds in the binary.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Version is the release version, "dev" for local builds.
var Version = "dev"

// ApplicationName is the canonical name of this application.
const ApplicationName = "capturr"

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

var readBuildInfo = sync.OnceValues(debug.ReadBuildInfo)

// GetInfo returns the version and the VCS revision the binary was built from.
func GetInfo() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}
	if bi, ok := readBuildInfo(); ok {
		info = fromBuildSettings(info, bi.Settings)
	}
	return info
}

func fromBuildSettings(info Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// shortRevision is the first eight characters of the revision, with a
// "-dirty" suffix for builds from a modified tree.
func (i Info) shortRevision() string {
	if len(i.Revision) < 8 {
		return ""
	}
	rev := i.Revision[:8]
	if i.Modified {
		rev += "-dirty"
	}
	return rev
}

func (i Info) short() string {
	if rev := i.shortRevision(); rev != "" {
		return fmt.Sprintf("%s (%s)", i.Version, rev)
	}
	return i.Version
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("%s version %s, %s", ApplicationName, info.short(), info.GoVersion)
}

// Short returns the version string used for cobra's --version output.
func Short() string {
	return GetInfo().short()
}

// JSON returns the version information encoded as JSON.
func JSON() string {
	data, err := json.Marshal(GetInfo())
	if err != nil {
		return "{}"
	}
	return string(data)
}
