// Package version tracks build metadata for the application.
package version

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. Fields left
// empty are filled from the VCS stamp embedded by the Go toolchain, if any.
func Set(v Info) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		v = withBuildInfo(v, bi)
	}

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = normalize(v)
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

func normalize(v Info) Info {
	if v.Version == "" {
		v.Version = "dev"
	}
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	return v
}

func withBuildInfo(v Info, bi *debug.BuildInfo) Info {
	if bi == nil {
		return v
	}
	if v.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		v.Version = bi.Main.Version
	}
	if v.GoVersion == "" {
		v.GoVersion = bi.GoVersion
	}
	var revision string
	modified := false
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			if v.BuildTime == "" {
				v.BuildTime = setting.Value
			}
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if v.Commit == "" && revision != "" {
		v.Commit = revision
		if modified {
			v.Commit += "-dirty"
		}
	}
	return v
}
