// Package version reports the build version of the rendezvous binaries.
//
// Release builds inject values with:
//
//	go build -ldflags "-X github.com/NicolasHaas/rendezvous/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/rendezvous/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/rendezvous/pkg/version.date=2026-01-01"
//
// Without ldflags the VCS stamp recorded by the Go toolchain is used.
package version

import (
	"runtime/debug"
	"sync"
)

const unknown = "unknown"

var (
	tag    = ""
	commit = unknown
	date   = unknown
)

// Info describes one build.
type Info struct {
	Tag    string
	Commit string
	Date   string
	Dirty  bool
}

var (
	once  sync.Once
	build Info
)

// Get returns the build info, filling missing fields from the embedded VCS
// stamp when available.
func Get() Info {
	once.Do(func() {
		build = resolve(tag, commit, date, readBuildInfo)
	})
	return build
}

func readBuildInfo() (*debug.BuildInfo, bool) { return debug.ReadBuildInfo() }

func resolve(tag, commit, date string, read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Tag: tag, Commit: commit, Date: date}
	if commit != unknown {
		return info
	}
	bi, ok := read()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				info.Commit = s.Value[:7]
			} else if s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == unknown && s.Value != "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

// String returns the tag, else the commit, else "dev".
func (i Info) String() string {
	switch {
	case i.Tag != "":
		return i.Tag
	case i.Commit != unknown && i.Commit != "":
		if i.Dirty {
			return i.Commit + "-dirty"
		}
		return i.Commit
	default:
		return "dev"
	}
}

// Full returns "tag (commit) built date" or the best available fallback.
func (i Info) Full() string {
	s := i.String()
	if s == "dev" {
		return s
	}
	if i.Tag != "" && i.Commit != unknown {
		s += " (" + i.Commit + ")"
	}
	return s + " built " + i.Date
}

// String is shorthand for Get().String().
func String() string { return Get().String() }

// Full is shorthand for Get().Full().
func Full() string { return Get().Full() }
