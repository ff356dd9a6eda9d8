// Package version reports which build of the cycle-time server is running.
// The variables are set at link time, for example
//
//	go build -ldflags "-X cycletime/internal/version.Version=v1.2.0"
package version

import "strings"

const defaultSourceRepo = "https://github.com/cycletime/cycletime"

var (
	Version    = "dev"
	Commit     = "unknown"
	BuildTime  = ""
	SourceRepo = defaultSourceRepo
)

// Info is the body served by GET /api/v1/version.
type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildTime  string `json:"build_time"`
	SourceRepo string `json:"source_repo"`
}

// Current returns the build info with blank link-time values replaced by
// their defaults.
func Current() Info {
	return Info{
		Version:    orDefault(Version, "dev"),
		Commit:     orDefault(Commit, "unknown"),
		BuildTime:  strings.TrimSpace(BuildTime),
		SourceRepo: orDefault(SourceRepo, defaultSourceRepo),
	}
}

func orDefault(v, d string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return d
}
