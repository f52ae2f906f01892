package buildinfo

import "fmt"

// Set via -ldflags, for example:
//
//	-X 'github.com/createrken-code/nippo-shokuninn/core/buildinfo.Version=v0.3.0'
//	-X 'github.com/createrken-code/nippo-shokuninn/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/createrken-code/nippo-shokuninn/core/buildinfo.Date=2026-04-01T09:00:00Z'
var (
	Version = "dev"
	Commit  = "local"
	Date    = ""
)

// String renders the build identity for the version command.
func String() string {
	if Date == "" {
		return fmt.Sprintf("nippo %s (%s)", Version, Commit)
	}
	return fmt.Sprintf("nippo %s (%s, built %s)", Version, Commit, Date)
}
