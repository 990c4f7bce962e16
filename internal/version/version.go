// Package version carries build identification stamped in via -ldflags.
package version

var (
	// Version is the release version.
	Version = ""
	// Commit is the git commit hash.
	Commit = ""
	// BuildTime is the build timestamp.
	BuildTime = ""
)

// String renders "version (commit)" with sensible fallbacks for local
// builds that were never stamped.
func String() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	if Commit == "" {
		return v
	}
	commit := Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return v + " (" + commit + ")"
}
