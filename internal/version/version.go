// Package version carries build identification, populated via ldflags.
package version

var (
	// Version is the current application version.
	// It should be populated by the build system (ldflags).
	Version = "v0.3.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// Info is the /system/version payload.
type Info struct {
	Version  string          `json:"version"`
	Commit   string          `json:"commit"`
	Date     string          `json:"date"`
	Features map[string]bool `json:"features"`
}

// Current reports the build info plus the gateway's feature flags.
func Current(features map[string]bool) Info {
	if features == nil {
		features = map[string]bool{}
	}
	return Info{
		Version:  Version,
		Commit:   Commit,
		Date:     Date,
		Features: features,
	}
}
