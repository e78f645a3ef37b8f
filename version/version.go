package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags "-X github.com/teranos/scry/version.Version=...".
var (
	// Version is the semantic version when the build is tagged.
	Version = "dev"

	// CommitHash is the git commit the binary was built from.
	CommitHash = "dev"

	// BuildTime records when the binary was built.
	BuildTime = "unknown"
)

// Info bundles build metadata for the version command, the server banner
// frame, and the engine catalog's requires gate.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get snapshots the build metadata.
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders the long form used by the version command.
func (i Info) String() string {
	return fmt.Sprintf("scry %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildTime)
}

// Short is the abbreviated commit hash for log and banner lines.
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
