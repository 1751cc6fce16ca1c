// Package version holds build information for the stageengine binary.
package version

// Set at build time:
//
//	go build -ldflags "-X stageengine/pkg/version.Version=v1.2.3 -X stageengine/pkg/version.Commit=$(git rev-parse --short HEAD)"
//
//nolint:gochecknoglobals // ldflags injection targets
var (
	// Version is the semantic version, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)
