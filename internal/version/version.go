package version

// Build metadata for the echoprobe binary, injected with
// -ldflags "-X github.com/tkjaer/echoprobe/internal/version.Version=..."
var (
	Version   = "dev"     // release tag
	GitCommit = "unknown" // short commit hash
	BuildDate = "unknown" // RFC 3339 build time
)

// FullVersion is the string printed by echoprobe --version
func FullVersion() string {
	if Version == "dev" {
		return "echoprobe development build"
	}
	return "echoprobe " + Version + " (commit: " + GitCommit + ", built: " + BuildDate + ")"
}
