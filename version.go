package pulse

// Version information for the pulse module
const (
	// Version is the current module version
	Version = "development"
)

// Set during build time with -ldflags.
var (
	BuildDate = "development"
	GitCommit = "unknown"
)
