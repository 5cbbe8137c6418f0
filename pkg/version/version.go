package version

import (
	"fmt"
	"runtime/debug"
)

const featureFlags = "Pebble/SQLite+PrimeProduct"

// EngineVersion automatically detects the version from the Git tag.
func EngineVersion() string {
	version := "(devel)" // Fallback for local testing (go run .)

	// info.Main.Version is filled in by 'go install'.
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" {
			version = info.Main.Version
		}
	}

	return fmt.Sprintf("%s (%s)", version, featureFlags)
}
