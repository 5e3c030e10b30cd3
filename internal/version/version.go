package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the service current released version.
// Semantic versioning: https://semver.org/
var Version = "0.3.0"

// DevVersion is the service current development version.
var DevVersion = "0.3.0"

func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "demo" {
		return DevVersion
	}
	return Version
}

// GetMinorVersion extracts the minor version (e.g., "0.3") from a full version string.
func GetMinorVersion(version string) string {
	return strings.TrimPrefix(semver.MajorMinor(canonical(version)), "v")
}

// IsVersionGreaterOrEqualThan returns true if version is greater than or equal to target.
func IsVersionGreaterOrEqualThan(version, target string) bool {
	return semver.Compare(canonical(version), canonical(target)) > -1
}

// IsVersionGreaterThan returns true if version is greater than target.
func IsVersionGreaterThan(version, target string) bool {
	return semver.Compare(canonical(version), canonical(target)) > 0
}

// IsCompatible reports whether a client at clientVersion can talk to a server
// at serverVersion: both must share the same minor version.
func IsCompatible(serverVersion, clientVersion string) bool {
	server, client := canonical(serverVersion), canonical(clientVersion)
	if !semver.IsValid(server) || !semver.IsValid(client) {
		return false
	}
	return semver.MajorMinor(server) == semver.MajorMinor(client)
}

func canonical(version string) string {
	return fmt.Sprintf("v%s", strings.TrimPrefix(version, "v"))
}
