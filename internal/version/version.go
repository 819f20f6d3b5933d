// Package version exposes the swarm build version.
package version

// version is injected at release build time through -ldflags.
var version = "dev" //nolint:gochecknoglobals // ldflags needs a package-level var

// String reports the build version string.
func String() string {
	return version
}
