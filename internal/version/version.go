// Package version carries the build version string.
package version

// Version is overridden at build time via -ldflags "-X pathvault/internal/version.Version=...".
var Version = "dev"
