package worker

import "runtime"

const (
	// DefaultVersion is the worker protocol version reported at startup
	DefaultVersion = "0.1.0"
)

// GetVersion returns the version of the worker
func GetVersion() string {
	return DefaultVersion
}

// GetVersionInfo returns the version together with the runtime it was built with
func GetVersionInfo() map[string]string {
	return map[string]string{
		"version":    DefaultVersion,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
