// Package pkg provides shared utilities for the USB audio device stack:
// sentinel error values, transfer status codes, and structured logging.
//
// All stack components report failures through the sentinel errors defined
// here. Logging goes through the component-tagged helpers (LogDebug,
// LogInfo, LogWarn, LogError) so applications can filter by subsystem.
package pkg
