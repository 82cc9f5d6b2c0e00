// Package config provides configuration management for the sentinel daemon.
package config

// Default configuration values for sentinel.
const (
	// DefaultQuarantineRoot is the protected directory holding isolated files.
	DefaultQuarantineRoot = "/opt/quarantine"

	// DefaultControlSocket is the control-plane unix socket path.
	DefaultControlSocket = "/tmp/sentinel_gui.sock"

	// DefaultClamdSocket is the clamd unix socket path.
	DefaultClamdSocket = "/var/run/clamav/clamd.ctl"

	// DefaultWorkers is the number of scan worker goroutines.
	DefaultWorkers = 4

	// DefaultQueueCapacity is the bounded scan queue depth.
	DefaultQueueCapacity = 256

	// DefaultMaxClients is the maximum number of concurrent control-plane clients.
	DefaultMaxClients = 8

	// DefaultMaxRetries is how many times a scan is retried when clamd
	// is unreachable. Total attempts are DefaultMaxRetries + 1.
	DefaultMaxRetries = 3

	// DefaultRetryDelaySeconds is the back-off between scan retries.
	DefaultRetryDelaySeconds = 2

	// DefaultMinFileSize is the smallest file submitted for scanning.
	DefaultMinFileSize = "4B"

	// DefaultMaxFileSize is the largest file submitted for scanning.
	DefaultMaxFileSize = "100MiB"
)

// DefaultWatchRoots are the directory trees monitored when none are configured.
var DefaultWatchRoots = []string{"/home", "/tmp"}

// DefaultTransientPatterns are substring matches for short-lived files
// that flood the queue: clamd's own scan temporaries, browser extension
// unpacking, and GLib streaming writes.
var DefaultTransientPatterns = []string{
	"clamav-",
	"-scantemp",
	"chromecrx_",
	".org.chromium.",
	".goutputstream",
}
