package daemon

import "time"

// Status is a point-in-time snapshot of daemon health, assembled for
// logs and diagnostics.
type Status struct {
	Uptime            time.Duration `json:"uptime"`
	QueueDepth        int           `json:"queue_depth"`
	Submitted         int64         `json:"submitted"`
	Processed         int64         `json:"processed"`
	Clients           int           `json:"clients"`
	QuarantineEntries int           `json:"quarantine_entries"`
	WatchesInstalled  int64         `json:"watches_installed"`
	WatchesFailed     int64         `json:"watches_failed"`
}

// Status assembles a snapshot from every subsystem. Reads are approximate
// where the underlying counter is lock-free.
func (d *Daemon) Status() Status {
	return Status{
		Uptime:            time.Since(d.startTime),
		QueueDepth:        d.pool.QueueSize(),
		Submitted:         d.pool.Submitted(),
		Processed:         d.pool.Processed(),
		Clients:           d.server.ClientCount(),
		QuarantineEntries: d.engine.Len(),
		WatchesInstalled:  d.monitor.WatchCount(),
		WatchesFailed:     d.monitor.FailedWatchCount(),
	}
}
