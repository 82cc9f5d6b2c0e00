package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/sentinelsec/sentinel/pkg/daemon/control"
	"github.com/sentinelsec/sentinel/pkg/sentinel/logging"
	"github.com/sentinelsec/sentinel/pkg/sentinel/scanner"
)

// Alerter is the event-broadcast capability the worker holds over the
// control plane.
type Alerter interface {
	Broadcast(kind control.Kind, filename, threat, details string)
}

// Quarantiner isolates an infected file and returns the entry id.
type Quarantiner interface {
	Quarantine(path, threatName string) (string, error)
}

// Defaults for the retry policy.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// Worker is the per-candidate scan flow. Fail-closed posture: a file
// gets its original permissions back only when the scanner actively
// cleared it; every other outcome ends in quarantine or lockdown.
type Worker struct {
	scanner    scanner.Scanner
	quarantine Quarantiner
	alerter    Alerter
	maxRetries int
	retryDelay time.Duration

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// NewWorker wires a scan worker. maxRetries is the number of retries
// after the first attempt; non-positive retryDelay falls back to the
// default.
func NewWorker(s scanner.Scanner, q Quarantiner, a Alerter, maxRetries int, retryDelay time.Duration) *Worker {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Worker{
		scanner:    s,
		quarantine: q,
		alerter:    a,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		sleep:      time.Sleep,
	}
}

// Process runs the pipeline for one dequeued path.
func (w *Worker) Process(ctx context.Context, path string) {
	logger := logging.Get("worker")
	logger.Info("scanning", "path", path)

	// Snapshot permissions before touching the file. 0644 is the sane
	// fallback for the later restore if stat fails here.
	origMode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		origMode = info.Mode().Perm()
	}

	// Strip execute so the file cannot be launched while it is being
	// analysed. Best-effort: scanning proceeds either way.
	noExec := origMode &^ 0o111
	if noExec != origMode {
		if err := os.Chmod(path, noExec); err != nil {
			logger.Warn("failed to strip execute permission", "path", path, "error", err)
		} else {
			logger.Info("stripped execute permission", "path", path)
		}
	}

	outcome, ok := w.scanWithRetry(ctx, path)
	if !ok {
		// File vanished between retries; transient files are expected.
		return
	}

	switch outcome.Verdict {
	case scanner.VerdictClean:
		logger.Info("file clean", "path", path)
		w.alerter.Broadcast(control.KindScanClean, path, "", "File is clean")
		if err := os.Chmod(path, origMode); err != nil {
			logger.Warn("failed to restore permissions", "path", path, "error", err)
		}

	case scanner.VerdictInfected:
		logger.Warn("threat detected", "path", path, "signature", outcome.Signature)
		if _, err := w.quarantine.Quarantine(path, outcome.Signature); err != nil {
			logger.Error("quarantine failed, applying lockdown", "path", path, "error", err)
			w.lockdown(path)
			w.alerter.Broadcast(control.KindScanThreat, path, outcome.Signature,
				"CRITICAL: quarantine failed — file locked!")
			return
		}
		w.alerter.Broadcast(control.KindScanThreat, path, outcome.Signature, "File quarantined")

	case scanner.VerdictScanError:
		logger.Error("scan error, applying lockdown", "path", path)
		w.lockdown(path)
		w.alerter.Broadcast(control.KindStatus, path, "", "Scan error — file locked down.")

	case scanner.VerdictTransportError:
		// Retries exhausted with the scanner unreachable throughout.
		logger.Error("scanner offline after retries, applying lockdown",
			"path", path, "retries", w.maxRetries)
		w.lockdown(path)
		w.alerter.Broadcast(control.KindStatus, path, "",
			"Scanner offline. File locked down (chmod 0000).")
	}
}

// scanWithRetry attempts the scan up to maxRetries+1 times, sleeping
// between attempts and re-checking that the file still exists. Returns
// ok=false when the file vanished.
func (w *Worker) scanWithRetry(ctx context.Context, path string) (scanner.Outcome, bool) {
	logger := logging.Get("worker")

	var outcome scanner.Outcome
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				logger.Info("file vanished before retry, skipping", "path", path)
				return scanner.Outcome{}, false
			}

			logger.Warn("scanner unreachable, retrying",
				"path", path, "attempt", attempt, "max", w.maxRetries)
			w.alerter.Broadcast(control.KindStatus, path, "", "Scanner offline — retrying...")
			w.sleep(w.retryDelay)
		}

		outcome = w.scanner.Scan(ctx, path)
		if outcome.Verdict != scanner.VerdictTransportError {
			return outcome, true
		}
		logger.Error("scanner communication error", "path", path, "attempt", attempt+1)
	}

	return outcome, true
}

// lockdown strips every permission bit so the file is unreachable for
// anything short of root.
func (w *Worker) lockdown(path string) {
	if err := os.Chmod(path, 0o000); err != nil {
		logging.Get("worker").Error("lockdown chmod failed", "path", path, "error", err)
	}
}
