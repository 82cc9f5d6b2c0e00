// Package scanner defines the antivirus engine contract and the clamd
// adapter that implements it.
package scanner

import "context"

// Verdict classifies the result of a single scan attempt.
type Verdict int

const (
	// VerdictClean means the engine positively cleared the file.
	VerdictClean Verdict = iota
	// VerdictInfected means the engine matched a signature.
	VerdictInfected
	// VerdictTransportError means the engine could not be reached; the
	// attempt may be retried.
	VerdictTransportError
	// VerdictScanError means the file could not be scanned: the engine
	// reported an error or an unrecognised reply, or the file could not be
	// opened for streaming.
	VerdictScanError
)

// String returns the verdict name for logs.
func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictInfected:
		return "infected"
	case VerdictTransportError:
		return "transport_error"
	case VerdictScanError:
		return "scan_error"
	default:
		return "unknown"
	}
}

// Outcome is the result of one scan attempt. Signature is set only for
// VerdictInfected and is opaque to the caller.
type Outcome struct {
	Verdict   Verdict
	Signature string
}

// Clean reports whether the engine positively cleared the file.
func (o Outcome) Clean() bool { return o.Verdict == VerdictClean }

// Infected reports whether the engine matched a signature.
func (o Outcome) Infected() bool { return o.Verdict == VerdictInfected }

// Scanner submits files to an on-access antivirus engine. Implementations
// must be safe for concurrent use from multiple workers.
type Scanner interface {
	Scan(ctx context.Context, path string) Outcome
}
