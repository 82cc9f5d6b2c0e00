// Package control exposes the local control plane: a unix stream socket
// over which connected clients receive newline-framed JSON event records
// and submit restore/delete/sync commands.
package control

import (
	"encoding/json"
	"time"

	"github.com/sentinelsec/sentinel/pkg/sentinel/quarantine"
)

// Kind discriminates outbound event records.
type Kind string

// Record kinds understood by clients.
const (
	KindScanClean    Kind = "scan_clean"
	KindScanThreat   Kind = "scan_threat"
	KindQuarantine   Kind = "quarantine"
	KindRestore      Kind = "restore"
	KindDelete       Kind = "delete"
	KindStatus       Kind = "status"
	KindSyncEntry    Kind = "sync_entry"
	KindSyncComplete Kind = "sync_complete"
)

// timestampLayout is ISO-8601 local time to second precision.
const timestampLayout = "2006-01-02T15:04:05"

// Record is the outbound event shape. JSON encoding escapes any newline
// in a field value, so the trailing newline added by the writer is the
// only one on the wire.
type Record struct {
	Event     Kind   `json:"event"`
	Filename  string `json:"filename"`
	Threat    string `json:"threat"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
}

// newRecord stamps a record with the current local time.
func newRecord(kind Kind, filename, threat, details string) Record {
	return Record{
		Event:     kind,
		Filename:  filename,
		Threat:    threat,
		Details:   details,
		Timestamp: time.Now().Format(timestampLayout),
	}
}

// SyncEntryRecord is the per-entry reply to a sync_state command. The
// original path rides in filename; timestamp is epoch seconds.
type SyncEntryRecord struct {
	Event          Kind   `json:"event"`
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	QuarantinePath string `json:"quarantine_path"`
	Threat         string `json:"threat"`
	Timestamp      int64  `json:"timestamp"`
}

// SyncCompleteRecord terminates a sync batch. Count is the number of
// sync_entry records that preceded it.
type SyncCompleteRecord struct {
	Event Kind `json:"event"`
	Count int  `json:"count"`
}

// newSyncEntry converts a quarantine entry to its wire form.
func newSyncEntry(entry quarantine.Entry) SyncEntryRecord {
	return SyncEntryRecord{
		Event:          KindSyncEntry,
		ID:             entry.ID,
		Filename:       entry.OriginalPath,
		QuarantinePath: entry.QuarantinePath,
		Threat:         entry.ThreatName,
		Timestamp:      entry.Timestamp,
	}
}

// Command is the inbound message shape. Action is required; ID
// accompanies restore and delete.
type Command struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
}

// marshalLine encodes v and appends the framing newline.
func marshalLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
