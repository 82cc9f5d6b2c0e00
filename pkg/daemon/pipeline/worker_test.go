package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sentinelsec/sentinel/pkg/daemon/control"
	"github.com/sentinelsec/sentinel/pkg/sentinel/scanner"
)

// stubScanner returns queued outcomes in order, repeating the last one.
type stubScanner struct {
	mu       sync.Mutex
	outcomes []scanner.Outcome
	calls    int
}

func (s *stubScanner) Scan(ctx context.Context, path string) scanner.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.outcomes) == 0 {
		return scanner.Outcome{Verdict: scanner.VerdictClean}
	}
	out := s.outcomes[0]
	if len(s.outcomes) > 1 {
		s.outcomes = s.outcomes[1:]
	}
	return out
}

func (s *stubScanner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordedEvent struct {
	kind     control.Kind
	filename string
	threat   string
	details  string
}

type stubAlerter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (a *stubAlerter) Broadcast(kind control.Kind, filename, threat, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, recordedEvent{kind, filename, threat, details})
}

func (a *stubAlerter) recorded() []recordedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]recordedEvent, len(a.events))
	copy(out, a.events)
	return out
}

type stubQuarantiner struct {
	err    error
	called bool
	path   string
	threat string
}

func (q *stubQuarantiner) Quarantine(path, threatName string) (string, error) {
	q.called = true
	q.path = path
	q.threat = threatName
	if q.err != nil {
		return "", q.err
	}
	return "11111111-2222-3333-4444-555555555555", nil
}

func newTestWorker(s scanner.Scanner, q Quarantiner, a Alerter, retries int) *Worker {
	w := NewWorker(s, q, a, retries, time.Millisecond)
	w.sleep = func(time.Duration) {}
	return w
}

func fileMode(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.Mode().Perm()
}

func TestCleanFileKeepsPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clean.sh")
	if err := os.WriteFile(path, []byte("echo hello"), 0o755); err != nil {
		t.Fatal(err)
	}

	alerter := &stubAlerter{}
	quarantiner := &stubQuarantiner{}
	w := newTestWorker(&stubScanner{outcomes: []scanner.Outcome{{Verdict: scanner.VerdictClean}}},
		quarantiner, alerter, 3)

	w.Process(context.Background(), path)

	if got := fileMode(t, path); got != 0o755 {
		t.Errorf("mode after clean scan = %o, want 0755", got)
	}
	if quarantiner.called {
		t.Error("quarantine called for a clean file")
	}

	events := alerter.recorded()
	if len(events) != 1 || events[0].kind != control.KindScanClean {
		t.Fatalf("events = %+v, want one scan_clean", events)
	}
	if events[0].filename != path {
		t.Errorf("event filename = %q, want %q", events[0].filename, path)
	}
}

func TestInfectedFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eicar.com")
	if err := os.WriteFile(path, []byte("virus body"), 0o644); err != nil {
		t.Fatal(err)
	}

	alerter := &stubAlerter{}
	quarantiner := &stubQuarantiner{}
	w := newTestWorker(&stubScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictInfected, Signature: "Eicar-Test-Signature"},
	}}, quarantiner, alerter, 3)

	w.Process(context.Background(), path)

	if !quarantiner.called {
		t.Fatal("quarantine not called for infected file")
	}
	if quarantiner.threat != "Eicar-Test-Signature" {
		t.Errorf("quarantine threat = %q", quarantiner.threat)
	}

	events := alerter.recorded()
	if len(events) != 1 || events[0].kind != control.KindScanThreat {
		t.Fatalf("events = %+v, want one scan_threat", events)
	}
	if events[0].threat != "Eicar-Test-Signature" {
		t.Errorf("event threat = %q", events[0].threat)
	}
}

func TestQuarantineFailureLocksDown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stuck.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	alerter := &stubAlerter{}
	quarantiner := &stubQuarantiner{err: errors.New("disk full")}
	w := newTestWorker(&stubScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictInfected, Signature: "Test.Sig"},
	}}, quarantiner, alerter, 3)

	w.Process(context.Background(), path)

	if got := fileMode(t, path); got != 0 {
		t.Errorf("mode after failed quarantine = %o, want 000", got)
	}

	events := alerter.recorded()
	if len(events) != 1 || events[0].kind != control.KindScanThreat {
		t.Fatalf("events = %+v, want one critical scan_threat", events)
	}
}

func TestScanErrorLocksDown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unreadable.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	alerter := &stubAlerter{}
	w := newTestWorker(&stubScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictScanError},
	}}, &stubQuarantiner{}, alerter, 3)

	w.Process(context.Background(), path)

	if got := fileMode(t, path); got != 0 {
		t.Errorf("mode after scan error = %o, want 000", got)
	}
	events := alerter.recorded()
	if len(events) != 1 || events[0].kind != control.KindStatus {
		t.Fatalf("events = %+v, want one status", events)
	}
}

func TestScannerOfflineRetriesThenLocksDown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probe.bin")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}

	alerter := &stubAlerter{}
	stub := &stubScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictTransportError},
	}}
	w := newTestWorker(stub, &stubQuarantiner{}, alerter, 2)

	w.Process(context.Background(), path)

	if got := stub.callCount(); got != 3 {
		t.Errorf("scan attempts = %d, want 3 (1 + 2 retries)", got)
	}
	if got := fileMode(t, path); got != 0 {
		t.Errorf("mode after exhausted retries = %o, want 000", got)
	}

	// Two "retrying" statuses followed by the lockdown status.
	events := alerter.recorded()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	for i := 0; i < 2; i++ {
		if events[i].kind != control.KindStatus || events[i].details != "Scanner offline — retrying..." {
			t.Errorf("event[%d] = %+v, want retry status", i, events[i])
		}
	}
	if events[2].kind != control.KindStatus {
		t.Errorf("final event = %+v, want lockdown status", events[2])
	}
}

func TestRetryRecoversWhenScannerReturns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flaky.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	alerter := &stubAlerter{}
	stub := &stubScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictTransportError},
		{Verdict: scanner.VerdictClean},
	}}
	w := newTestWorker(stub, &stubQuarantiner{}, alerter, 3)

	w.Process(context.Background(), path)

	if got := stub.callCount(); got != 2 {
		t.Errorf("scan attempts = %d, want 2", got)
	}
	events := alerter.recorded()
	last := events[len(events)-1]
	if last.kind != control.KindScanClean {
		t.Errorf("final event = %+v, want scan_clean", last)
	}
}

func TestVanishedFileSkipsRetry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transient.tmp")
	if err := os.WriteFile(path, []byte("gone soon"), 0o644); err != nil {
		t.Fatal(err)
	}

	alerter := &stubAlerter{}
	stub := &stubScanner{outcomes: []scanner.Outcome{
		{Verdict: scanner.VerdictTransportError},
	}}
	w := NewWorker(stub, &stubQuarantiner{}, alerter, 3, time.Millisecond)
	// The file disappears during the first back-off sleep.
	w.sleep = func(time.Duration) { _ = os.Remove(path) }

	w.Process(context.Background(), path)

	if got := stub.callCount(); got != 2 {
		t.Errorf("scan attempts = %d after vanish, want 2", got)
	}
}

func TestExecuteBitStrippedDuringScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	var modeDuringScan os.FileMode
	probe := &probeScanner{onScan: func(p string) {
		if info, err := os.Stat(p); err == nil {
			modeDuringScan = info.Mode().Perm()
		}
	}}

	w := newTestWorker(probe, &stubQuarantiner{}, &stubAlerter{}, 0)
	w.Process(context.Background(), path)

	if modeDuringScan != 0o644 {
		t.Errorf("mode during scan = %o, want 0644 (execute stripped)", modeDuringScan)
	}
	if got := fileMode(t, path); got != 0o755 {
		t.Errorf("mode after clean scan = %o, want 0755 restored", got)
	}
}

// probeScanner observes the file mid-scan and reports clean.
type probeScanner struct {
	onScan func(path string)
}

func (p *probeScanner) Scan(ctx context.Context, path string) scanner.Outcome {
	if p.onScan != nil {
		p.onScan(path)
	}
	return scanner.Outcome{Verdict: scanner.VerdictClean}
}
