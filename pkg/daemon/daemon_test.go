package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sentinelsec/sentinel/pkg/client"
	"github.com/sentinelsec/sentinel/pkg/sentinel/config"
)

// startFakeClamd serves the INSTREAM protocol and flags any stream containing
// the marker bytes as infected.
func startFakeClamd(t *testing.T, dir string) string {
	t.Helper()

	socketPath := filepath.Join(dir, "clamd.ctl")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)

				head, err := reader.Peek(4)
				if err != nil {
					return
				}
				if bytes.Equal(head, []byte("PING")) {
					_, _ = conn.Write([]byte("PONG\n"))
					return
				}

				cmd := make([]byte, len("zINSTREAM\x00"))
				if _, err := io.ReadFull(reader, cmd); err != nil {
					return
				}

				var content bytes.Buffer
				lenPrefix := make([]byte, 4)
				for {
					if _, err := io.ReadFull(reader, lenPrefix); err != nil {
						return
					}
					size := binary.BigEndian.Uint32(lenPrefix)
					if size == 0 {
						break
					}
					if _, err := io.CopyN(&content, reader, int64(size)); err != nil {
						return
					}
				}

				if bytes.Contains(content.Bytes(), []byte("EICAR-TEST-MARKER")) {
					_, _ = conn.Write([]byte("stream: Eicar-Test-Signature FOUND\n"))
				} else {
					_, _ = conn.Write([]byte("stream: OK\n"))
				}
			}(conn)
		}
	}()

	return socketPath
}

// startDaemon wires a full daemon against temp paths and a fake clamd.
func startDaemon(t *testing.T) (*Daemon, *config.Config, string) {
	t.Helper()

	// Keep socket paths under the unix limit.
	dir, err := os.MkdirTemp("/tmp", "sentineld-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	watchDir := filepath.Join(dir, "watched")
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Roots:             []string{watchDir},
		QuarantineRoot:    filepath.Join(dir, "quarantine"),
		Workers:           2,
		QueueCapacity:     16,
		MinFileSize:       "4B",
		MaxFileSize:       "100MiB",
		TransientPatterns: config.DefaultTransientPatterns,
		Scanner: config.ScannerConfig{
			Socket:     startFakeClamd(t, dir),
			MaxRetries: 1,
			RetryDelay: 1,
		},
		Control: config.ControlConfig{
			Socket:     filepath.Join(dir, "ctl.sock"),
			MaxClients: 4,
		},
	}

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	return d, cfg, watchDir
}

func waitForEvent(t *testing.T, c *client.Client, kind string, timeout time.Duration) client.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event stream closed while waiting")
			}
			if ev.Event == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", kind, timeout)
		}
	}
}

func TestCleanFileEndToEnd(t *testing.T) {
	_, cfg, watchDir := startDaemon(t)

	c, err := client.Connect(cfg.Control.Socket)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	path := filepath.Join(watchDir, "test_clean.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, c, "scan_clean", 10*time.Second)
	if ev.Filename != path {
		t.Errorf("scan_clean filename = %q, want %q", ev.Filename, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("clean file missing after scan: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode after clean scan = %o, want 0644", info.Mode().Perm())
	}
}

func TestInfectedFileEndToEnd(t *testing.T) {
	d, cfg, watchDir := startDaemon(t)

	c, err := client.Connect(cfg.Control.Socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	path := filepath.Join(watchDir, "eicar.com")
	if err := os.WriteFile(path, []byte("EICAR-TEST-MARKER payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, c, "scan_threat", 10*time.Second)
	if !strings.Contains(ev.Threat, "Eicar") {
		t.Errorf("threat = %q, want it to contain Eicar", ev.Threat)
	}

	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Error("infected file still present at original path")
	}

	entries := d.Engine().List()
	if len(entries) != 1 {
		t.Fatalf("manifest has %d entries, want 1", len(entries))
	}
	if entries[0].OriginalPath != path {
		t.Errorf("entry original_path = %q, want %q", entries[0].OriginalPath, path)
	}
	info, err := os.Stat(entries[0].QuarantinePath)
	if err != nil {
		t.Fatalf("quarantined content missing: %v", err)
	}
	if info.Mode().Perm() != 0 {
		t.Errorf("quarantined mode = %o, want 000", info.Mode().Perm())
	}
}

func TestRestoreEndToEnd(t *testing.T) {
	d, cfg, _ := startDaemon(t)

	c, err := client.Connect(cfg.Control.Socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Isolate a file that lives outside the watched tree so the restore
	// does not immediately re-trigger a scan.
	outside := t.TempDir()
	path := filepath.Join(outside, "restore_me.bin")
	if err := os.WriteFile(path, []byte("EICAR-TEST-MARKER body"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Engine().Quarantine(path, "Eicar-Test-Signature"); err != nil {
		t.Fatalf("Quarantine() error = %v", err)
	}

	entries, err := c.SyncState(5 * time.Second)
	if err != nil {
		t.Fatalf("SyncState() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("SyncState() returned %d entries, want 1", len(entries))
	}

	if err := c.Restore(entries[0].ID); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, c, "restore", 10*time.Second)
	if ev.Filename != path {
		t.Errorf("restore filename = %q, want %q", ev.Filename, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("restored file unreadable: %v", err)
	}
	if string(data) != "EICAR-TEST-MARKER body" {
		t.Error("restored content differs from original")
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o644 {
		t.Errorf("restored mode = %o, want 0644", info.Mode().Perm())
	}
	if d.Engine().Len() != 0 {
		t.Error("manifest still holds the restored entry")
	}
}

func TestStatusSnapshot(t *testing.T) {
	d, cfg, _ := startDaemon(t)

	c, err := client.Connect(cfg.Control.Socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.Status().Clients == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	st := d.Status()
	if st.Clients != 1 {
		t.Errorf("Status().Clients = %d, want 1", st.Clients)
	}
	if st.WatchesInstalled < 1 {
		t.Errorf("Status().WatchesInstalled = %d, want >= 1", st.WatchesInstalled)
	}
	if st.Uptime <= 0 {
		t.Error("Status().Uptime not positive")
	}
}
