// Package client provides a Go client for the sentineld control socket.
// It decodes the newline-framed event stream and submits commands; the
// daemon's control-plane tests and local tooling use it.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sentinelsec/sentinel/pkg/daemon/control"
	"github.com/sentinelsec/sentinel/pkg/sentinel/config"
)

// ErrClosed is returned by commands after Close.
var ErrClosed = errors.New("client: connection closed")

// Event is one decoded record from the daemon. Sync replies carry the
// extra fields; plain events leave them zero.
type Event struct {
	Event     string `json:"event"`
	Filename  string `json:"filename"`
	Threat    string `json:"threat"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`

	// sync_entry fields
	ID             string `json:"id,omitempty"`
	QuarantinePath string `json:"quarantine_path,omitempty"`

	// sync_complete field
	Count int `json:"count,omitempty"`
}

// SyncEntry is one quarantined file reported by sync_state.
type SyncEntry struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	QuarantinePath string `json:"quarantine_path"`
	Threat         string `json:"threat"`
	Timestamp      int64  `json:"timestamp"`
}

// DefaultSocketPath returns the daemon's default control socket.
func DefaultSocketPath() string {
	return config.DefaultControlSocket
}

// Client is a connection to the control socket. Events arrive on the
// Events channel; commands are fire-and-forget, confirmed by broadcast
// events the way the GUI observes them.
type Client struct {
	conn   net.Conn
	events chan Event

	mu     sync.Mutex
	closed bool

	// syncMu serialises SyncState calls so entry batches don't interleave.
	syncMu sync.Mutex
	syncCh chan syncMessage
}

type syncMessage struct {
	entry    *SyncEntry
	complete bool
}

// Connect dials the control socket and starts the event reader.
func Connect(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event, 64),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the stream of decoded records. The channel closes when
// the connection drops or Close is called.
func (c *Client) Events() <-chan Event { return c.events }

// readLoop decodes newline-framed records, routing sync replies to an
// in-flight SyncState call and everything else to the Events channel.
func (c *Client) readLoop() {
	defer close(c.events)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, control.MaxMessageLen), control.MaxMessageLen)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Sniff the kind first: sync_entry reuses the timestamp key
		// with an integer value, so it needs its own decode.
		var kind struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(line, &kind); err != nil {
			continue
		}

		c.mu.Lock()
		syncCh := c.syncCh
		c.mu.Unlock()

		switch kind.Event {
		case string(control.KindSyncEntry):
			if syncCh != nil {
				var entry SyncEntry
				if err := json.Unmarshal(line, &entry); err == nil {
					// Non-blocking: a SyncState that already timed out
					// must not wedge the reader.
					select {
					case syncCh <- syncMessage{entry: &entry}:
					default:
					}
				}
				continue
			}
		case string(control.KindSyncComplete):
			if syncCh != nil {
				select {
				case syncCh <- syncMessage{complete: true}:
				default:
				}
				continue
			}
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		select {
		case c.events <- ev:
		default:
			// Slow consumer: drop rather than stall the reader.
		}
	}
}

// send writes one newline-framed command.
func (c *Client) send(cmd control.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.conn.Write(data)
	return err
}

// Restore asks the daemon to restore a quarantine entry by id.
func (c *Client) Restore(id string) error {
	return c.send(control.Command{Action: "restore", ID: id})
}

// Delete asks the daemon to permanently delete a quarantine entry by id.
func (c *Client) Delete(id string) error {
	return c.send(control.Command{Action: "delete", ID: id})
}

// SyncState requests the full quarantine snapshot and blocks until the
// terminating sync_complete arrives or the timeout elapses.
func (c *Client) SyncState(timeout time.Duration) ([]SyncEntry, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	ch := make(chan syncMessage, 64)
	c.mu.Lock()
	c.syncCh = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncCh = nil
		c.mu.Unlock()
	}()

	if err := c.send(control.Command{Action: "sync_state"}); err != nil {
		return nil, err
	}

	var entries []SyncEntry
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-ch:
			if msg.complete {
				return entries, nil
			}
			entries = append(entries, *msg.entry)
		case <-timer.C:
			return entries, fmt.Errorf("sync_state timed out after %s", timeout)
		}
	}
}

// Close shuts the connection down. The Events channel closes shortly
// after.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
