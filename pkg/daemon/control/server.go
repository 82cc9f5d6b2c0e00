package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sentinelsec/sentinel/pkg/sentinel/logging"
	"github.com/sentinelsec/sentinel/pkg/sentinel/quarantine"
)

// Defaults for the control socket.
const (
	// DefaultMaxClients bounds concurrent connections.
	DefaultMaxClients = 8

	// MaxMessageLen bounds a single inbound line. Overlong lines reset
	// the client's read buffer.
	MaxMessageLen = 4096

	// writeTimeout is how long a broadcast write may block on one
	// client before the message is dropped for that client.
	writeTimeout = 100 * time.Millisecond
)

// EngineOps is the capability the control plane holds over the
// quarantine engine. The daemon registers its engine at construction;
// the server never reaches into globals.
type EngineOps interface {
	Restore(id string) error
	Delete(id string) error
	List() []quarantine.Entry
}

// client is one connected peer. writeMu serialises writes to it; the
// inbound framing buffer lives in serveClient.
type client struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Server is the unix stream-socket control plane.
type Server struct {
	socketPath string
	maxClients int
	engine     EngineOps
	listener   net.Listener

	mu      sync.Mutex
	clients map[*client]bool
	closed  bool
}

// NewServer unlinks any stale socket, binds, listens, and opens the
// endpoint to unprivileged local clients. The socket is mode 0666: it is
// inherently local and the desktop GUI runs unprivileged.
func NewServer(socketPath string, maxClients int, engine EngineOps) (*Server, error) {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(socketPath, 0o666); err != nil {
		logging.Get("control").Warn("failed to set socket permissions",
			"socket", socketPath, "error", err)
	}

	logging.Get("control").Info("control socket listening",
		"socket", socketPath, "max_clients", maxClients)

	return &Server{
		socketPath: socketPath,
		maxClients: maxClients,
		engine:     engine,
		listener:   listener,
		clients:    make(map[*client]bool),
	}, nil
}

// Run accepts clients until the context is cancelled or the listener is
// closed. Each client gets its own reader goroutine.
func (s *Server) Run(ctx context.Context) {
	logger := logging.Get("control")

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error("accept failed", "error", err)
			return
		}

		s.mu.Lock()
		if s.closed || len(s.clients) >= s.maxClients {
			s.mu.Unlock()
			logger.Warn("max clients reached, rejecting connection")
			_ = conn.Close()
			continue
		}
		c := &client{conn: conn}
		s.clients[c] = true
		total := len(s.clients)
		s.mu.Unlock()

		logger.Info("client connected", "total", total)
		go s.serveClient(c)
	}
}

// serveClient accumulates reads into a bounded buffer and dispatches
// complete newline-terminated messages.
func (s *Server) serveClient(c *client) {
	logger := logging.Get("control")
	buf := make([]byte, 0, MaxMessageLen)
	chunk := make([]byte, 1024)

	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			for {
				nl := bytes.IndexByte(buf, '\n')
				if nl < 0 {
					break
				}
				line := buf[:nl]
				buf = buf[nl+1:]
				if len(line) > 0 {
					s.dispatchCommand(c, line)
				}
			}

			if len(buf) >= MaxMessageLen {
				logger.Warn("client message exceeds limit, resetting buffer",
					"len", len(buf))
				buf = buf[:0]
			}
		}
		if err != nil {
			s.removeClient(c)
			return
		}
	}
}

// dispatchCommand parses one inbound message and routes it. Malformed
// input is dropped with a warning; the connection stays open.
func (s *Server) dispatchCommand(c *client, line []byte) {
	logger := logging.Get("control")

	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		logger.Warn("failed to parse client command", "error", err)
		return
	}
	if cmd.Action == "" {
		logger.Warn("client command missing action", "raw", string(line))
		return
	}

	logger.Info("client command", "action", cmd.Action, "id", cmd.ID)

	switch cmd.Action {
	case "sync_state":
		s.syncState(c)

	case "restore":
		if cmd.ID == "" {
			logger.Warn("restore command missing id")
			return
		}
		original := s.originalPathFor(cmd.ID)
		if err := s.engine.Restore(cmd.ID); err != nil {
			logger.Error("restore failed", "id", cmd.ID, "error", err)
			s.Broadcast(KindStatus, original, "", "Restore failed")
			return
		}
		s.Broadcast(KindRestore, original, "", "File restored from quarantine")

	case "delete":
		if cmd.ID == "" {
			logger.Warn("delete command missing id")
			return
		}
		original := s.originalPathFor(cmd.ID)
		if err := s.engine.Delete(cmd.ID); err != nil {
			logger.Error("delete failed", "id", cmd.ID, "error", err)
			s.Broadcast(KindStatus, original, "", "Delete failed")
			return
		}
		s.Broadcast(KindDelete, original, "", "File permanently deleted")

	default:
		logger.Warn("unknown client command", "action", cmd.Action)
	}
}

// originalPathFor resolves an entry id to its original path for event
// payloads. Falls back to the id when the entry is already gone.
func (s *Server) originalPathFor(id string) string {
	for _, entry := range s.engine.List() {
		if entry.ID == id {
			return entry.OriginalPath
		}
	}
	return id
}

// syncState sends the full manifest snapshot to one client: one
// sync_entry per live entry, then a sync_complete carrying the count.
// Nothing is broadcast.
func (s *Server) syncState(c *client) {
	logger := logging.Get("control")
	entries := s.engine.List()

	for _, entry := range entries {
		data, err := marshalLine(newSyncEntry(entry))
		if err != nil {
			logger.Error("failed to encode sync entry", "id", entry.ID, "error", err)
			continue
		}
		if err := s.writeTo(c, data); err != nil {
			return
		}
	}

	data, err := marshalLine(SyncCompleteRecord{Event: KindSyncComplete, Count: len(entries)})
	if err != nil {
		return
	}
	_ = s.writeTo(c, data)

	logger.Info("state sync complete", "entries", len(entries))
}

// Broadcast composes a timestamped record and writes it to every
// connected client. A slow client loses this one message; a dead client
// loses its slot.
func (s *Server) Broadcast(kind Kind, filename, threat, details string) {
	data, err := marshalLine(newRecord(kind, filename, threat, details))
	if err != nil {
		logging.Get("control").Error("failed to encode record", "kind", kind, "error", err)
		return
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		_ = s.writeTo(c, data)
	}
}

// writeTo writes one framed record to a single client. A deadline miss
// drops the message for that client only; a broken pipe or reset closes
// the slot.
func (s *Server) writeTo(c *client, data []byte) error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(data)
	_ = c.conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()

	if err == nil {
		return nil
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		// Send buffer full: this message is lost for this client, the
		// connection survives.
		return err
	}

	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		logging.Get("control").Warn("client write failed, closing slot", "error", err)
	} else {
		logging.Get("control").Warn("client write error, closing slot", "error", err)
	}
	s.removeClient(c)
	return err
}

// removeClient closes and forgets a client slot.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if !s.clients[c] {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	total := len(s.clients)
	s.mu.Unlock()

	_ = c.conn.Close()
	logging.Get("control").Info("client disconnected", "total", total)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close shuts the listener, disconnects every client, and unlinks the
// socket path.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]bool)
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}

	err := s.listener.Close()
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}

	logging.Get("control").Info("control socket closed", "socket", s.socketPath)
	return err
}
