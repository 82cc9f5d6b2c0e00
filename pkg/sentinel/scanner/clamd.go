package scanner

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sentinelsec/sentinel/pkg/sentinel/logging"
)

const (
	// instreamChunkSize is the payload size of each INSTREAM chunk.
	instreamChunkSize = 8192

	// maxSignatureLen caps the signature string taken from a FOUND reply.
	maxSignatureLen = 255
)

// Clamd speaks the clamd INSTREAM protocol over a local stream socket.
//
// The daemon opens and reads the file itself and streams the raw bytes to
// clamd, so clamd never needs filesystem access to the scanned path. This
// matters because clamd runs unprivileged and most home directories are
// mode 700.
type Clamd struct {
	socketPath  string
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

// NewClamd creates an adapter for the clamd socket at socketPath.
func NewClamd(socketPath string) *Clamd {
	return &Clamd{
		socketPath:  socketPath,
		dialTimeout: 5 * time.Second,
		ioTimeout:   60 * time.Second,
	}
}

// Scan streams the file at path to clamd and parses the reply.
//
// Protocol:
//  1. Send "zINSTREAM\x00" (null-terminated z-prefix command).
//  2. For each chunk: 4-byte big-endian length + chunk bytes.
//  3. A zero length terminates the stream.
//  4. The reply is "stream: OK", "stream: <signature> FOUND" or
//     "stream: <reason> ERROR".
func (c *Clamd) Scan(ctx context.Context, path string) Outcome {
	logger := logging.Get("scanner")

	file, err := os.Open(path)
	if err != nil {
		logger.Error("cannot open file for scanning", "path", path, "error", err)
		// The engine never saw the file; treat as a scan error so the
		// pipeline fails closed rather than retrying forever.
		return Outcome{Verdict: VerdictScanError}
	}
	defer file.Close()

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		logger.Error("cannot connect to clamd", "socket", c.socketPath, "error", err)
		return Outcome{Verdict: VerdictTransportError}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.ioTimeout))
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		logger.Error("clamd command write failed", "error", err)
		return Outcome{Verdict: VerdictTransportError}
	}

	if err := streamFile(conn, file); err != nil {
		logger.Error("clamd stream write failed", "path", path, "error", err)
		return Outcome{Verdict: VerdictTransportError}
	}

	reply, err := io.ReadAll(conn)
	if err != nil && len(reply) == 0 {
		logger.Error("no response from clamd", "path", path, "error", err)
		return Outcome{Verdict: VerdictTransportError}
	}
	if len(reply) == 0 {
		logger.Error("empty response from clamd", "path", path)
		return Outcome{Verdict: VerdictTransportError}
	}

	return parseReply(string(bytes.TrimRight(reply, "\x00\n")))
}

// Ping checks whether clamd is alive. Failure is not fatal; clamd may
// start after the daemon does.
func (c *Clamd) Ping(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.dialTimeout))
	if _, err := conn.Write([]byte("PING\n")); err != nil {
		return false
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	reply, _ := io.ReadAll(conn)
	return strings.Contains(string(reply), "PONG")
}

// streamFile sends the file contents as length-prefixed chunks followed
// by the zero-length terminator.
func streamFile(conn net.Conn, file *os.File) error {
	buf := make([]byte, instreamChunkSize)
	lenPrefix := make([]byte, 4)

	for {
		n, err := file.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(lenPrefix, uint32(n))
			if _, werr := conn.Write(lenPrefix); werr != nil {
				return werr
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint32(lenPrefix, 0)
	_, err := conn.Write(lenPrefix)
	return err
}

// parseReply maps a clamd text reply to an Outcome.
func parseReply(reply string) Outcome {
	logger := logging.Get("scanner")

	if idx := strings.Index(reply, " FOUND"); idx >= 0 {
		signature := reply[:idx]
		if colon := strings.Index(signature, ": "); colon >= 0 {
			signature = signature[colon+2:]
		}
		if len(signature) > maxSignatureLen {
			signature = signature[:maxSignatureLen]
		}
		return Outcome{Verdict: VerdictInfected, Signature: signature}
	}
	if strings.Contains(reply, " OK") {
		return Outcome{Verdict: VerdictClean}
	}
	if strings.Contains(reply, " ERROR") {
		logger.Error("clamd reported scan error", "reply", reply)
		return Outcome{Verdict: VerdictScanError}
	}

	logger.Error("unrecognised clamd reply", "reply", reply)
	return Outcome{Verdict: VerdictScanError}
}
