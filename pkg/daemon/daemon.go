// Package daemon wires the sentinel subsystems together and owns their
// lifecycle: quarantine engine, scanner adapter, worker pool, control
// plane, and filesystem monitor.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelsec/sentinel/pkg/daemon/control"
	"github.com/sentinelsec/sentinel/pkg/daemon/dispatch"
	"github.com/sentinelsec/sentinel/pkg/daemon/monitor"
	"github.com/sentinelsec/sentinel/pkg/daemon/pipeline"
	"github.com/sentinelsec/sentinel/pkg/sentinel/config"
	"github.com/sentinelsec/sentinel/pkg/sentinel/logging"
	"github.com/sentinelsec/sentinel/pkg/sentinel/quarantine"
	"github.com/sentinelsec/sentinel/pkg/sentinel/scanner"
)

// Daemon owns every subsystem. Construction is leaves-first; shutdown
// releases in reverse order.
type Daemon struct {
	cfg       *config.Config
	engine    *quarantine.Engine
	clamd     *scanner.Clamd
	pool      *dispatch.Pool
	server    *control.Server
	monitor   *monitor.Monitor
	startTime time.Time
}

// New initialises all subsystems. On any failure the partially built
// daemon is torn down and an error returned; the caller exits non-zero.
func New(cfg *config.Config) (*Daemon, error) {
	logger := logging.Get("daemon")

	d := &Daemon{cfg: cfg, startTime: time.Now()}

	engine, err := quarantine.Open(cfg.QuarantineRoot)
	if err != nil {
		return nil, fmt.Errorf("initialising quarantine: %w", err)
	}
	d.engine = engine

	d.clamd = scanner.NewClamd(cfg.Scanner.Socket)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	alive := d.clamd.Ping(pingCtx)
	cancel()
	if !alive {
		logger.Warn("clamd is not responding; scans will retry until it starts",
			"socket", cfg.Scanner.Socket)
	} else {
		logger.Info("clamd is alive", "socket", cfg.Scanner.Socket)
	}

	server, err := control.NewServer(cfg.Control.Socket, cfg.Control.MaxClients, engine)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("initialising control plane: %w", err)
	}
	d.server = server

	worker := pipeline.NewWorker(d.clamd, engine, server, cfg.Scanner.MaxRetries, cfg.RetryDelay())
	d.pool = dispatch.NewPool(cfg.Workers, cfg.QueueCapacity, func(path string) {
		worker.Process(context.Background(), path)
	})

	minSize, err := cfg.MinFileSizeBytes()
	if err != nil {
		d.teardownPartial()
		return nil, err
	}
	maxSize, err := cfg.MaxFileSizeBytes()
	if err != nil {
		d.teardownPartial()
		return nil, err
	}
	gate := pipeline.NewGate(cfg.QuarantineRoot, cfg.TransientPatterns, minSize, maxSize)

	mon, err := monitor.New(cfg.Roots, func(path string) {
		if !gate.Allow(path) {
			return
		}
		if err := d.pool.Submit(path); err != nil {
			logger.Warn("submit rejected during shutdown", "path", path)
		}
	})
	if err != nil {
		d.teardownPartial()
		return nil, fmt.Errorf("initialising monitor: %w", err)
	}
	d.monitor = mon

	return d, nil
}

// teardownPartial releases everything built so far, in reverse order.
func (d *Daemon) teardownPartial() {
	if d.pool != nil {
		d.pool.Shutdown()
	}
	if d.server != nil {
		_ = d.server.Close()
	}
	if d.engine != nil {
		_ = d.engine.Close()
	}
}

// Run services the daemon until the context is cancelled (interrupt or
// terminate), then shuts everything down gracefully. In-flight scans run
// to completion.
func (d *Daemon) Run(ctx context.Context) error {
	logger := logging.Get("daemon")

	monCtx, stopMonitor := context.WithCancel(context.Background())
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		d.monitor.Run(monCtx)
	}()

	// The server outlives ctx slightly: the final status broadcast has
	// to go out before the socket is closed.
	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		d.server.Run(srvCtx)
	}()

	logger.Info("all subsystems initialised")
	d.server.Broadcast(control.KindStatus, "sentinel", "", "Daemon started")

	<-ctx.Done()

	logger.Info("shutting down")

	// Stop the monitor first so no new candidates arrive.
	_ = d.monitor.Close()
	stopMonitor()
	<-monDone

	// Drain in-flight and queued scans.
	d.pool.Shutdown()

	// Final broadcast before the socket goes away.
	d.server.Broadcast(control.KindStatus, "sentinel", "", "Daemon stopping")
	_ = d.server.Close()
	<-serverDone

	if err := d.engine.Close(); err != nil {
		logger.Error("failed to flush manifest on shutdown", "error", err)
	}

	logger.Info("daemon stopped")
	return nil
}

// Engine exposes the quarantine engine (tests, status).
func (d *Daemon) Engine() *quarantine.Engine { return d.engine }
