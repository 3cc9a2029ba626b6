// Package runtime launches worker-inference processes over stdio-framed
// JSON-RPC and keeps their transports reachable by worker id for the rest
// of the control plane (connection pool, model manager, rolling restart
// preflight probes).
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/veyra/conduit/internal/core/ports"
	"github.com/veyra/conduit/internal/transport"
)

// stdioPipe glues a child process's stdin and stdout into a single
// io.ReadWriteCloser so transport.New can frame JSON-RPC lines over it.
type stdioPipe struct {
	io.Reader
	io.WriteCloser
}

func (p *stdioPipe) Close() error {
	return p.WriteCloser.Close()
}

type liveWorker struct {
	cmd       *exec.Cmd
	transport *transport.JSONRPC
}

// ProcessSpawner starts one OS process per worker, each speaking
// line-framed JSON-RPC 2.0 over its own stdin/stdout. It implements
// workerpool.Spawner and doubles as the source connpool's Dialer and
// modelmanager's WorkerRPC adapter use to reach a worker's transport.
type ProcessSpawner struct {
	binary    string
	args      []string
	tcfg      transport.Config
	readyRPC  string // method probed to confirm a worker is accepting calls
	readyWait time.Duration
	logger    *slog.Logger

	live *xsync.Map[string, *liveWorker]
}

// NewProcessSpawner constructs a spawner that execs binary (with args,
// appending --worker-id=<id> for each spawned process) and wraps its stdio
// in a transport.JSONRPC. readyRPC, if non-empty, is called with no params
// once at startup to confirm the worker is responsive before Spawn returns.
func NewProcessSpawner(binary string, args []string, tcfg transport.Config, readyRPC string, readyWait time.Duration, logger *slog.Logger) *ProcessSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	if readyWait <= 0 {
		readyWait = 10 * time.Second
	}
	return &ProcessSpawner{
		binary:    binary,
		args:      args,
		tcfg:      tcfg,
		readyRPC:  readyRPC,
		readyWait: readyWait,
		logger:    logger,
		live:      xsync.NewMap[string, *liveWorker](),
	}
}

// Spawn implements workerpool.Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context, workerID string) (pid int, runtimeName string, err error) {
	args := append(append([]string{}, s.args...), "--worker-id="+workerID)
	cmd := exec.Command(s.binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, "", fmt.Errorf("runtime: stdin pipe for %s: %w", workerID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, "", fmt.Errorf("runtime: stdout pipe for %s: %w", workerID, err)
	}

	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("runtime: start worker %s: %w", workerID, err)
	}

	rw := &stdioPipe{Reader: stdout, WriteCloser: stdin}
	t := transport.New(rw, s.tcfg)

	if s.readyRPC != "" {
		readyCtx, cancel := context.WithTimeout(ctx, s.readyWait)
		err := t.Call(readyCtx, s.readyRPC, nil, nil)
		cancel()
		if err != nil {
			_ = t.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return 0, "", fmt.Errorf("runtime: worker %s failed readiness probe: %w", workerID, err)
		}
	}

	s.live.Store(workerID, &liveWorker{cmd: cmd, transport: t})
	s.logger.Info("runtime: worker process started", "workerId", workerID, "pid", cmd.Process.Pid)
	return cmd.Process.Pid, s.binary, nil
}

// Stop implements workerpool.Spawner.
func (s *ProcessSpawner) Stop(ctx context.Context, workerID string) error {
	w, ok := s.live.LoadAndDelete(workerID)
	if !ok {
		return nil
	}
	_ = w.transport.Close()

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = w.cmd.Process.Kill()
		return ctx.Err()
	}
}

// Transport returns the live worker's transport, for callers (connpool's
// Dialer, modelmanager's WorkerRPC adapter, rolling-restart preflight)
// that need to issue RPCs directly against a specific worker.
func (s *ProcessSpawner) Transport(workerID string) (ports.Transport, bool) {
	w, ok := s.live.Load(workerID)
	if !ok {
		return nil, false
	}
	return w.transport, true
}

// WorkerIDs returns every worker id with a live transport.
func (s *ProcessSpawner) WorkerIDs() []string {
	ids := make([]string, 0, s.live.Size())
	s.live.Range(func(id string, _ *liveWorker) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
