// Package connpool implements the warmed pool of persistent IPC connections
// to worker processes (§4.3): warmup, acquire/release with a waiter queue,
// periodic health checks, and idle eviction.
package connpool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
)

// Config parameterizes pool sizing and timeouts.
type Config struct {
	Enabled             bool
	MinConnections      int
	MaxConnections      int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	WarmupOnStart       bool
}

// Dialer creates a new connection to some worker, spawning its runtime if needed.
type Dialer func(ctx context.Context) (*Conn, error)

// HealthChecker issues a cheap liveness probe against a connection.
type HealthChecker func(ctx context.Context, conn *Conn) error

// Conn is one pooled connection.
type Conn struct {
	id        string
	workerID  string
	runtime   string
	transport ports.Transport

	mu         sync.Mutex
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
	isHealthy  bool
	isAcquired bool
}

// NewConn wraps a freshly-dialed transport as a pool connection.
func NewConn(workerID, runtime string, transport ports.Transport) *Conn {
	now := time.Now()
	return &Conn{
		id:         uuid.NewString(),
		workerID:   workerID,
		runtime:    runtime,
		transport:  transport,
		createdAt:  now,
		lastUsedAt: now,
		isHealthy:  true,
	}
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) WorkerID() string            { return c.workerID }
func (c *Conn) Transport() ports.Transport { return c.transport }

func (c *Conn) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConnectionState{
		ID:         c.id,
		WorkerID:   c.workerID,
		Runtime:    c.runtime,
		CreatedAt:  c.createdAt,
		LastUsedAt: c.lastUsedAt,
		UseCount:   c.useCount,
		IsHealthy:  c.isHealthy,
		IsAcquired: c.isAcquired,
	}
}

var _ ports.Connection = (*Conn)(nil)

type waiter struct {
	ch chan *Conn
}

// Pool is the concrete ConnectionPool implementation.
type Pool struct {
	cfg     Config
	dial    Dialer
	check   HealthChecker
	logger  *slog.Logger

	conns *xsync.Map[string, *Conn]

	waitersMu sync.Mutex
	waiters   *list.List // of *waiter

	totalReleases  atomic.Int64
	acquireSamples *rollingSamples

	shutdownOnce sync.Once
	stopCh       chan struct{}
}

var _ ports.ConnectionPool = (*Pool)(nil)

// New constructs a pool; call Start to warm it up and begin background maintenance.
func New(cfg Config, dial Dialer, check HealthChecker, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:            cfg,
		dial:           dial,
		check:          check,
		logger:         logger,
		conns:          xsync.NewMap[string, *Conn](),
		waiters:        list.New(),
		acquireSamples: newRollingSamples(100),
		stopCh:         make(chan struct{}),
	}
}

// Start warms the pool (if configured) and launches background maintenance.
func (p *Pool) Start(ctx context.Context) error {
	if p.cfg.WarmupOnStart && p.cfg.MinConnections > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < p.cfg.MinConnections; i++ {
			g.Go(func() error {
				conn, err := p.dial(gctx)
				if err != nil {
					return err
				}
				p.conns.Store(conn.id, conn)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("connpool: warmup: %w", err)
		}
	}

	if p.cfg.HealthCheckInterval > 0 {
		go p.maintenanceLoop()
	}
	return nil
}

// Acquire implements ports.ConnectionPool.
func (p *Pool) Acquire(ctx context.Context) (ports.Connection, error) {
	start := time.Now()

	if conn := p.tryAcquireIdle(); conn != nil {
		p.acquireSamples.add(time.Since(start))
		return conn, nil
	}

	if p.conns.Size() < p.cfg.MaxConnections {
		conn, err := p.dial(ctx)
		if err == nil {
			conn.mu.Lock()
			conn.isAcquired = true
			conn.useCount++
			conn.lastUsedAt = time.Now()
			conn.mu.Unlock()
			p.conns.Store(conn.id, conn)
			p.acquireSamples.add(time.Since(start))
			return conn, nil
		}
		p.logger.Warn("connpool: dial failed, falling back to waiter queue", "error", err)
	}

	return p.waitForConnection(ctx, start)
}

func (p *Pool) tryAcquireIdle() *Conn {
	var found *Conn
	p.conns.Range(func(id string, conn *Conn) bool {
		conn.mu.Lock()
		if !conn.isAcquired && conn.isHealthy {
			conn.isAcquired = true
			conn.useCount++
			conn.lastUsedAt = time.Now()
			found = conn
			conn.mu.Unlock()
			return false
		}
		conn.mu.Unlock()
		return true
	})
	return found
}

func (p *Pool) waitForConnection(ctx context.Context, start time.Time) (ports.Connection, error) {
	w := &waiter{ch: make(chan *Conn, 1)}
	p.waitersMu.Lock()
	elem := p.waiters.PushBack(w)
	p.waitersMu.Unlock()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		p.acquireSamples.add(time.Since(start))
		return conn, nil
	case <-ctx.Done():
		p.removeWaiter(elem)
		return nil, ctx.Err()
	case <-timer.C:
		p.removeWaiter(elem)
		return nil, &domain.TimeoutError{Operation: "connpool.acquire", Elapsed: timeout}
	}
}

func (p *Pool) removeWaiter(elem *list.Element) {
	p.waitersMu.Lock()
	defer p.waitersMu.Unlock()
	p.waiters.Remove(elem)
}

// Release implements ports.ConnectionPool: hands the connection straight to
// the first queued waiter if one exists, otherwise marks it idle.
func (p *Pool) Release(conn ports.Connection) {
	c, ok := conn.(*Conn)
	if !ok {
		return
	}

	p.waitersMu.Lock()
	front := p.waiters.Front()
	if front != nil {
		p.waiters.Remove(front)
	}
	p.waitersMu.Unlock()

	c.mu.Lock()
	c.lastUsedAt = time.Now()
	if front == nil {
		c.isAcquired = false
	}
	c.mu.Unlock()

	p.totalReleases.Add(1)

	if front != nil {
		front.Value.(*waiter).ch <- c
	}
}

// Stats implements ports.ConnectionPool.
func (p *Pool) Stats() ports.ConnectionPoolStats {
	var size, acquired int
	var useSum int64
	p.conns.Range(func(id string, conn *Conn) bool {
		size++
		conn.mu.Lock()
		if conn.isAcquired {
			acquired++
		}
		useSum += conn.useCount
		conn.mu.Unlock()
		return true
	})

	var reuseRate float64
	if size > 0 {
		reuseRate = float64(useSum) / float64(size)
	}

	p.waitersMu.Lock()
	waiting := p.waiters.Len()
	p.waitersMu.Unlock()

	return ports.ConnectionPoolStats{
		Size:           size,
		Acquired:       acquired,
		ReuseRate:      reuseRate,
		AvgAcquireTime: p.acquireSamples.average(),
		TotalReleases:  p.totalReleases.Load(),
		WaitersQueued:  waiting,
	}
}

func (p *Pool) maintenanceLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runHealthChecks()
			p.runIdleCleanup()
		}
	}
}

func (p *Pool) runHealthChecks() {
	if p.check == nil {
		return
	}
	var stale []*Conn
	p.conns.Range(func(id string, conn *Conn) bool {
		conn.mu.Lock()
		acquired := conn.isAcquired
		conn.mu.Unlock()
		if acquired {
			return true
		}
		if err := p.check(context.Background(), conn); err != nil {
			conn.mu.Lock()
			conn.isHealthy = false
			conn.mu.Unlock()
			stale = append(stale, conn)
		}
		return true
	})
	for _, conn := range stale {
		p.destroy(conn)
	}
}

func (p *Pool) runIdleCleanup() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	now := time.Now()
	var toDestroy []*Conn
	p.conns.Range(func(id string, conn *Conn) bool {
		conn.mu.Lock()
		idle := !conn.isAcquired && now.Sub(conn.lastUsedAt) > p.cfg.IdleTimeout
		conn.mu.Unlock()
		if idle {
			toDestroy = append(toDestroy, conn)
		}
		return true
	})

	for _, conn := range toDestroy {
		p.destroy(conn)
		select {
		case <-p.stopCh:
			continue
		default:
		}
		if p.conns.Size() < p.cfg.MinConnections {
			if newConn, err := p.dial(context.Background()); err == nil {
				p.conns.Store(newConn.id, newConn)
			}
		}
	}
}

func (p *Pool) destroy(conn *Conn) {
	p.conns.Delete(conn.id)
	_ = conn.transport.Close()
}

// Shutdown closes every connection and cancels maintenance timers.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() { close(p.stopCh) })

	p.waitersMu.Lock()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	p.waiters.Init()
	p.waitersMu.Unlock()

	var lastErr error
	p.conns.Range(func(id string, conn *Conn) bool {
		if err := conn.transport.Close(); err != nil {
			lastErr = err
		}
		return true
	})
	p.conns.Clear()
	return lastErr
}

// rollingSamples tracks the last N durations for a simple moving average.
type rollingSamples struct {
	mu      sync.Mutex
	samples []time.Duration
	max     int
	next    int
	full    bool
}

func newRollingSamples(max int) *rollingSamples {
	return &rollingSamples{samples: make([]time.Duration, max), max: max}
}

func (r *rollingSamples) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % r.max
	if r.next == 0 {
		r.full = true
	}
}

func (r *rollingSamples) average() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = r.max
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += r.samples[i]
	}
	return sum / time.Duration(n)
}
