package relayq

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// PoolConfig defines the configuration for a worker pool.
type PoolConfig struct {
	// Queue is the queue all workers of the pool are bound to.
	Queue string
	// Workers is the number of concurrent workers. Minimum 1.
	Workers int
	// MaxTasks stops each worker after this many completed attempts; 0 = unbounded.
	MaxTasks int
	// PollInterval is the claim poll and delayed-promotion cadence.
	// The stale-claim sweep runs at five times this interval.
	PollInterval time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight attempts.
	// Unfinished attempts are left to the stale sweep. Default 5m30s.
	ShutdownTimeout time.Duration
	// Logger is the logger used for pool and worker events.
	Logger Logger
}

// Pool launches N workers bound to one queue and owns the two maintenance
// loops for that queue: delayed promotion every PollInterval and stale
// reclaim every five PollIntervals. Run at most one pool per queue per
// process so the sweeps are not duplicated.
type Pool struct {
	mgr     *Manager
	cfg     PoolConfig
	log     Logger
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
	workers []*Worker
}

// NewPool creates a Pool over the manager. Zero-valued config fields get
// the documented defaults.
func NewPool(mgr *Manager, cfg PoolConfig) *Pool {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = time.Duration(DefaultTimeout)*time.Second + claimGrace
	}
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	return &Pool{mgr: mgr, cfg: cfg, log: l}
}

// Start launches the workers and maintenance goroutines. It is idempotent
// and non-blocking.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.log.Warnf("pool already started; ignoring Start()")
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.errCh = make(chan error, p.cfg.Workers)
	p.mu.Unlock()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	pid := os.Getpid()

	p.log.Infof("pool starting: queue=%q workers=%d poll=%s", p.cfg.Queue, p.cfg.Workers, p.cfg.PollInterval)

	for i := 0; i < p.cfg.Workers; i++ {
		w := NewWorker(p.mgr, WorkerConfig{
			Queue:        p.cfg.Queue,
			WorkerID:     fmt.Sprintf("%s:%d:%d", host, pid, i),
			PollInterval: p.cfg.PollInterval,
			MaxTasks:     p.cfg.MaxTasks,
			Logger:       p.log,
		})
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Run(ctx); err != nil {
				p.errCh <- err
			}
		}(w)
	}

	// Delayed promotion sweep.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.mgr.PromoteDelayed(ctx, p.cfg.Queue); err != nil && ctx.Err() == nil {
					p.log.Warnf("promote sweep failed queue=%s err=%v", p.cfg.Queue, err)
				}
			}
		}
	}()

	// Stale claim sweep.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(5 * p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.mgr.ReclaimStale(ctx, p.cfg.Queue); err != nil && ctx.Err() == nil {
					p.log.Warnf("reclaim sweep failed queue=%s err=%v", p.cfg.Queue, err)
				}
			}
		}
	}()
}

// Stop signals the workers to stop claiming and waits for in-flight
// attempts up to ShutdownTimeout. Attempts still running after that are
// left for a future stale sweep.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.log.Warnf("pool not started; ignoring Stop()")
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	p.log.Infof("pool stopping: queue=%q", p.cfg.Queue)
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Infof("pool stopped cleanly")
	case <-time.After(p.cfg.ShutdownTimeout):
		p.log.Warnf("pool shutdown timed out after %s; unfinished attempts left for reclaim", p.cfg.ShutdownTimeout)
	}
}

// Run starts the pool and blocks until ctx is cancelled or a worker hits
// an unrecoverable infrastructure error, then stops it. The returned
// error is nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.Start()
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-p.errCh:
		runErr = err
	}
	p.Stop()
	return runErr
}

// Processed sums completed attempts across the pool's workers.
func (p *Pool) Processed() int {
	total := 0
	for _, w := range p.workers {
		total += w.Processed()
	}
	return total
}
