// Package daemon implements the long-running core of porygond: the
// periodic network sweep, the per-host indexation scheduler, the walk
// worker pool, and graceful shutdown.
//
// Concurrency model: one control-plane goroutine (the one running Run)
// owns the host registry and the scheduling maps. Everything that mutates
// them — timer firings, worker-pool handoffs, walk completions, Stop —
// is posted to the control plane as a closure and executed there, so no
// mutex guards the scheduling state. Walks run on their own goroutines,
// bounded by a weighted semaphore of MaxIndexTasks.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/porygon-dev/porygon/internal/ftpwalk"
	"github.com/porygon-dev/porygon/internal/scan"
	"github.com/porygon-dev/porygon/internal/store"
)

// callsBuffer smooths bursts of timer firings and walk completions posted
// to the control plane between its servicing points.
const callsBuffer = 16

// -------------------------------------------------------------------------
// Configuration and collaborators
// -------------------------------------------------------------------------

// Config holds the daemon parameters. All fields are required.
type Config struct {
	// Port, User and Passwd are the FTP endpoint credentials used for walks.
	Port   int
	User   string
	Passwd string

	// Network is the IPv4 CIDR swept each iteration.
	Network netip.Prefix

	// ScanInterval is the pause between sweeps.
	ScanInterval time.Duration

	// OfflineDelay is how long a host may stay offline before it is
	// forgotten.
	OfflineDelay time.Duration

	// IndexInterval is the minimum delay between walks of one host;
	// IndexTimeout bounds one FTP operation during a walk; MaxIndexTasks
	// sizes the walk pool; MaxIndexErrors is the per-walk error budget.
	IndexInterval  time.Duration
	IndexTimeout   time.Duration
	MaxIndexTasks  int
	MaxIndexErrors int
}

// Sweeper produces the set of live hosts of one sweep. Implemented by
// scan.Scanner; faked in tests.
type Sweeper interface {
	Scan(ctx context.Context, network netip.Prefix) ([]scan.Host, error)
}

// Reporter receives daemon activity for metrics export. Implemented by
// the Prometheus collector; a no-op reporter is used when none is set.
type Reporter interface {
	ScanFinished(elapsed time.Duration, online, known int)
	WalkFinished(ip string, success bool, elapsed time.Duration, files, bytes int64)
}

type noopReporter struct{}

func (noopReporter) ScanFinished(time.Duration, int, int)                   {}
func (noopReporter) WalkFinished(string, bool, time.Duration, int64, int64) {}

// Option configures optional Daemon parameters.
type Option func(*Daemon)

// WithReporter sets the metrics reporter. If r is nil, a no-op reporter
// is used.
func WithReporter(r Reporter) Option {
	return func(d *Daemon) {
		if r != nil {
			d.metrics = r
		}
	}
}

// WithClock overrides the daemon's time source. Tests use this to drive
// eviction and rescheduling deterministically.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// -------------------------------------------------------------------------
// Daemon
// -------------------------------------------------------------------------

// walkTask is one accepted indexation, queued or running on the pool.
type walkTask struct {
	ip        string
	cancelled atomic.Bool
}

// walkResult is the outcome of one walk, reported back to the control plane.
type walkResult struct {
	ip      string
	success bool
	stat    store.Stat
	elapsed time.Duration
}

// Daemon owns the scan loop, the indexation scheduler, the walk pool and
// the in-memory host registry.
type Daemon struct {
	cfg      Config
	sweeper  Sweeper
	registry store.ScanRegistry
	index    store.FileIndex
	metrics  Reporter
	logger   *slog.Logger
	now      func() time.Time

	// calls carries closures to the control plane; done is closed when
	// Run has drained for the last time, releasing any blocked poster.
	calls chan func()
	done  chan struct{}

	// pool bounds concurrent walks; wg tracks walk goroutines.
	pool *semaphore.Weighted
	wg   sync.WaitGroup

	// Control-plane state. Only the Run goroutine touches these.
	hosts      map[string]store.HostInfo
	scheduled  map[string]*time.Timer
	submitted  map[string]*walkTask
	busy       map[string]struct{}
	shouldStop bool
}

// New creates a Daemon. st provides both persistence surfaces.
func New(cfg Config, sweeper Sweeper, st store.Store, logger *slog.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:       cfg,
		sweeper:   sweeper,
		registry:  st.ScanRegistry(),
		index:     st.FileIndex(),
		metrics:   noopReporter{},
		logger:    logger.With(slog.String("component", "daemon")),
		now:       time.Now,
		calls:     make(chan func(), callsBuffer),
		done:      make(chan struct{}),
		pool:      semaphore.NewWeighted(int64(cfg.MaxIndexTasks)),
		hosts:     make(map[string]store.HostInfo),
		scheduled: make(map[string]*time.Timer),
		submitted: make(map[string]*walkTask),
		busy:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Hosts returns a copy of the in-memory host registry. Safe to call only
// before Run starts or after it returns; live readers use the persisted
// registry instead.
func (d *Daemon) Hosts() map[string]store.HostInfo {
	out := make(map[string]store.HostInfo, len(d.hosts))
	for ip, info := range d.hosts {
		out[ip] = info
	}
	return out
}

// -------------------------------------------------------------------------
// Main loop
// -------------------------------------------------------------------------

// Run drives the daemon until Stop is called or ctx is cancelled: sweep,
// reconcile, sleep, repeat. In-flight walks are never interrupted; Run
// returns once they have finished and their completions are processed.
func (d *Daemon) Run(ctx context.Context) error {
	// Stop on context cancellation, same path as a signal-triggered Stop.
	unwatch := context.AfterFunc(ctx, d.Stop)
	defer unwatch()

	// Walks outlive a cancelled ctx by design; they stop via the error
	// budget or natural completion.
	walkCtx := context.WithoutCancel(ctx)

	d.logger.Info("daemon started",
		slog.String("network", d.cfg.Network.String()),
		slog.Int("max_index_tasks", d.cfg.MaxIndexTasks),
	)

	for !d.shouldStop {
		online, elapsed := d.awaitScan(ctx)
		if d.shouldStop {
			break
		}
		if err := d.process(walkCtx, online); err != nil {
			d.logger.Error("reconciliation failed, keeping previous snapshot",
				slog.String("error", err.Error()),
			)
		}
		// Reported after reconciliation so the known-host count reflects
		// the registry the iteration actually left behind.
		d.metrics.ScanFinished(elapsed, len(online), len(d.hosts))
		d.sleep(d.cfg.ScanInterval)
	}

	d.drain()
	d.logger.Info("daemon stopped")
	return nil
}

// awaitScan runs one sweep on its own goroutine and services control-plane
// calls until it finishes, returning the live hosts and the sweep's wall
// time.
func (d *Daemon) awaitScan(ctx context.Context) ([]scan.Host, time.Duration) {
	started := d.now()
	resCh := make(chan []scan.Host, 1)

	go func() {
		hosts, err := d.sweeper.Scan(ctx, d.cfg.Network)
		if err != nil {
			d.logger.Info("sweep interrupted", slog.String("error", err.Error()))
		}
		resCh <- hosts
	}()

	for {
		select {
		case online := <-resCh:
			return online, d.now().Sub(started)
		case fn := <-d.calls:
			fn()
		}
	}
}

// sleep pauses up to delta between sweeps, servicing control-plane calls
// and returning early when Stop is processed.
func (d *Daemon) sleep(delta time.Duration) {
	if d.shouldStop {
		return
	}

	timer := time.NewTimer(delta)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return
		case fn := <-d.calls:
			fn()
			if d.shouldStop {
				d.logger.Info("sleep interrupted")
				return
			}
		}
	}
}

// drain services control-plane calls until every walk goroutine has
// finished, then releases blocked posters.
func (d *Daemon) drain() {
	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()

	for {
		select {
		case fn := <-d.calls:
			fn()
		case <-waited:
			// Walk goroutines are gone; run whatever they left buffered.
			for {
				select {
				case fn := <-d.calls:
					fn()
				default:
					close(d.done)
					return
				}
			}
		}
	}
}

// post hands a closure to the control plane. Posts that arrive after Run
// has fully drained are dropped; by then every timer is cancelled and
// every walk accounted for.
func (d *Daemon) post(fn func()) {
	select {
	case d.calls <- fn:
	case <-d.done:
	}
}

// -------------------------------------------------------------------------
// Reconciliation
// -------------------------------------------------------------------------

// process reconciles the registry against the sweep result: flips online
// flags, evicts hosts offline for longer than OfflineDelay, schedules
// walks for online hosts that have none pending, persists the registry
// snapshot and prunes the file index.
//
// Runs on the control plane. A store error fails this iteration and
// leaves the previous persisted snapshot intact.
func (d *Daemon) process(ctx context.Context, online []scan.Host) error {
	now := d.now()

	for ip, info := range d.hosts {
		info.Online = false
		d.hosts[ip] = info
	}

	for _, h := range online {
		info := d.hosts[h.IP]
		info.Name = h.Name
		info.Online = true
		info.LastOnline = now
		d.hosts[h.IP] = info
	}

	limit := now.Add(-d.cfg.OfflineDelay)
	for ip, info := range d.hosts {
		if info.LastOnline.Before(limit) {
			delete(d.hosts, ip)
			d.logger.Info("forgot offline host", slog.String("ip", ip))
		}
	}

	for _, h := range online {
		if d.pending(h.IP) {
			continue
		}
		d.schedule(h.IP, d.nextDelay(d.hosts[h.IP], now))
	}

	if err := d.registry.SetHosts(ctx, d.hosts); err != nil {
		return fmt.Errorf("persist registry snapshot: %w", err)
	}

	keep := make([]string, 0, len(d.hosts))
	for ip := range d.hosts {
		keep = append(keep, ip)
	}
	if err := d.index.Prune(ctx, keep); err != nil {
		return fmt.Errorf("prune file index: %w", err)
	}

	return nil
}

// pending reports whether ip already has a scheduled, submitted or
// running walk. The three sets are disjoint; a host is in at most one.
func (d *Daemon) pending(ip string) bool {
	if _, ok := d.scheduled[ip]; ok {
		return true
	}
	if _, ok := d.submitted[ip]; ok {
		return true
	}
	_, ok := d.busy[ip]
	return ok
}

// nextDelay computes how long to wait before walking the host again:
// zero for never-indexed hosts, otherwise whatever remains of
// IndexInterval since the last successful walk.
func (d *Daemon) nextDelay(info store.HostInfo, now time.Time) time.Duration {
	if !info.Indexed() {
		return 0
	}
	delay := info.LastIndexed.Add(d.cfg.IndexInterval).Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}

// schedule registers a timer that will submit a walk of ip after delay.
// Runs on the control plane.
func (d *Daemon) schedule(ip string, delay time.Duration) {
	d.scheduled[ip] = time.AfterFunc(delay, func() {
		d.post(func() { d.submit(ip) })
	})
	d.logger.Debug("scheduled indexation",
		slog.String("ip", ip),
		slog.Duration("delay", delay),
	)
}

// -------------------------------------------------------------------------
// Submission and walk pool
// -------------------------------------------------------------------------

// submit moves ip from scheduled to submitted and hands the walk to the
// pool. Fired by a schedule timer; runs on the control plane. A host that
// went offline since scheduling is dropped silently; the next sweep
// re-evaluates it.
func (d *Daemon) submit(ip string) {
	delete(d.scheduled, ip)

	if d.shouldStop {
		return
	}
	if info, ok := d.hosts[ip]; !ok || !info.Online {
		return
	}

	t := &walkTask{ip: ip}
	d.submitted[ip] = t

	d.logger.Debug("submitted indexation to pool", slog.String("ip", ip))

	d.wg.Add(1)
	go d.runTask(t)
}

// runTask executes one accepted walk on a pool slot. Before walking it
// posts the submitted→busy transition to the control plane, which
// serialises that mutation with submit and indexed.
func (d *Daemon) runTask(t *walkTask) {
	defer d.wg.Done()

	// Pool admission. The semaphore context is never cancelled: accepted
	// tasks either run or are dropped below via their cancelled flag.
	if err := d.pool.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer d.pool.Release(1)

	if t.cancelled.Load() {
		d.post(func() { delete(d.submitted, t.ip) })
		return
	}

	d.post(func() { d.markBusy(t.ip) })

	res := d.walk(t.ip)
	d.post(func() { d.indexed(res) })
}

// markBusy atomically moves ip from submitted to busy. Runs on the
// control plane.
func (d *Daemon) markBusy(ip string) {
	delete(d.submitted, ip)
	d.busy[ip] = struct{}{}
}

// walk runs one full indexation of ip on the worker goroutine and returns
// its outcome. Failures are logged here and reported as success=false;
// they never propagate further up.
func (d *Daemon) walk(ip string) walkResult {
	started := d.now()
	logger := d.logger.With(slog.String("ip", ip))
	logger.Info("starting indexation")

	// Walks are never interrupted by shutdown; background context.
	ctx := context.Background()

	sink, err := d.index.Session(ctx, ip)
	if err != nil {
		logger.Warn("cannot open index session", slog.String("error", err.Error()))
		return walkResult{ip: ip, elapsed: d.now().Sub(started)}
	}

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", d.cfg.Port))
	session := ftpwalk.NewSession(addr, d.cfg.User, d.cfg.Passwd,
		d.cfg.IndexTimeout, d.cfg.MaxIndexErrors, logger)

	walker := ftpwalk.NewWalker(ip, session, sink, logger)
	if err := walker.Walk(ctx); err != nil {
		logger.Warn("indexation failed", slog.String("error", err.Error()))
		return walkResult{ip: ip, elapsed: d.now().Sub(started)}
	}

	stat, err := d.index.Stats(ctx, ip)
	if err != nil {
		logger.Warn("cannot read index stats", slog.String("error", err.Error()))
		return walkResult{ip: ip, elapsed: d.now().Sub(started)}
	}

	return walkResult{ip: ip, success: true, stat: stat, elapsed: d.now().Sub(started)}
}

// -------------------------------------------------------------------------
// Completion
// -------------------------------------------------------------------------

// indexed handles a finished walk: updates the host record on success,
// persists the registry snapshot, frees the busy slot and schedules the
// next walk. Runs on the control plane.
func (d *Daemon) indexed(res walkResult) {
	now := d.now()

	d.metrics.WalkFinished(res.ip, res.success, res.elapsed, res.stat.FileCount, res.stat.Size)

	info, known := d.hosts[res.ip]
	if known && res.success {
		info.LastIndexed = now
		info.FileCount = res.stat.FileCount
		info.Size = res.stat.Size
		d.hosts[res.ip] = info
	}

	if err := d.registry.SetHosts(context.Background(), d.hosts); err != nil {
		d.logger.Error("persist registry snapshot failed",
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("finished indexation",
		slog.String("ip", res.ip),
		slog.Bool("success", res.success),
		slog.Int64("file_count", res.stat.FileCount),
		slog.Int64("size", res.stat.Size),
		slog.Duration("elapsed", res.elapsed),
	)

	delete(d.busy, res.ip)

	if known && info.Online && !d.shouldStop {
		d.schedule(res.ip, d.cfg.IndexInterval)
	}
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

// Stop initiates a graceful shutdown: pending timers are cancelled,
// accepted-but-not-started walks are dropped, running walks are left to
// finish, and Run returns once they have. Idempotent; safe to call from
// any goroutine, including a signal handler.
func (d *Daemon) Stop() {
	d.post(func() { d.stop() })
}

// stop performs the shutdown bookkeeping on the control plane.
func (d *Daemon) stop() {
	if d.shouldStop {
		return
	}
	d.shouldStop = true

	for ip, timer := range d.scheduled {
		timer.Stop()
		delete(d.scheduled, ip)
		d.logger.Debug("cancelled scheduled indexation", slog.String("ip", ip))
	}

	for ip, t := range d.submitted {
		t.cancelled.Store(true)
		d.logger.Debug("cancelled submitted indexation", slog.String("ip", ip))
	}

	d.logger.Info("stopping",
		slog.Int("busy", len(d.busy)),
	)
}
