package daemon_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/porygon-dev/porygon/internal/daemon"
	"github.com/porygon-dev/porygon/internal/scan"
	"github.com/porygon-dev/porygon/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// deadPort returns a loopback port nothing listens on, so every walk fails
// its FTP dial immediately.
func deadPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// fakeSweeper serves scripted sweep results, one per call; the last result
// repeats once the script runs out.
type fakeSweeper struct {
	mu      sync.Mutex
	results [][]scan.Host
	calls   int
}

func (f *fakeSweeper) Scan(context.Context, netip.Prefix) ([]scan.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

func (f *fakeSweeper) scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore is an in-memory store.Store recording registry snapshots and
// index activity.
type fakeStore struct {
	mu        sync.Mutex
	hosts     map[string]store.HostInfo
	snapshots int
	pruned    [][]string
	sessions  []string
	commits   []string
	rollbacks []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{hosts: make(map[string]store.HostInfo)}
}

func (f *fakeStore) ScanRegistry() store.ScanRegistry { return (*fakeRegistry)(f) }
func (f *fakeStore) FileIndex() store.FileIndex       { return (*fakeIndex)(f) }
func (f *fakeStore) Close() error                     { return nil }

func (f *fakeStore) registrySnapshot() (map[string]store.HostInfo, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]store.HostInfo, len(f.hosts))
	for ip, info := range f.hosts {
		out[ip] = info
	}
	return out, f.snapshots
}

func (f *fakeStore) activity() (sessions, commits, rollbacks []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...),
		append([]string(nil), f.commits...),
		append([]string(nil), f.rollbacks...)
}

type fakeRegistry fakeStore

func (f *fakeRegistry) SetHosts(_ context.Context, hosts map[string]store.HostInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hosts = make(map[string]store.HostInfo, len(hosts))
	for ip, info := range hosts {
		f.hosts[ip] = info
	}
	f.snapshots++
	return nil
}

func (f *fakeRegistry) GetHosts(context.Context) (map[string]store.HostInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]store.HostInfo, len(f.hosts))
	for ip, info := range f.hosts {
		out[ip] = info
	}
	return out, nil
}

type fakeIndex fakeStore

func (f *fakeIndex) Session(_ context.Context, ip string) (store.IndexSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessions = append(f.sessions, ip)
	return &fakeSink{owner: (*fakeStore)(f), ip: ip}, nil
}

func (f *fakeIndex) Prune(_ context.Context, keep []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pruned = append(f.pruned, append([]string(nil), keep...))
	return nil
}

func (f *fakeIndex) Search(context.Context, []string, []string, int) ([]store.FileRecord, error) {
	return nil, nil
}

func (f *fakeIndex) Stats(context.Context, string) (store.Stat, error) {
	return store.Stat{}, nil
}

type fakeSink struct {
	owner *fakeStore
	ip    string
}

func (s *fakeSink) Append(context.Context, []store.FileRecord) error { return nil }

func (s *fakeSink) Commit(context.Context) error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.commits = append(s.owner.commits, s.ip)
	return nil
}

func (s *fakeSink) Rollback() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.rollbacks = append(s.owner.rollbacks, s.ip)
	return nil
}

// scanReport is one recorded ScanFinished call.
type scanReport struct {
	online int
	known  int
}

// fakeReporter records the daemon's metric hooks.
type fakeReporter struct {
	mu    sync.Mutex
	scans []scanReport
}

func (f *fakeReporter) ScanFinished(_ time.Duration, online, known int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, scanReport{online: online, known: known})
}

func (f *fakeReporter) WalkFinished(string, bool, time.Duration, int64, int64) {}

func (f *fakeReporter) scanReports() []scanReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scanReport(nil), f.scans...)
}

// testConfig returns a daemon config with tight cadence and a dead FTP
// port, so walks fail fast and sweeps repeat quickly.
func testConfig(t *testing.T) daemon.Config {
	t.Helper()

	return daemon.Config{
		Port:           deadPort(t),
		User:           "anonymous",
		Passwd:         "anonymous@",
		Network:        netip.MustParsePrefix("127.0.0.0/30"),
		ScanInterval:   20 * time.Millisecond,
		OfflineDelay:   time.Hour,
		IndexInterval:  time.Hour,
		IndexTimeout:   time.Second,
		MaxIndexTasks:  2,
		MaxIndexErrors: 0,
	}
}

// runDaemon starts d.Run on its own goroutine and returns a wait func.
func runDaemon(t *testing.T, d *daemon.Daemon, ctx context.Context) func() {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	return func() {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("Run() did not return")
		}
	}
}

// eventually polls cond until it holds or the deadline expires.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

func TestRunPersistsSweepResult(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{
		{{IP: "127.0.0.1", Name: "loopback"}},
	}}
	st := newFakeStore()
	d := daemon.New(testConfig(t), sweeper, st, discardLogger())

	wait := runDaemon(t, d, context.Background())

	eventually(t, "registry snapshot persisted", func() bool {
		hosts, n := st.registrySnapshot()
		_, ok := hosts["127.0.0.1"]
		return n > 0 && ok
	})

	hosts, _ := st.registrySnapshot()
	info := hosts["127.0.0.1"]
	if !info.Online {
		t.Error("host not marked online")
	}
	if info.Name != "loopback" {
		t.Errorf("host name = %q, want %q", info.Name, "loopback")
	}
	if info.LastOnline.IsZero() {
		t.Error("LastOnline not set")
	}
	if info.Indexed() {
		t.Error("host marked indexed before any successful walk")
	}

	d.Stop()
	wait()

	// After Run returns the in-memory registry matches the persisted one.
	hosts, _ = st.registrySnapshot()
	mem := d.Hosts()
	if len(mem) != len(hosts) {
		t.Errorf("in-memory registry has %d hosts, persisted has %d", len(mem), len(hosts))
	}
	if mem["127.0.0.1"].Name != "loopback" {
		t.Errorf("in-memory host name = %q, want %q", mem["127.0.0.1"].Name, "loopback")
	}
}

func TestScanReportCountsReconciledRegistry(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{
		{{IP: "127.0.0.1", Name: "loopback"}},
	}}
	st := newFakeStore()
	rep := &fakeReporter{}
	d := daemon.New(testConfig(t), sweeper, st, discardLogger(), daemon.WithReporter(rep))

	wait := runDaemon(t, d, context.Background())

	eventually(t, "sweep reported", func() bool {
		return len(rep.scanReports()) > 0
	})

	// The very first report already counts the host discovered by that
	// sweep: the known count is taken after reconciliation.
	first := rep.scanReports()[0]
	if first.online != 1 {
		t.Errorf("first report online = %d, want 1", first.online)
	}
	if first.known != 1 {
		t.Errorf("first report known = %d, want 1", first.known)
	}

	d.Stop()
	wait()
}

func TestFailedWalkRollsBackAndStaysUnindexed(t *testing.T) {
	t.Parallel()

	// The configured FTP port is dead, so every walk fails on dial with a
	// zero error budget.
	sweeper := &fakeSweeper{results: [][]scan.Host{
		{{IP: "127.0.0.1", Name: "loopback"}},
	}}
	st := newFakeStore()
	d := daemon.New(testConfig(t), sweeper, st, discardLogger())

	wait := runDaemon(t, d, context.Background())

	eventually(t, "walk attempted and rolled back", func() bool {
		_, _, rollbacks := st.activity()
		return len(rollbacks) > 0
	})

	_, commits, _ := st.activity()
	if len(commits) != 0 {
		t.Errorf("failed walks committed: %v", commits)
	}

	hosts, _ := st.registrySnapshot()
	if hosts["127.0.0.1"].Indexed() {
		t.Error("host marked indexed after failed walk")
	}

	d.Stop()
	wait()
}

func TestWalkAttemptedOncePerInterval(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{
		{{IP: "127.0.0.1", Name: "loopback"}},
	}}
	st := newFakeStore()
	d := daemon.New(testConfig(t), sweeper, st, discardLogger())

	wait := runDaemon(t, d, context.Background())

	eventually(t, "first walk attempted", func() bool {
		sessions, _, _ := st.activity()
		return len(sessions) > 0
	})

	// Let several sweeps go by. The failed walk reschedules a full
	// IndexInterval (an hour) out, so no second attempt may start.
	eventually(t, "several sweeps ran", func() bool {
		return sweeper.scans() >= 3
	})

	sessions, _, _ := st.activity()
	if len(sessions) != 1 {
		t.Errorf("walk attempted %d times, want 1", len(sessions))
	}

	d.Stop()
	wait()
}

func TestOfflineHostEvicted(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{
		{{IP: "127.0.0.1", Name: "loopback"}},
		{}, // gone from the second sweep on
	}}
	st := newFakeStore()

	// A clock far in the future makes any offline host immediately older
	// than the grace period.
	var clockMu sync.Mutex
	offset := time.Duration(0)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return time.Now().Add(offset)
	}

	cfg := testConfig(t)
	d := daemon.New(cfg, sweeper, st, discardLogger(), daemon.WithClock(clock))

	wait := runDaemon(t, d, context.Background())

	eventually(t, "host discovered", func() bool {
		hosts, _ := st.registrySnapshot()
		_, ok := hosts["127.0.0.1"]
		return ok
	})

	clockMu.Lock()
	offset = cfg.OfflineDelay + time.Minute
	clockMu.Unlock()

	eventually(t, "host evicted", func() bool {
		hosts, _ := st.registrySnapshot()
		_, ok := hosts["127.0.0.1"]
		return !ok
	})

	d.Stop()
	wait()
}

func TestOfflineHostSurvivesGracePeriod(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{
		{{IP: "127.0.0.1", Name: "loopback"}},
		{},
	}}
	st := newFakeStore()
	d := daemon.New(testConfig(t), sweeper, st, discardLogger())

	wait := runDaemon(t, d, context.Background())

	eventually(t, "host flipped offline", func() bool {
		hosts, _ := st.registrySnapshot()
		info, ok := hosts["127.0.0.1"]
		return ok && !info.Online
	})

	// Still known: the hour-long grace period has not passed.
	hosts, _ := st.registrySnapshot()
	if _, ok := hosts["127.0.0.1"]; !ok {
		t.Error("host evicted before the grace period")
	}

	d.Stop()
	wait()
}

func TestPruneKeepsKnownHosts(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{
		{{IP: "127.0.0.1", Name: "loopback"}},
	}}
	st := newFakeStore()
	d := daemon.New(testConfig(t), sweeper, st, discardLogger())

	wait := runDaemon(t, d, context.Background())

	eventually(t, "index pruned", func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.pruned) > 0
	})

	st.mu.Lock()
	keep := st.pruned[0]
	st.mu.Unlock()

	if len(keep) != 1 || keep[0] != "127.0.0.1" {
		t.Errorf("Prune keep = %v, want [127.0.0.1]", keep)
	}

	d.Stop()
	wait()
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{{}}}
	st := newFakeStore()
	d := daemon.New(testConfig(t), sweeper, st, discardLogger())

	wait := runDaemon(t, d, context.Background())

	eventually(t, "first sweep ran", func() bool {
		return sweeper.scans() >= 1
	})

	d.Stop()
	d.Stop()
	d.Stop()
	wait()
}

func TestContextCancellationStops(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{{}}}
	st := newFakeStore()
	d := daemon.New(testConfig(t), sweeper, st, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	wait := runDaemon(t, d, ctx)

	eventually(t, "first sweep ran", func() bool {
		return sweeper.scans() >= 1
	})

	cancel()
	wait()
}

func TestShutdownWaitsForInFlightWalks(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{results: [][]scan.Host{
		{{IP: "127.0.0.1", Name: "loopback"}},
	}}
	st := newFakeStore()
	d := daemon.New(testConfig(t), sweeper, st, discardLogger())

	wait := runDaemon(t, d, context.Background())

	eventually(t, "walk attempted", func() bool {
		sessions, _, _ := st.activity()
		return len(sessions) > 0
	})

	d.Stop()
	wait()

	// Every opened session must be resolved by the time Run returns.
	sessions, commits, rollbacks := st.activity()
	if len(sessions) != len(commits)+len(rollbacks) {
		t.Errorf("sessions = %d, resolved = %d (commits %d, rollbacks %d)",
			len(sessions), len(commits)+len(rollbacks), len(commits), len(rollbacks))
	}
}
