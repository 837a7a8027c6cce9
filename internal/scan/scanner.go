package scan

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/porygon-dev/porygon/internal/gate"
)

// Host is one live FTP server found by a sweep.
type Host struct {
	// IP is the probed IPv4 address.
	IP string
	// Name is the reverse-DNS name, or the raw address when resolution failed.
	Name string
}

// Scanner sweeps an IPv4 network for FTP servers accepting the configured
// login, running at most maxTasks probes concurrently.
type Scanner struct {
	prober   *Prober
	maxTasks int
	resolver *net.Resolver
	logger   *slog.Logger
}

// NewScanner creates a Scanner around the given prober.
func NewScanner(prober *Prober, maxTasks int, logger *slog.Logger) *Scanner {
	return &Scanner{
		prober:   prober,
		maxTasks: maxTasks,
		resolver: net.DefaultResolver,
		logger:   logger.With(slog.String("component", "scan.scanner")),
	}
}

// Scan probes every host address of network and returns the set of live
// hosts with their reverse names. The result carries no ordering guarantee.
//
// Individual probe failures never fail the sweep. The returned error is
// non-nil only when ctx was cancelled before the sweep could finish; the
// hosts collected so far are still returned.
func (s *Scanner) Scan(ctx context.Context, network netip.Prefix) ([]Host, error) {
	g := gate.New(s.maxTasks)

	var (
		mu    sync.Mutex
		alive []Host
	)

	started := time.Now()
	launched := 0

	for addr := range hostAddrs(network) {
		if err := g.Acquire(ctx); err != nil {
			// Cancelled mid-launch. Outstanding probes observe the same
			// context and wind down; wait for them so every permit is
			// released exactly once.
			_ = g.Join(context.Background())
			return alive, err
		}
		launched++

		go func(ip netip.Addr) {
			defer g.Release()

			if !s.prober.Probe(ctx, ip) {
				return
			}

			host := Host{IP: ip.String(), Name: s.reverseName(ctx, ip)}
			mu.Lock()
			alive = append(alive, host)
			mu.Unlock()
		}(addr)
	}

	if err := g.Join(ctx); err != nil {
		_ = g.Join(context.Background())
		return alive, err
	}

	s.logger.Info("sweep finished",
		slog.String("network", network.String()),
		slog.Int("probed", launched),
		slog.Int("alive", len(alive)),
		slog.Duration("elapsed", time.Since(started)),
	)

	return alive, nil
}

// reverseName resolves the PTR record of ip, falling back to the raw
// address when resolution fails or yields nothing.
func (s *Scanner) reverseName(ctx context.Context, ip netip.Addr) string {
	names, err := s.resolver.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		s.logger.Debug("reverse lookup failed, using raw address",
			slog.String("ip", ip.String()),
		)
		return ip.String()
	}
	return strings.TrimSuffix(names[0], ".")
}

// hostAddrs yields the host addresses of an IPv4 prefix, excluding the
// network and broadcast addresses. A /31 yields both addresses and a /32
// yields the single address.
func hostAddrs(network netip.Prefix) func(yield func(netip.Addr) bool) {
	return func(yield func(netip.Addr) bool) {
		first := network.Masked().Addr()

		if network.Bits() >= 31 {
			for addr := first; network.Contains(addr); addr = addr.Next() {
				if !yield(addr) {
					return
				}
			}
			return
		}

		// Skip the network address; stop before the broadcast address.
		for addr := first.Next(); network.Contains(addr.Next()); addr = addr.Next() {
			if !yield(addr) {
				return
			}
		}
	}
}
