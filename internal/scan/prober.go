// Package scan implements the network sweep: a login probe of a single
// address and a whole-CIDR scanner that runs probes under a bounded
// concurrency budget.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/textproto"
	"time"
)

// FTP reply codes the prober distinguishes.
const (
	codeLoggedIn     = 230 // login accepted
	codeNeedPassword = 331 // USER ok, PASS required
	codeNeedAccount  = 332 // USER ok, ACCT required (treated like PASS prompt)
)

// quitGrace bounds the final QUIT write. The probe verdict is already
// known by then; the QUIT is a courtesy to the server and must not stall
// the sweep.
const quitGrace = 2 * time.Second

// Prober performs a single-host FTP login probe.
type Prober struct {
	port    int
	user    string
	passwd  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber creates a Prober. timeout bounds the whole probe, from dial to
// the final login reply.
func NewProber(port int, user, passwd string, timeout time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		port:    port,
		user:    user,
		passwd:  passwd,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "scan.prober")),
	}
}

// Probe attempts an FTP login against ip and reports whether it succeeded.
//
// The probe is true iff a 230 reply is observed after USER/PASS. Any 5xx
// reply, connection refusal, timeout or context cancellation yields false.
// A QUIT is sent and the socket closed on every exit path.
func (p *Prober) Probe(ctx context.Context, ip netip.Addr) bool {
	addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", p.port))

	// One deadline bounds the whole probe: the dial and the greeting, USER
	// and PASS round trips share it.
	deadline := time.Now().Add(p.timeout)

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}

	// Cancellation closes the socket to unblock any pending read.
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	tc := textproto.NewConn(conn)
	ok := p.login(tc)

	// Courtesy QUIT, best effort, then close. The reply is not awaited so
	// an unresponsive server cannot hold the probe past its deadline.
	_ = conn.SetDeadline(time.Now().Add(quitGrace))
	_ = tc.PrintfLine("QUIT")
	_ = tc.Close()

	return ok
}

// login drives the greeting/USER/PASS exchange on an open control
// connection and reports whether a 230 reply was observed.
func (p *Prober) login(tc *textproto.Conn) bool {
	// Greeting. Multiline replies (4th column '-') are consumed by
	// ReadResponse until the terminating "NNN " line.
	code, _, err := tc.ReadResponse(0)
	if err != nil || code >= 500 {
		return false
	}

	if err := tc.PrintfLine("USER %s", p.user); err != nil {
		return false
	}

	code, _, err = tc.ReadResponse(0)
	switch {
	case err != nil:
		return false
	case code == codeLoggedIn:
		return true
	case code == codeNeedPassword || code == codeNeedAccount:
		// fall through to PASS
	default:
		return false
	}

	if err := tc.PrintfLine("PASS %s", p.passwd); err != nil {
		return false
	}

	code, _, err = tc.ReadResponse(0)
	return err == nil && code == codeLoggedIn
}
