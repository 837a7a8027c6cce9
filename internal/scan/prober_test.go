package scan

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFTPServer answers the greeting/USER/PASS/QUIT exchange of a probe.
// passReply is the code sent after PASS; userReply after USER.
type fakeFTPServer struct {
	greeting  string
	userReply string
	passReply string

	ln net.Listener
	wg sync.WaitGroup
}

// start listens on a loopback port and serves connections until closed.
// Returns the bound address and port.
func (f *fakeFTPServer) start(t *testing.T) (netip.Addr, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	f.ln = ln

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				f.serve(conn)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		f.wg.Wait()
	})

	addrPort := ln.Addr().(*net.TCPAddr).AddrPort()
	return addrPort.Addr(), int(addrPort.Port())
}

func (f *fakeFTPServer) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	write := func(line string) bool {
		_, err := io.WriteString(conn, line+"\r\n")
		return err == nil
	}

	if !write(f.greeting) {
		return
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, _, _ := strings.Cut(strings.TrimSpace(line), " ")

		switch strings.ToUpper(cmd) {
		case "USER":
			if !write(f.userReply) {
				return
			}
		case "PASS":
			if !write(f.passReply) {
				return
			}
		case "QUIT":
			write("221 Goodbye.")
			return
		default:
			if !write("502 Command not implemented.") {
				return
			}
		}
	}
}

func TestProbeAcceptedLogin(t *testing.T) {
	t.Parallel()

	srv := &fakeFTPServer{
		greeting:  "220 Welcome",
		userReply: "331 Password required",
		passReply: "230 Logged in",
	}
	addr, port := srv.start(t)

	p := NewProber(port, "anonymous", "anonymous@", 2*time.Second, discardLogger())
	if !p.Probe(context.Background(), addr) {
		t.Error("Probe() = false, want true")
	}
}

func TestProbeUserOnlyLogin(t *testing.T) {
	t.Parallel()

	srv := &fakeFTPServer{
		greeting:  "220 Welcome",
		userReply: "230 Logged in, no password needed",
		passReply: "503 Bad sequence",
	}
	addr, port := srv.start(t)

	p := NewProber(port, "anonymous", "anonymous@", 2*time.Second, discardLogger())
	if !p.Probe(context.Background(), addr) {
		t.Error("Probe() = false, want true")
	}
}

func TestProbeRejectedLogin(t *testing.T) {
	t.Parallel()

	srv := &fakeFTPServer{
		greeting:  "220 Welcome",
		userReply: "331 Password required",
		passReply: "530 Login incorrect",
	}
	addr, port := srv.start(t)

	p := NewProber(port, "anonymous", "wrong", 2*time.Second, discardLogger())
	if p.Probe(context.Background(), addr) {
		t.Error("Probe() = true, want false")
	}
}

func TestProbeHostileGreeting(t *testing.T) {
	t.Parallel()

	srv := &fakeFTPServer{
		greeting:  "554 Go away",
		userReply: "554 Go away",
		passReply: "554 Go away",
	}
	addr, port := srv.start(t)

	p := NewProber(port, "anonymous", "anonymous@", 2*time.Second, discardLogger())
	if p.Probe(context.Background(), addr) {
		t.Error("Probe() = true, want false")
	}
}

func TestProbeMultilineGreeting(t *testing.T) {
	t.Parallel()

	srv := &fakeFTPServer{
		greeting:  "220-Welcome to the archive.\r\n220-No warranty.\r\n220 Proceed.",
		userReply: "331 Password required",
		passReply: "230 Logged in",
	}
	addr, port := srv.start(t)

	p := NewProber(port, "anonymous", "anonymous@", 2*time.Second, discardLogger())
	if !p.Probe(context.Background(), addr) {
		t.Error("Probe() = false, want true")
	}
}

func TestProbeSilentServerTimesOut(t *testing.T) {
	t.Parallel()

	// Accepts the connection and never sends a byte.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	addrPort := ln.Addr().(*net.TCPAddr).AddrPort()
	timeout := 200 * time.Millisecond
	p := NewProber(int(addrPort.Port()), "anonymous", "anonymous@", timeout, discardLogger())

	start := time.Now()
	ok := p.Probe(context.Background(), addrPort.Addr())
	elapsed := time.Since(start)

	if ok {
		t.Error("Probe() = true against a silent server, want false")
	}
	if limit := timeout + time.Second; elapsed > limit {
		t.Errorf("Probe() took %v, want under %v", elapsed, limit)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	t.Parallel()

	// Bind then close to get a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	p := NewProber(port, "anonymous", "anonymous@", time.Second, discardLogger())
	if p.Probe(context.Background(), netip.MustParseAddr("127.0.0.1")) {
		t.Error("Probe() = true, want false")
	}
}

func TestProbeCancelledContext(t *testing.T) {
	t.Parallel()

	srv := &fakeFTPServer{
		greeting:  "220 Welcome",
		userReply: "331 Password required",
		passReply: "230 Logged in",
	}
	addr, port := srv.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProber(port, "anonymous", "anonymous@", 2*time.Second, discardLogger())
	if p.Probe(ctx, addr) {
		t.Error("Probe() = true with cancelled context, want false")
	}
}
