package ftpwalk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// fakeWalkServer speaks enough FTP for the session to log in and list
// directories: login, FEAT advertising MLST, passive data connections and
// scripted MLSD replies per directory.
type fakeWalkServer struct {
	// listings maps directory paths to MLSD lines; directories absent
	// from the map are rejected with a 550 reply.
	listings map[string][]string

	ln net.Listener
	wg sync.WaitGroup
}

// start listens on a loopback port and serves connections until closed.
func (f *fakeWalkServer) start(t *testing.T) string {
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

	return ln.Addr().String()
}

func (f *fakeWalkServer) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	write := func(line string) bool {
		_, err := io.WriteString(conn, line+"\r\n")
		return err == nil
	}

	if !write("220 Ready.") {
		return
	}

	var data net.Listener
	defer func() {
		if data != nil {
			_ = data.Close()
		}
	}()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")

		switch strings.ToUpper(cmd) {
		case "USER":
			if !write("331 Password required.") {
				return
			}
		case "PASS":
			if !write("230 Logged in.") {
				return
			}
		case "FEAT":
			if !write("211-Features:\r\n MLST type*;size*;modify*;\r\n211 End") {
				return
			}
		case "TYPE":
			if !write("200 Type set.") {
				return
			}
		case "EPSV":
			if data != nil {
				_ = data.Close()
			}
			var lnErr error
			data, lnErr = net.Listen("tcp", "127.0.0.1:0")
			if lnErr != nil {
				write("425 Cannot open data connection.")
				return
			}
			port := data.Addr().(*net.TCPAddr).Port
			if !write(fmt.Sprintf("229 Entering Extended Passive Mode (|||%d|)", port)) {
				return
			}
		case "MLSD":
			lines, ok := f.listings[arg]
			if !ok {
				if !write("550 Permission denied.") {
					return
				}
				continue
			}
			if data == nil {
				if !write("425 Use EPSV first.") {
					return
				}
				continue
			}
			if !write("150 Opening data connection.") {
				return
			}
			dc, acceptErr := data.Accept()
			if acceptErr != nil {
				return
			}
			for _, l := range lines {
				if _, err := io.WriteString(dc, l+"\r\n"); err != nil {
					break
				}
			}
			_ = dc.Close()
			_ = data.Close()
			data = nil
			if !write("226 Transfer complete.") {
				return
			}
		case "QUIT":
			write("221 Goodbye.")
			return
		default:
			if !write("202 Ignored.") {
				return
			}
		}
	}
}

func TestListExhaustsErrorBudget(t *testing.T) {
	t.Parallel()

	addr := deadAddr(t)
	s := NewSession(addr, "anonymous", "anonymous@", time.Second, 2, discardLogger())
	defer s.Close()

	_, _, err := s.List(context.Background(), "")
	if !errors.Is(err, ErrTooManyErrors) {
		t.Fatalf("List() error = %v, want ErrTooManyErrors", err)
	}
}

func TestListZeroBudgetFailsFirstError(t *testing.T) {
	t.Parallel()

	addr := deadAddr(t)
	s := NewSession(addr, "anonymous", "anonymous@", time.Second, 0, discardLogger())
	defer s.Close()

	_, _, err := s.List(context.Background(), "")
	if !errors.Is(err, ErrTooManyErrors) {
		t.Fatalf("List() error = %v, want ErrTooManyErrors", err)
	}
}

func TestListCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession(deadAddr(t), "anonymous", "anonymous@", time.Second, 10, discardLogger())
	defer s.Close()

	_, _, err := s.List(ctx, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("List() error = %v, want context.Canceled", err)
	}
}

func TestListFirstRejectionMeansNoListingSupport(t *testing.T) {
	t.Parallel()

	// Every MLSD is rejected, including the very first one.
	srv := &fakeWalkServer{listings: map[string][]string{}}
	addr := srv.start(t)

	s := NewSession(addr, "anonymous", "anonymous@", 2*time.Second, 3, discardLogger())
	defer s.Close()

	_, _, err := s.List(context.Background(), "")
	if !errors.Is(err, ErrListingNotSupported) {
		t.Fatalf("List() error = %v, want ErrListingNotSupported", err)
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Errorf("List() error classified as ErrPermissionDenied too: %v", err)
	}
}

func TestListLaterRejectionMeansPermissionDenied(t *testing.T) {
	t.Parallel()

	// The root lists fine; the subdirectory is rejected.
	srv := &fakeWalkServer{listings: map[string][]string{
		"": {
			"type=dir;modify=20240101120000; music",
			"type=file;size=42;modify=20240101120000; readme.txt",
		},
	}}
	addr := srv.start(t)

	s := NewSession(addr, "anonymous", "anonymous@", 2*time.Second, 3, discardLogger())
	defer s.Close()

	files, dirs, err := s.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List(root) error: %v", err)
	}
	if len(files) != 1 || files[0].Name != "readme.txt" || files[0].Size != 42 {
		t.Errorf("List(root) files = %+v, want [readme.txt size 42]", files)
	}
	if len(dirs) != 1 || dirs[0] != "music" {
		t.Errorf("List(root) dirs = %v, want [music]", dirs)
	}

	_, _, err = s.List(context.Background(), "music")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("List(music) error = %v, want ErrPermissionDenied", err)
	}
}

func TestListAttemptsBoundedByBudget(t *testing.T) {
	t.Parallel()

	// Accepts and immediately drops every connection, counting accepts.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var (
		accepts atomic.Int32
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			_ = conn.Close()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	const budget = 3
	s := NewSession(ln.Addr().String(), "anonymous", "anonymous@", time.Second, budget, discardLogger())
	defer s.Close()

	_, _, err = s.List(context.Background(), "")
	if !errors.Is(err, ErrTooManyErrors) {
		t.Fatalf("List() error = %v, want ErrTooManyErrors", err)
	}

	// Each transient failure consumes one connection attempt; the budget
	// allows exactly budget+1 in total.
	if got := accepts.Load(); got != budget+1 {
		t.Errorf("connection attempts = %d, want %d", got, budget+1)
	}
}

func TestFailConsumesBudget(t *testing.T) {
	t.Parallel()

	s := NewSession("127.0.0.1:21", "u", "p", time.Second, 2, discardLogger())
	cause := errors.New("broken reply")

	if err := s.fail(cause); err != nil {
		t.Fatalf("fail() #1 error = %v, want nil", err)
	}
	if err := s.fail(cause); err != nil {
		t.Fatalf("fail() #2 error = %v, want nil", err)
	}

	err := s.fail(cause)
	if !errors.Is(err, ErrTooManyErrors) {
		t.Fatalf("fail() #3 error = %v, want ErrTooManyErrors", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("fail() #3 does not wrap the cause: %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("timeout"), false},
		{"450 transient reply", &textproto.Error{Code: 450, Msg: "busy"}, false},
		{"550 permanent reply", &textproto.Error{Code: 550, Msg: "denied"}, true},
		{"501 permanent reply", &textproto.Error{Code: 501, Msg: "bad args"}, true},
		{"wrapped 550", errorsJoin(&textproto.Error{Code: 550, Msg: "denied"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isPermanent(tt.err); got != tt.want {
				t.Errorf("isPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func errorsJoin(err error) error {
	return errors.Join(errors.New("list failed"), err)
}
