// Package ftpwalk implements the indexation side of the daemon: an FTP
// session with a bounded error budget, and a walker that enumerates a
// host's directory tree into an index sink.
package ftpwalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// Fatal walk errors.
var (
	// ErrTooManyErrors indicates the session's transient-error budget is
	// exhausted; the walk aborts.
	ErrTooManyErrors = errors.New("too many FTP errors")

	// ErrListingNotSupported indicates the very first listing of the
	// session was rejected permanently: the server cannot be walked with
	// the machine-readable listing dialect.
	ErrListingNotSupported = errors.New("server does not support machine-readable listings")
)

// ErrPermissionDenied indicates a permanent rejection of a listing after
// the session has already listed successfully. The walker skips the
// directory; the error budget is not consumed.
var ErrPermissionDenied = errors.New("listing permission denied")

// Session is an FTP session with lazy connect/login and a transient-error
// budget. Each transient failure (timeout, broken reply, unexpected close)
// consumes one unit of the budget, tears the connection down, and the
// failed operation is retried on a fresh connection. When the budget is
// exhausted the next failure is fatal.
type Session struct {
	addr    string
	user    string
	passwd  string
	timeout time.Duration

	errorsLeft int
	listed     bool // at least one listing succeeded on this session
	conn       *ftp.ServerConn

	logger *slog.Logger
}

// NewSession creates a Session for addr ("ip:port"). No connection is made
// until the first operation. maxErrors is the transient-error budget.
func NewSession(addr, user, passwd string, timeout time.Duration, maxErrors int, logger *slog.Logger) *Session {
	return &Session{
		addr:       addr,
		user:       user,
		passwd:     passwd,
		timeout:    timeout,
		errorsLeft: maxErrors,
		logger:     logger.With(slog.String("component", "ftpwalk.session")),
	}
}

// List lists the directory at dir and partitions the entries into files
// and subdirectories. Entries whose name starts with a dot are skipped.
// Directory paths are returned joined onto dir.
//
// Transient failures are retried against the error budget. Permanent
// rejections surface as ErrPermissionDenied, or ErrListingNotSupported
// when no listing has succeeded on this session yet.
func (s *Session) List(ctx context.Context, dir string) (files []ftp.Entry, dirs []string, err error) {
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			return nil, nil, err
		}

		entries, err := conn.List(dir)
		if err != nil {
			if isPermanent(err) {
				if !s.listed {
					return nil, nil, fmt.Errorf("first listing of %q: %w", dir, ErrListingNotSupported)
				}
				return nil, nil, fmt.Errorf("list %q: %w", dir, ErrPermissionDenied)
			}
			if fErr := s.fail(err); fErr != nil {
				return nil, nil, fErr
			}
			continue
		}

		s.listed = true
		files, dirs = partition(dir, entries)
		return files, dirs, nil
	}
}

// Close sends QUIT and releases the control connection, if any.
func (s *Session) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Quit(); err != nil {
		s.logger.Debug("error on QUIT", slog.String("error", err.Error()))
	}
	s.conn = nil
}

// connect returns the live control connection, dialing and logging in
// lazily. Connection failures consume the error budget like any other
// transient error.
func (s *Session) connect(ctx context.Context) (*ftp.ServerConn, error) {
	for {
		if s.conn != nil {
			return s.conn, nil
		}

		conn, err := ftp.Dial(s.addr,
			ftp.DialWithContext(ctx),
			ftp.DialWithTimeout(s.timeout),
		)
		if err == nil {
			if err = conn.Login(s.user, s.passwd); err != nil {
				_ = conn.Quit()
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if fErr := s.fail(err); fErr != nil {
				return nil, fErr
			}
			continue
		}

		s.conn = conn
		return s.conn, nil
	}
}

// fail records a transient error: tears down the connection and consumes
// one unit of the budget. Returns ErrTooManyErrors (wrapping cause) when
// the budget was already exhausted.
func (s *Session) fail(cause error) error {
	if s.errorsLeft == 0 {
		return fmt.Errorf("%w: %w", ErrTooManyErrors, cause)
	}

	s.logger.Warn("FTP error, reconnecting",
		slog.Int("errors_left", s.errorsLeft),
		slog.String("error", cause.Error()),
	)

	if s.conn != nil {
		if err := s.conn.Quit(); err != nil {
			s.logger.Debug("error on QUIT", slog.String("error", err.Error()))
		}
		s.conn = nil
	}

	s.errorsLeft--
	return nil
}

// isPermanent reports whether err is a permanent (5xx) FTP protocol reply.
func isPermanent(err error) bool {
	var proto *textproto.Error
	return errors.As(err, &proto) && proto.Code >= 500 && proto.Code < 600
}

// partition splits a listing into file entries and subdirectory paths,
// skipping dot entries.
func partition(dir string, entries []*ftp.Entry) ([]ftp.Entry, []string) {
	var (
		files []ftp.Entry
		dirs  []string
	)

	for _, e := range entries {
		if e == nil || e.Name == "" || strings.HasPrefix(e.Name, ".") {
			continue
		}
		switch e.Type {
		case ftp.EntryTypeFile:
			files = append(files, *e)
		case ftp.EntryTypeFolder:
			dirs = append(dirs, path.Join(dir, e.Name))
		}
	}

	return files, dirs
}
