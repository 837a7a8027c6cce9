package ftpwalk

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jlaffaye/ftp"

	"github.com/porygon-dev/porygon/internal/store"
)

// Lister is the directory enumeration surface the walker needs from a
// session.
type Lister interface {
	List(ctx context.Context, dir string) (files []ftp.Entry, dirs []string, err error)
	Close()
}

// Walker enumerates the whole directory tree of one host and streams the
// discovered files into an index sink.
type Walker struct {
	ip      string
	session Lister
	sink    store.IndexSink
	logger  *slog.Logger
}

// NewWalker creates a Walker over the given session, writing to sink.
// The Walker takes ownership of both: Walk closes the session and either
// commits or rolls back the sink on every exit path.
func NewWalker(ip string, session Lister, sink store.IndexSink, logger *slog.Logger) *Walker {
	return &Walker{
		ip:      ip,
		session: session,
		sink:    sink,
		logger: logger.With(
			slog.String("component", "ftpwalk.walker"),
			slog.String("ip", ip),
		),
	}
}

// Walk runs a breadth-first enumeration from the FTP root, batching each
// directory's files into the sink. The sink is committed only when the
// worklist drains cleanly; any fatal error discards the pending snapshot
// and leaves the previous one visible.
//
// Directories rejected with a permanent reply are skipped; entries whose
// path or name fails to decode are dropped with a log line.
func (w *Walker) Walk(ctx context.Context) (err error) {
	defer w.session.Close()
	defer func() {
		if err != nil {
			_ = w.sink.Rollback()
		}
	}()

	todo := []string{""}

	for len(todo) > 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		dir := todo[0]
		todo = todo[1:]

		files, dirs, err := w.session.List(ctx, dir)
		if err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				w.logger.Debug("directory denied, skipping",
					slog.String("path", dir),
				)
				continue
			}
			return err
		}

		todo = append(todo, dirs...)

		batch := w.decodeBatch(dir, files)
		if len(batch) == 0 {
			continue
		}
		if err := w.sink.Append(ctx, batch); err != nil {
			return err
		}
	}

	return w.sink.Commit(ctx)
}

// decodeBatch converts one directory's file entries into records,
// dropping entries whose path or name fails to decode.
func (w *Walker) decodeBatch(dir string, files []ftp.Entry) []store.FileRecord {
	batch := make([]store.FileRecord, 0, len(files))

	decodedDir, dirErr := decodeWireString(dir)

	for _, f := range files {
		if dirErr != nil {
			w.logger.Warn("bad encoding, dropping entry",
				slog.String("path", dir),
				slog.String("error", dirErr.Error()),
			)
			continue
		}
		name, err := decodeWireString(f.Name)
		if err != nil {
			w.logger.Warn("bad encoding, dropping entry",
				slog.String("path", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		batch = append(batch, store.FileRecord{
			Path: decodedDir,
			Name: name,
			IP:   w.ip,
			Size: int64(f.Size),
		})
	}

	return batch
}
