// Package sqlite implements the store interfaces on two SQLite database
// files: a plain hosts table for the scan registry and an FTS5 virtual
// table for the file index.
//
// Uses the pure-Go modernc.org/sqlite driver. The index database runs in
// WAL journal mode so the search frontend can read while a walk commits.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/porygon-dev/porygon/internal/store"
)

// driverName is the database/sql driver registered by modernc.org/sqlite.
const driverName = "sqlite"

// busyTimeout is the SQLite busy handler timeout. Concurrent walk commits
// contend for the single write lock of the index database; five seconds
// covers the largest snapshot transactions observed in practice.
const busyTimeout = 5 * time.Second

// Schema statements.
const (
	createHostsTable = `create table if not exists hosts (
		ip text primary key on conflict replace,
		name text,
		online integer not null default 0,
		last_online text not null,
		last_indexed text,
		file_count integer,
		size integer)`

	// unicode61 with remove_diacritics gives the case-insensitive,
	// accent-folded, full-word tokenisation the search contract asks for.
	// ip and size are stored but not tokenised.
	createFilesTable = `create virtual table if not exists files using fts5(
		path, name, ip unindexed, size unindexed,
		tokenize = 'unicode61 remove_diacritics 2')`
)

// ErrClosed indicates an operation on a closed store.
var ErrClosed = errors.New("sqlite store is closed")

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

// Store is the SQLite-backed implementation of store.Store.
type Store struct {
	scanDB  *sql.DB
	indexDB *sql.DB

	registry *scanRegistry
	index    *fileIndex
}

// Open opens (creating if necessary) the registry database at scanPath and
// the index database at indexPath, and applies the schema.
func Open(ctx context.Context, scanPath, indexPath string) (*Store, error) {
	scanDB, err := openDB(ctx, scanPath, createHostsTable)
	if err != nil {
		return nil, fmt.Errorf("open scan database %s: %w", scanPath, err)
	}

	indexDB, err := openDB(ctx, indexPath, createFilesTable)
	if err != nil {
		_ = scanDB.Close()
		return nil, fmt.Errorf("open index database %s: %w", indexPath, err)
	}

	s := &Store{scanDB: scanDB, indexDB: indexDB}
	s.registry = &scanRegistry{db: scanDB}
	s.index = &fileIndex{db: indexDB}
	return s, nil
}

// openDB opens one database file with WAL and busy-timeout pragmas and
// executes the given schema statement.
func openDB(ctx context.Context, path, schema string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}

// ScanRegistry returns the host registry surface.
func (s *Store) ScanRegistry() store.ScanRegistry { return s.registry }

// FileIndex returns the file index surface.
func (s *Store) FileIndex() store.FileIndex { return s.index }

// Close closes both database files.
func (s *Store) Close() error {
	return errors.Join(s.scanDB.Close(), s.indexDB.Close())
}

// -------------------------------------------------------------------------
// Scan Registry — full-snapshot hosts table
// -------------------------------------------------------------------------

type scanRegistry struct {
	db *sql.DB
}

// SetHosts replaces the registry contents in a single transaction
// (delete-all + bulk insert). Readers see either the previous or the next
// full snapshot.
func (r *scanRegistry) SetHosts(ctx context.Context, hosts map[string]store.HostInfo) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registry snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from hosts`); err != nil {
		return fmt.Errorf("clear hosts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`insert into hosts (ip, name, online, last_online, last_indexed, file_count, size)
		 values (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare host insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for ip, info := range hosts {
		var lastIndexed, fileCount, size any
		if info.Indexed() {
			lastIndexed = info.LastIndexed.UTC().Format(time.RFC3339Nano)
			fileCount = info.FileCount
			size = info.Size
		}
		_, err := stmt.ExecContext(ctx, ip, info.Name, boolToInt(info.Online),
			info.LastOnline.UTC().Format(time.RFC3339Nano), lastIndexed, fileCount, size)
		if err != nil {
			return fmt.Errorf("insert host %s: %w", ip, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registry snapshot: %w", err)
	}
	return nil
}

// GetHosts reads the current registry snapshot.
func (r *scanRegistry) GetHosts(ctx context.Context) (map[string]store.HostInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`select ip, name, online, last_online, last_indexed, file_count, size from hosts`)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hosts := make(map[string]store.HostInfo)
	for rows.Next() {
		var (
			ip, name, lastOnline string
			online               int
			lastIndexed          sql.NullString
			fileCount, size      sql.NullInt64
		)
		if err := rows.Scan(&ip, &name, &online, &lastOnline, &lastIndexed, &fileCount, &size); err != nil {
			return nil, fmt.Errorf("scan host row: %w", err)
		}

		info := store.HostInfo{Name: name, Online: online != 0}
		info.LastOnline, err = time.Parse(time.RFC3339Nano, lastOnline)
		if err != nil {
			return nil, fmt.Errorf("parse last_online of %s: %w", ip, err)
		}
		if lastIndexed.Valid {
			info.LastIndexed, err = time.Parse(time.RFC3339Nano, lastIndexed.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_indexed of %s: %w", ip, err)
			}
			info.FileCount = fileCount.Int64
			info.Size = size.Int64
		}
		hosts[ip] = info
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return hosts, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// -------------------------------------------------------------------------
// File Index — FTS5 files table
// -------------------------------------------------------------------------

type fileIndex struct {
	db *sql.DB
}

// Session opens an index sink for one host. Records are buffered in memory
// and the replacement (delete + bulk insert) runs in a single short
// transaction at Commit, so concurrent walks of different hosts only
// contend for the write lock during their final commit.
func (x *fileIndex) Session(_ context.Context, ip string) (store.IndexSink, error) {
	return &indexSink{db: x.db, ip: ip}, nil
}

// Prune removes all records of hosts not present in keep.
func (x *fileIndex) Prune(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		if _, err := x.db.ExecContext(ctx, `delete from files`); err != nil {
			return fmt.Errorf("prune all files: %w", err)
		}
		return nil
	}

	query := fmt.Sprintf(`delete from files where ip not in (%s)`, placeholders(len(keep)))
	if _, err := x.db.ExecContext(ctx, query, toAnySlice(keep)...); err != nil {
		return fmt.Errorf("prune files: %w", err)
	}
	return nil
}

// Search matches the conjunction of terms against file names and paths,
// restricted to the given hosts. Terms are embedded as quoted FTS5 strings,
// so no query syntax can leak in from user input.
func (x *fileIndex) Search(ctx context.Context, terms, hosts []string, limit int) ([]store.FileRecord, error) {
	if len(terms) == 0 || len(hosts) == 0 {
		return nil, nil
	}

	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(
		`select path, name, ip, size from files
		 where files match ? and ip in (%s)
		 limit ?`, placeholders(len(hosts)))

	args := make([]any, 0, len(hosts)+2)
	args = append(args, matchExpr(terms))
	args = append(args, toAnySlice(hosts)...)
	args = append(args, limit)

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []store.FileRecord
	for rows.Next() {
		var rec store.FileRecord
		if err := rows.Scan(&rec.Path, &rec.Name, &rec.IP, &rec.Size); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return hits, nil
}

// Stats returns the file count and summed sizes for one host.
func (x *fileIndex) Stats(ctx context.Context, ip string) (store.Stat, error) {
	var stat store.Stat
	err := x.db.QueryRowContext(ctx,
		`select count(*), coalesce(sum(size), 0) from files where ip = ?`, ip).
		Scan(&stat.FileCount, &stat.Size)
	if err != nil {
		return store.Stat{}, fmt.Errorf("stats of %s: %w", ip, err)
	}
	return stat, nil
}

// matchExpr builds the FTS5 MATCH expression: each term double-quoted
// (quotes doubled inside) and space-joined, which FTS5 reads as AND.
func matchExpr(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// -------------------------------------------------------------------------
// Index Sink — buffered per-host snapshot
// -------------------------------------------------------------------------

// ErrSinkFinished indicates Append or Commit after the sink was finished.
var ErrSinkFinished = errors.New("index sink already committed or rolled back")

type indexSink struct {
	db       *sql.DB
	ip       string
	pending  []store.FileRecord
	finished bool
}

// Append adds a batch of discovered files to the pending snapshot.
func (s *indexSink) Append(_ context.Context, files []store.FileRecord) error {
	if s.finished {
		return ErrSinkFinished
	}
	s.pending = append(s.pending, files...)
	return nil
}

// Commit atomically replaces the host's records with the pending set:
// delete of the old rows and bulk insert of the new ones share one
// transaction, so readers see the old or the new snapshot, never a mix.
func (s *indexSink) Commit(ctx context.Context) error {
	if s.finished {
		return ErrSinkFinished
	}
	s.finished = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index snapshot for %s: %w", s.ip, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from files where ip = ?`, s.ip); err != nil {
		return fmt.Errorf("clear files of %s: %w", s.ip, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`insert into files (path, name, ip, size) values (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare file insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range s.pending {
		if _, err := stmt.ExecContext(ctx, rec.Path, rec.Name, s.ip, rec.Size); err != nil {
			return fmt.Errorf("insert file %s/%s: %w", rec.Path, rec.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index snapshot for %s: %w", s.ip, err)
	}

	s.pending = nil
	return nil
}

// Rollback discards the pending snapshot. Safe to call after Commit.
func (s *indexSink) Rollback() error {
	s.finished = true
	s.pending = nil
	return nil
}
