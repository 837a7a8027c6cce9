// Package store defines the persistence contracts of the daemon: a host
// registry written as full snapshots, and a full-text searchable file index
// written as per-host snapshots.
//
// The daemon and the search API consume only these interfaces; concrete
// backends live in subpackages (currently sqlite).
package store

import (
	"context"
	"time"
)

// -------------------------------------------------------------------------
// Records
// -------------------------------------------------------------------------

// HostInfo is the registry record for one discovered FTP server, keyed by
// its IPv4 address.
type HostInfo struct {
	// Name is the reverse-DNS name of the host, or the raw address when
	// resolution failed. Informational.
	Name string `json:"name"`

	// Online reports the result of the most recent sweep.
	Online bool `json:"online"`

	// LastOnline is the time of the most recent successful probe (UTC).
	LastOnline time.Time `json:"last_online"`

	// LastIndexed is the time of the most recent successful walk.
	// Zero when the host has never been walked.
	LastIndexed time.Time `json:"last_indexed,omitzero"`

	// FileCount and Size are the totals of the last successful walk.
	// Only meaningful when LastIndexed is set; written atomically with it.
	FileCount int64 `json:"file_count"`
	Size      int64 `json:"size"`
}

// Indexed reports whether the host has been walked successfully at least once.
func (h HostInfo) Indexed() bool {
	return !h.LastIndexed.IsZero()
}

// FileRecord is one indexed file of one host.
type FileRecord struct {
	// Path is the directory holding the file, relative to the FTP root.
	Path string `json:"path"`
	// Name is the file name.
	Name string `json:"name"`
	// IP is the owning host's address.
	IP string `json:"ip"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
}

// Stat holds the per-host index totals.
type Stat struct {
	FileCount int64 `json:"file_count"`
	Size      int64 `json:"size"`
}

// -------------------------------------------------------------------------
// Interfaces
// -------------------------------------------------------------------------

// ScanRegistry persists the host registry. Writers replace the whole
// registry in one transaction; readers observe either the previous or the
// next full snapshot, never a partial one.
type ScanRegistry interface {
	// SetHosts replaces the registry contents with the given mapping.
	SetHosts(ctx context.Context, hosts map[string]HostInfo) error

	// GetHosts reads the current registry.
	GetHosts(ctx context.Context) (map[string]HostInfo, error)
}

// FileIndex persists file listings and answers full-text searches.
type FileIndex interface {
	// Session opens an IndexSink that will replace all records of ip.
	// The replacement becomes visible atomically on Commit; a session
	// closed without Commit leaves the previous snapshot intact.
	Session(ctx context.Context, ip string) (IndexSink, error)

	// Prune removes all records whose owning host is not in keep.
	Prune(ctx context.Context, keep []string) error

	// Search runs a tokenised match of terms against file names and paths,
	// restricted to the given hosts, returning up to limit records.
	// Matching is case-insensitive, accent-folded, full-word; multiple
	// terms conjunct. A non-positive limit means no limit.
	Search(ctx context.Context, terms, hosts []string, limit int) ([]FileRecord, error)

	// Stats returns the file count and summed sizes for one host.
	Stats(ctx context.Context, ip string) (Stat, error)
}

// IndexSink collects the file records of one walk. Exactly one of Commit
// or Rollback must be called; both are safe to call on a finished sink.
type IndexSink interface {
	// Append adds a batch of discovered files to the pending snapshot.
	Append(ctx context.Context, files []FileRecord) error

	// Commit atomically replaces the host's records with the appended set.
	Commit(ctx context.Context) error

	// Rollback discards the pending snapshot.
	Rollback() error
}

// Store bundles the two persistence surfaces behind one lifecycle.
type Store interface {
	ScanRegistry() ScanRegistry
	FileIndex() FileIndex
	Close() error
}
