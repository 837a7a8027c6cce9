// Package web serves the read-only JSON API of porygond: the host
// registry and full-text file search. It only ever reads the persisted
// snapshots, so it shares no state with the daemon beyond the store.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/porygon-dev/porygon/internal/store"
)

// defaultLimit caps search responses when the client does not ask for a
// specific limit.
const defaultLimit = 1000

// Server answers the read-only API requests.
type Server struct {
	registry store.ScanRegistry
	index    store.FileIndex
	ftpPort  int
	logger   *slog.Logger
}

// New creates a Server reading from st. ftpPort is used to build the
// ftp:// download URLs of search results; port 21 is left implicit.
func New(st store.Store, ftpPort int, logger *slog.Logger) *Server {
	return &Server{
		registry: st.ScanRegistry(),
		index:    st.FileIndex(),
		ftpPort:  ftpPort,
		logger:   logger.With(slog.String("component", "web")),
	}
}

// Handler returns the API routes:
//
//	GET /api/hosts                          host registry
//	GET /api/search?query=&online=&limit=   full-text file search
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/hosts", s.handleHosts)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	return mux
}

// -------------------------------------------------------------------------
// Responses
// -------------------------------------------------------------------------

// hostEntry is one registry record as served by /api/hosts.
type hostEntry struct {
	IP          string    `json:"ip"`
	Name        string    `json:"name"`
	Online      bool      `json:"online"`
	LastOnline  time.Time `json:"last_online"`
	LastIndexed time.Time `json:"last_indexed,omitzero"`
	FileCount   int64     `json:"file_count"`
	Size        int64     `json:"size"`
	SizeHuman   string    `json:"size_human"`
}

// fileEntry is one search hit as served by /api/search.
type fileEntry struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Host      string `json:"host"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	URL       string `json:"url"`
}

// searchResponse wraps the hits of one query.
type searchResponse struct {
	Query   []string    `json:"query"`
	Results []fileEntry `json:"results"`
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.registry.GetHosts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	entries := make([]hostEntry, 0, len(hosts))
	for ip, info := range hosts {
		entries = append(entries, hostEntry{
			IP:          ip,
			Name:        info.Name,
			Online:      info.Online,
			LastOnline:  info.LastOnline,
			LastIndexed: info.LastIndexed,
			FileCount:   info.FileCount,
			Size:        info.Size,
			SizeHuman:   humanSize(info.Size),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })

	s.writeJSON(w, r, entries)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	terms := tokenize(r.URL.Query().Get("query"))
	if terms == nil {
		http.Error(w, "query must contain at least one term", http.StatusBadRequest)
		return
	}

	onlineOnly := true
	if v := r.URL.Query().Get("online"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "online must be a boolean", http.StatusBadRequest)
			return
		}
		onlineOnly = parsed
	}

	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	hosts, err := s.registry.GetHosts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ips := make([]string, 0, len(hosts))
	names := make(map[string]string, len(hosts))
	for ip, info := range hosts {
		names[ip] = info.Name
		if onlineOnly && !info.Online {
			continue
		}
		ips = append(ips, ip)
	}

	resp := searchResponse{Query: terms, Results: []fileEntry{}}

	if len(ips) > 0 {
		records, err := s.index.Search(r.Context(), terms, ips, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for _, rec := range records {
			resp.Results = append(resp.Results, fileEntry{
				Path:      rec.Path,
				Name:      rec.Name,
				IP:        rec.IP,
				Host:      names[rec.IP],
				Size:      rec.Size,
				SizeHuman: humanSize(rec.Size),
				URL:       s.fileURL(rec),
			})
		}
	}

	s.writeJSON(w, r, resp)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// fileURL builds the download URL of one search hit. Port 21 stays
// implicit so the links look like plain ftp://host/path URLs.
func (s *Server) fileURL(rec store.FileRecord) string {
	host := rec.IP
	if s.ftpPort != 21 {
		host = fmt.Sprintf("%s:%d", rec.IP, s.ftpPort)
	}
	u := url.URL{
		Scheme: "ftp",
		Host:   host,
		Path:   path.Join("/", rec.Path, rec.Name),
	}
	return u.String()
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.DebugContext(r.Context(), "response write failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// humanSize renders a byte count with binary unit prefixes.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	value, exp := float64(n), 0
	for value >= unit && exp < 5 {
		value /= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", value, "KMGTP"[exp-1])
}
