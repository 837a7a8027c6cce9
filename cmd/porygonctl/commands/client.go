package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// errRequestFailed is returned when the daemon answers with a non-200 status.
var errRequestFailed = errors.New("request failed")

// hostView is one registry record as served by GET /api/hosts.
type hostView struct {
	IP          string    `json:"ip"`
	Name        string    `json:"name"`
	Online      bool      `json:"online"`
	LastOnline  time.Time `json:"last_online"`
	LastIndexed time.Time `json:"last_indexed,omitzero"`
	FileCount   int64     `json:"file_count"`
	Size        int64     `json:"size"`
	SizeHuman   string    `json:"size_human"`
}

// fileView is one search hit as served by GET /api/search.
type fileView struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Host      string `json:"host"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	URL       string `json:"url"`
}

// searchView wraps the hits of one query.
type searchView struct {
	Query   []string   `json:"query"`
	Results []fileView `json:"results"`
}

// apiClient is a thin HTTP client for the porygond JSON API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// Hosts fetches the host registry.
func (c *apiClient) Hosts(ctx context.Context) ([]hostView, error) {
	var hosts []hostView
	if err := c.get(ctx, "/api/hosts", nil, &hosts); err != nil {
		return nil, fmt.Errorf("fetch hosts: %w", err)
	}
	return hosts, nil
}

// Search runs a full-text query. limit <= 0 leaves the server default in
// effect.
func (c *apiClient) Search(ctx context.Context, query string, onlineOnly bool, limit int) (searchView, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("online", strconv.FormatBool(onlineOnly))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp searchView
	if err := c.get(ctx, "/api/search", params, &resp); err != nil {
		return searchView{}, fmt.Errorf("search: %w", err)
	}
	return resp, nil
}

// get performs one GET request and decodes the JSON response into out.
func (c *apiClient) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", errRequestFailed, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
