package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rendis/mcpflow/pkg/schema"
)

const (
	searchCacheTTL   = 5 * time.Minute
	categoryCacheTTL = time.Hour
)

// Server is a catalogue entry returned by the discovery API.
type Server struct {
	ID               string   `json:"id"`
	Slug             string   `json:"slug"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Category         string   `json:"category,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Author           string   `json:"author,omitempty"`
	Version          string   `json:"version,omitempty"`
	CostPerCallCents int      `json:"cost_per_call_cents"`
	AvgLatencyMs     int      `json:"avg_latency_ms,omitempty"`
	Rating           float64  `json:"rating,omitempty"`
	TotalCalls       int64    `json:"total_calls,omitempty"`
}

// Descriptor returns the service descriptor a service node embeds for this server.
func (s *Server) Descriptor() *schema.ServiceDescriptor {
	return &schema.ServiceDescriptor{
		ID:               s.ID,
		Slug:             s.Slug,
		Name:             s.Name,
		Description:      s.Description,
		Category:         s.Category,
		CostPerCallCents: s.CostPerCallCents,
	}
}

// SearchOptions filters a catalogue search. Zero values are left out of the query.
type SearchOptions struct {
	Query    string `json:"query,omitempty"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// SearchResult is one page of servers.
type SearchResult struct {
	Servers  []Server `json:"servers"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// DiscoveryClient queries the discovery API and caches results in memory.
type DiscoveryClient struct {
	baseURL string
	http    *http.Client
	limit   int64
	now     func() time.Time

	mu         sync.Mutex
	searches   map[SearchOptions]cacheEntry[[]Server]
	categories *cacheEntry[[]string]
}

// NewDiscoveryClient creates a client for the API at baseURL.
func NewDiscoveryClient(baseURL string, cfg HTTPConfig) *DiscoveryClient {
	return &DiscoveryClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     cfg.client(),
		limit:    cfg.maxBody(),
		now:      time.Now,
		searches: make(map[SearchOptions]cacheEntry[[]Server]),
	}
}

// searchResponse accepts both the servers and data spellings of the list.
type searchResponse struct {
	Servers  []Server `json:"servers"`
	Data     []Server `json:"data"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
}

// Search lists servers matching opts. A cached page is served as a single page holding every cached server.
func (d *DiscoveryClient) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	d.mu.Lock()
	if e, ok := d.searches[opts]; ok && d.now().Before(e.expires) {
		d.mu.Unlock()
		return &SearchResult{Servers: e.value, Total: len(e.value), Page: 1, PageSize: len(e.value)}, nil
	}
	d.mu.Unlock()

	q := url.Values{}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := d.baseURL + "/api/servers"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	var resp searchResponse
	if err := doJSON(ctx, d.http, d.limit, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, discoveryError(err)
	}

	servers := resp.Servers
	if servers == nil {
		servers = resp.Data
	}
	if servers == nil {
		servers = []Server{}
	}

	d.mu.Lock()
	d.searches[opts] = cacheEntry[[]Server]{value: servers, expires: d.now().Add(searchCacheTTL)}
	d.mu.Unlock()

	out := &SearchResult{Servers: servers, Total: resp.Total, Page: resp.Page, PageSize: resp.PageSize}
	if out.Total == 0 {
		out.Total = len(servers)
	}
	if out.Page == 0 {
		out.Page = 1
	}
	if out.PageSize == 0 {
		out.PageSize = len(servers)
	}
	return out, nil
}

// GetBySlug fetches one server. An unknown slug is NOT_FOUND.
func (d *DiscoveryClient) GetBySlug(ctx context.Context, slug string) (*Server, error) {
	var srv Server
	err := doJSON(ctx, d.http, d.limit, http.MethodGet, d.baseURL+"/api/servers/"+url.PathEscape(slug), nil, &srv)
	if err != nil {
		var se *httpStatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "MCP server not found: %s", slug)
		}
		return nil, discoveryError(err)
	}
	return &srv, nil
}

// Categories lists catalogue categories, cached for an hour.
func (d *DiscoveryClient) Categories(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	if d.categories != nil && d.now().Before(d.categories.expires) {
		cats := d.categories.value
		d.mu.Unlock()
		return cats, nil
	}
	d.mu.Unlock()

	var resp struct {
		Categories []string `json:"categories"`
	}
	if err := doJSON(ctx, d.http, d.limit, http.MethodGet, d.baseURL+"/api/categories", nil, &resp); err != nil {
		return nil, discoveryError(err)
	}
	cats := resp.Categories
	if cats == nil {
		cats = []string{}
	}

	d.mu.Lock()
	d.categories = &cacheEntry[[]string]{value: cats, expires: d.now().Add(categoryCacheTTL)}
	d.mu.Unlock()
	return cats, nil
}

func discoveryError(err error) error {
	var se *httpStatusError
	if errors.As(err, &se) {
		return schema.NewErrorf(schema.ErrCodeService, "MCP Discovery API error: %d", se.StatusCode)
	}
	return schema.NewErrorf(schema.ErrCodeService, "MCP Discovery API error: %s", err.Error()).WithCause(err)
}
