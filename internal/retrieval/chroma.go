package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Default Chroma coordinates.
const (
	DefaultTenant   = "default_tenant"
	DefaultDatabase = "default_database"
)

// Embedder turns a query into a vector when the store does not embed server-side.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ChromaOpts holds configuration options for the Chroma searcher.
type ChromaOpts struct {
	BaseURL    string
	APIKey     string
	Tenant     string
	Database   string
	Collection string
	HTTPClient *http.Client
	Embedder   Embedder
}

// ChromaOption defines a configuration option for the Chroma searcher.
type ChromaOption func(*ChromaOpts)

// WithBaseURL sets the Chroma server URL, e.g. http://localhost:8000.
func WithBaseURL(u string) ChromaOption { return func(o *ChromaOpts) { o.BaseURL = u } }

// WithAPIKey sets the x-chroma-token header value.
func WithAPIKey(k string) ChromaOption { return func(o *ChromaOpts) { o.APIKey = k } }

// WithTenant sets the Chroma tenant.
func WithTenant(t string) ChromaOption { return func(o *ChromaOpts) { o.Tenant = t } }

// WithDatabase sets the Chroma database.
func WithDatabase(d string) ChromaOption { return func(o *ChromaOpts) { o.Database = d } }

// WithCollection sets the collection name.
func WithCollection(c string) ChromaOption { return func(o *ChromaOpts) { o.Collection = c } }

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ChromaOption { return func(o *ChromaOpts) { o.HTTPClient = c } }

// WithEmbedder sends query embeddings instead of raw query text.
func WithEmbedder(e Embedder) ChromaOption { return func(o *ChromaOpts) { o.Embedder = e } }

// ChromaSearcher queries a Chroma collection over its v2 REST API.
type ChromaSearcher struct {
	opts ChromaOpts

	mu           sync.Mutex
	collectionID string
}

// NewChromaSearcher validates options and returns a searcher. The collection id
// is resolved lazily on first search.
func NewChromaSearcher(opts ...ChromaOption) (*ChromaSearcher, error) {
	cfg := ChromaOpts{Tenant: DefaultTenant, Database: DefaultDatabase}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vector store base URL not set")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vector store collection not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	slog.Debug("NewChromaSearcher: configured", "base_url", cfg.BaseURL, "collection", cfg.Collection, "embedder", cfg.Embedder != nil)
	return &ChromaSearcher{opts: cfg}, nil
}

type chromaQuery struct {
	QueryTexts      []string    `json:"query_texts,omitempty"`
	QueryEmbeddings [][]float64 `json:"query_embeddings,omitempty"`
	NResults        int         `json:"n_results"`
	Include         []string    `json:"include"`
}

type chromaResult struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]*string        `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]*float64       `json:"distances"`
}

// Search returns up to k documents in provider-ranked order.
func (s *ChromaSearcher) Search(ctx context.Context, query string, k int) ([]Document, error) {
	id, err := s.resolveCollection(ctx)
	if err != nil {
		return nil, err
	}

	req := chromaQuery{NResults: k, Include: []string{"documents", "metadatas", "distances"}}
	if s.opts.Embedder != nil {
		vec, err := s.opts.Embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		req.QueryEmbeddings = [][]float64{vec}
	} else {
		req.QueryTexts = []string{query}
	}

	var res chromaResult
	if err := s.do(ctx, http.MethodPost, s.collectionPath(id)+"/query", req, &res); err != nil {
		return nil, err
	}
	return res.documents(), nil
}

func (r chromaResult) documents() []Document {
	if len(r.IDs) == 0 {
		return nil
	}
	ids := r.IDs[0]
	docs := make([]Document, 0, len(ids))
	for i, id := range ids {
		d := Document{ID: id}
		if len(r.Documents) > 0 && i < len(r.Documents[0]) && r.Documents[0][i] != nil {
			d.Text = *r.Documents[0][i]
		}
		if len(r.Metadatas) > 0 && i < len(r.Metadatas[0]) {
			d.Metadata = r.Metadatas[0][i]
		}
		if len(r.Distances) > 0 && i < len(r.Distances[0]) && r.Distances[0][i] != nil {
			d.Distance = *r.Distances[0][i]
		}
		docs = append(docs, d)
	}
	return docs
}

func (s *ChromaSearcher) collectionPath(idOrName string) string {
	return fmt.Sprintf("/api/v2/tenants/%s/databases/%s/collections/%s",
		url.PathEscape(s.opts.Tenant), url.PathEscape(s.opts.Database), url.PathEscape(idOrName))
}

func (s *ChromaSearcher) resolveCollection(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collectionID != "" {
		return s.collectionID, nil
	}
	var col struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := s.do(ctx, http.MethodGet, s.collectionPath(s.opts.Collection), nil, &col); err != nil {
		return "", fmt.Errorf("failed to resolve collection %q: %w", s.opts.Collection, err)
	}
	if col.ID == "" {
		return "", fmt.Errorf("collection %q has no id", s.opts.Collection)
	}
	s.collectionID = col.ID
	slog.Debug("ChromaSearcher: collection resolved", "collection", s.opts.Collection, "id", col.ID)
	return col.ID, nil
}

func (s *ChromaSearcher) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.opts.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.opts.APIKey != "" {
		req.Header.Set("x-chroma-token", s.opts.APIKey)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("vector store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector store returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode vector store response: %w", err)
	}
	return nil
}
