package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/util"
)

// Defaults for retrieval calls.
const (
	DefaultTopK              = 2
	DefaultTimeout           = 5 * time.Second
	DefaultSeverityThreshold = 4.0
)

// ErrUnavailable marks any failure of the vector store. Callers treat it as
// "no context available" and never surface it to the user.
var ErrUnavailable = errors.New("retrieval unavailable")

// Document is one raw search hit from the vector store.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
	Distance float64
}

// Searcher is the black-box similarity search of the vector store.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Document, error)
}

// ClientOpts holds configuration for the retrieval client.
type ClientOpts struct {
	Timeout           time.Duration
	SeverityThreshold float64
}

// ClientOption defines a configuration option for the retrieval client.
type ClientOption func(*ClientOpts)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *ClientOpts) { o.Timeout = d }
}

// WithSeverityThreshold sets the numeric severity from which a record is flagged as risky.
func WithSeverityThreshold(v float64) ClientOption {
	return func(o *ClientOpts) { o.SeverityThreshold = v }
}

// Client turns raw search hits into RetrievedContext records.
// A nil *Client is valid and behaves as a disabled retrieval backend.
type Client struct {
	searcher Searcher
	opts     ClientOpts
}

// NewClient wraps a Searcher.
func NewClient(searcher Searcher, opts ...ClientOption) *Client {
	cfg := ClientOpts{Timeout: DefaultTimeout, SeverityThreshold: DefaultSeverityThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{searcher: searcher, opts: cfg}
}

// Enabled reports whether retrieval is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.searcher != nil
}

// Retrieve queries the vector store for the k closest records. Records whose
// theme matches one of themes are stably moved to the front; provider order
// is kept otherwise. Every failure wraps ErrUnavailable.
func (c *Client) Retrieve(ctx context.Context, query string, k int, themes ...string) (models.RetrievedContext, error) {
	out := models.RetrievedContext{Query: query}
	if !c.Enabled() {
		return out, fmt.Errorf("%w: no vector store configured", ErrUnavailable)
	}
	if strings.TrimSpace(query) == "" {
		return out, nil
	}
	if k <= 0 {
		k = DefaultTopK
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	docs, err := c.searcher.Search(callCtx, query, k)
	if err != nil {
		slog.Warn("RetrievalClient.Retrieve: search failed", "error", err, "elapsed", time.Since(start))
		return out, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, d := range docs {
		out.Records = append(out.Records, c.toRecord(d))
	}
	out.Records = PartitionByTheme(out.Records, themes)
	slog.Debug("RetrievalClient.Retrieve: records found", "count", len(out.Records), "elapsed", time.Since(start))
	return out, nil
}

func (c *Client) toRecord(d Document) models.RetrievalRecord {
	md := d.Metadata
	rec := models.RetrievalRecord{
		Theme:          metaString(md, "theme", "categorie", "category"),
		SourceQuestion: metaString(md, "question", "situation", "user_input"),
		SourceAnswer:   metaString(md, "answer", "response", "reponse", "ideal_response"),
		Severity:       metaString(md, "severity", "intensite", "intensity"),
		Distance:       d.Distance,
	}
	if rec.SourceQuestion == "" && rec.SourceAnswer == "" {
		rec.SourceQuestion = d.Text
	} else if rec.SourceAnswer == "" {
		rec.SourceAnswer = d.Text
	}
	rec.RiskFlag = metaBool(md, "risk_flag", "redflag", "red_flag") || c.severe(rec.Severity)
	return rec
}

// severe reports whether a severity label or score reaches the risk threshold.
func (c *Client) severe(severity string) bool {
	s := util.Fold(strings.TrimSpace(severity))
	if s == "" {
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f >= c.opts.SeverityThreshold
	}
	switch s {
	case "high", "haute", "elevee", "eleve", "critique", "critical", "severe":
		return true
	}
	return false
}

// PartitionByTheme moves records whose theme matches one of themes to the
// front, keeping relative order inside both groups.
func PartitionByTheme(records []models.RetrievalRecord, themes []string) []models.RetrievalRecord {
	if len(themes) == 0 || len(records) == 0 {
		return records
	}
	want := make(map[string]bool, len(themes))
	for _, t := range themes {
		want[util.Fold(strings.TrimSpace(t))] = true
	}
	front := make([]models.RetrievalRecord, 0, len(records))
	var back []models.RetrievalRecord
	for _, r := range records {
		if want[util.Fold(strings.TrimSpace(r.Theme))] {
			front = append(front, r)
		} else {
			back = append(back, r)
		}
	}
	return append(front, back...)
}

func metaString(md map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := md[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(x)
		default:
			return fmt.Sprint(x)
		}
	}
	return ""
}

func metaBool(md map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch x := md[k].(type) {
		case bool:
			if x {
				return true
			}
		case float64:
			if x != 0 {
				return true
			}
		case string:
			switch util.Fold(strings.TrimSpace(x)) {
			case "true", "1", "yes", "oui", "vrai":
				return true
			}
		}
	}
	return false
}
