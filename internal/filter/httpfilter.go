package filter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/securag/policygate/internal/cache"
	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/httpclient"
)

// DefaultHTTPFilterTimeout bounds a single classifier call when no timeout
// is configured.
const DefaultHTTPFilterTimeout = 5 * time.Second

// HTTPRequestFilterConfig configures a remote classifier call.
//
// ScoringField, FlaggingField, and LogsField are JMESPath expressions
// evaluated against the classifier's JSON response. The accepted dialect is
// JMESPath as implemented by github.com/jmespath/go-jmespath: dot field
// access, [n] indexing, [?expr] filter projections, and the | pipe operator.
type HTTPRequestFilterConfig struct {
	// URL receives the POSTed query.
	URL string
	// QueryField is the JSON body key carrying the query text.
	QueryField string
	// Headers are sent verbatim on every request.
	Headers map[string]string
	// Timeout bounds each call; DefaultHTTPFilterTimeout when zero.
	Timeout time.Duration

	// ScoringField extracts a numeric score from the response.
	ScoringField string
	// LogsField, when set, is evaluated and merged into the audit log.
	LogsField string
	// FlaggingField, when set, is evaluated for a boolean verdict that
	// flags directly, bypassing the threshold comparison.
	FlaggingField string

	// FlaggingThresh flags when score >= thresh (<= when InvertedThresh).
	FlaggingThresh float64
	InvertedThresh bool

	// DefaultFlagOnFail flags the query when the call fails (non-2xx,
	// timeout, network error, or malformed JSON).
	DefaultFlagOnFail bool
}

// HTTPRequestFilter screens a query through a remote HTTP classifier. It
// never rewrites the query; call failures are handled locally and flag only
// when DefaultFlagOnFail is set.
type HTTPRequestFilter struct {
	Base

	cfg    HTTPRequestFilterConfig
	client *http.Client

	scoringExpr  *jmespath.JMESPath
	logsExpr     *jmespath.JMESPath
	flaggingExpr *jmespath.JMESPath

	// Optional response cache so repeated queries skip the network.
	respCache cache.Cache
	cacheTTL  time.Duration
}

// NewHTTPRequestFilter validates the config and compiles the JMESPath
// expressions. URL, QueryField, and ScoringField are required.
func NewHTTPRequestFilter(name string, cfg HTTPRequestFilterConfig, opts Options) (*HTTPRequestFilter, error) {
	if opts.DefaultFlaggedResponse == "" {
		opts.DefaultFlaggedResponse = "Query flagged by remote classifier."
	}
	base, err := NewBase(name, opts)
	if err != nil {
		return nil, err
	}

	if cfg.URL == "" {
		return nil, core.NewConfigError("http filter requires a url", nil)
	}
	if cfg.QueryField == "" {
		return nil, core.NewConfigError("http filter requires a query_field", nil)
	}
	if cfg.ScoringField == "" {
		return nil, core.NewConfigError("http filter requires a scoring_field", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPFilterTimeout
	}

	f := &HTTPRequestFilter{
		Base:   base,
		cfg:    cfg,
		client: httpclient.NewDefaultHTTPClient(),
	}

	if f.scoringExpr, err = jmespath.Compile(cfg.ScoringField); err != nil {
		return nil, core.NewConfigError(fmt.Sprintf("invalid scoring_field expression %q", cfg.ScoringField), err)
	}
	if cfg.LogsField != "" {
		if f.logsExpr, err = jmespath.Compile(cfg.LogsField); err != nil {
			return nil, core.NewConfigError(fmt.Sprintf("invalid logs_field expression %q", cfg.LogsField), err)
		}
	}
	if cfg.FlaggingField != "" {
		if f.flaggingExpr, err = jmespath.Compile(cfg.FlaggingField); err != nil {
			return nil, core.NewConfigError(fmt.Sprintf("invalid flagging_field expression %q", cfg.FlaggingField), err)
		}
	}

	return f, nil
}

// SetHTTPClient replaces the underlying HTTP client. Per-call timeouts are
// still applied via context, so a client without its own timeout is fine.
func (f *HTTPRequestFilter) SetHTTPClient(client *http.Client) {
	if client != nil {
		f.client = client
	}
}

// SetResponseCache enables caching of classifier response bodies keyed by
// query text. Zero ttl disables expiry.
func (f *HTTPRequestFilter) SetResponseCache(c cache.Cache, ttl time.Duration) {
	f.respCache = c
	f.cacheTTL = ttl
}

// Run posts the query to the classifier and evaluates the response. The
// returned string always equals the input.
func (f *HTTPRequestFilter) Run(ctx context.Context, query string) (string, error) {
	// Cancellation check before spending a network round trip.
	if err := ctx.Err(); err != nil {
		return query, err
	}

	body, status, err := f.fetch(ctx, query)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return query, context.Canceled
		}
		f.fail(query, status, err.Error())
		return query, nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		f.fail(query, status, "malformed JSON response: "+err.Error())
		return query, nil
	}

	entry := map[string]any{
		"input":       query,
		"output":      query,
		"status_code": status,
	}

	score, scoreOK := f.extractScore(parsed)
	if scoreOK {
		f.SetScore(score)
		entry["score"] = score
	}

	switch {
	case f.flaggingExpr != nil:
		verdict, _ := f.flaggingExpr.Search(parsed)
		flagged, _ := verdict.(bool)
		f.SetFlag(flagged)
	case scoreOK:
		if f.cfg.InvertedThresh {
			f.SetFlag(score <= f.cfg.FlaggingThresh)
		} else {
			f.SetFlag(score >= f.cfg.FlaggingThresh)
		}
	}

	if f.logsExpr != nil {
		if logs, err := f.logsExpr.Search(parsed); err == nil && logs != nil {
			if m, ok := logs.(map[string]any); ok {
				for k, v := range m {
					entry[k] = v
				}
			} else {
				entry["logs"] = logs
			}
		}
	}

	f.LogAudit(LevelLog, entry)
	return query, nil
}

// fetch posts the query and returns the response body and status code. A
// non-2xx status is returned as an error alongside the status code.
func (f *HTTPRequestFilter) fetch(ctx context.Context, query string) ([]byte, int, error) {
	if body, ok := f.cacheGet(ctx, query); ok {
		return body, http.StatusOK, nil
	}

	payload, err := json.Marshal(map[string]string{f.cfg.QueryField: query})
	if err != nil {
		return nil, 0, fmt.Errorf("marshaling request body: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, f.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	f.cacheSet(ctx, query, body)
	return body, resp.StatusCode, nil
}

// fail records a call failure and applies the configured failure verdict.
func (f *HTTPRequestFilter) fail(query string, status int, reason string) {
	if f.cfg.DefaultFlagOnFail {
		f.SetFlag(true)
	}
	f.LogAudit(LevelLog, map[string]any{
		"input":       query,
		"output":      query,
		"failure":     reason,
		"status_code": status,
	})
}

// extractScore evaluates the scoring expression for a numeric result.
func (f *HTTPRequestFilter) extractScore(parsed any) (float64, bool) {
	result, err := f.scoringExpr.Search(parsed)
	if err != nil || result == nil {
		return 0, false
	}
	switch v := result.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	default:
		return 0, false
	}
}

func (f *HTTPRequestFilter) cacheKey(query string) string {
	sum := sha256.Sum256([]byte(f.cfg.URL + "\x00" + query))
	return "policygate:classifier:" + hex.EncodeToString(sum[:])
}

func (f *HTTPRequestFilter) cacheGet(ctx context.Context, query string) ([]byte, bool) {
	if f.respCache == nil {
		return nil, false
	}
	body, ok, err := f.respCache.Get(ctx, f.cacheKey(query))
	if err != nil || !ok {
		return nil, false
	}
	return body, true
}

func (f *HTTPRequestFilter) cacheSet(ctx context.Context, query string, body []byte) {
	if f.respCache == nil {
		return
	}
	// Cache misses are not worth failing the run over.
	_ = f.respCache.Set(ctx, f.cacheKey(query), body, f.cacheTTL)
}

// Clone returns a fresh instance sharing the compiled expressions and the
// HTTP client, both safe for concurrent use.
func (f *HTTPRequestFilter) Clone() Module {
	return &HTTPRequestFilter{
		Base:         f.cloneBase(),
		cfg:          f.cfg,
		client:       f.client,
		scoringExpr:  f.scoringExpr,
		logsExpr:     f.logsExpr,
		flaggingExpr: f.flaggingExpr,
		respCache:    f.respCache,
		cacheTTL:     f.cacheTTL,
	}
}
