package filter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/securag/policygate/internal/core"
)

// TriggeredBucket records one threshold bucket whose distinct-match count
// reached its threshold.
type TriggeredBucket struct {
	Threshold int      `json:"threshold"`
	Count     int      `json:"count"`
	Matched   []string `json:"matched"`
}

// KeywordFilter flags a query when enough distinct keywords from a threshold
// bucket appear as substrings. Buckets are evaluated in ascending threshold
// order; with StopOnFlag the first tripped bucket ends evaluation.
//
// Matching is case-sensitive and byte-literal. Use RegexFilter for
// case-insensitive variants.
type KeywordFilter struct {
	Base

	keywordsByThreshold map[int][]string
	thresholds          []int
	stopOnFlag          bool

	lastTriggered  []TriggeredBucket
	lastIdentified map[int][]string
}

// NewKeywordFilter validates the threshold map and returns a KeywordFilter.
// Every threshold key must be >= 1 and the map must be non-empty. Duplicate
// terms within a bucket are collapsed so counts stay distinct.
func NewKeywordFilter(name string, keywordsByThreshold map[int][]string, stopOnFlag bool, opts Options) (*KeywordFilter, error) {
	if opts.DefaultFlaggedResponse == "" {
		opts.DefaultFlaggedResponse = "Query flagged by keyword policy."
	}
	base, err := NewBase(name, opts)
	if err != nil {
		return nil, err
	}

	if len(keywordsByThreshold) == 0 {
		return nil, core.NewConfigError("keywords_by_threshold must be a non-empty map of threshold to keywords", nil)
	}

	normalized := make(map[int][]string, len(keywordsByThreshold))
	thresholds := make([]int, 0, len(keywordsByThreshold))
	for threshold, bucket := range keywordsByThreshold {
		if threshold < 1 {
			return nil, core.NewConfigError(fmt.Sprintf("threshold keys must be >= 1, got %d", threshold), nil)
		}
		normalized[threshold] = dedupe(bucket)
		thresholds = append(thresholds, threshold)
	}
	sort.Ints(thresholds)

	return &KeywordFilter{
		Base:                base,
		keywordsByThreshold: normalized,
		thresholds:          thresholds,
		stopOnFlag:          stopOnFlag,
	}, nil
}

// Run evaluates each bucket against the query. The query is never rewritten.
func (f *KeywordFilter) Run(_ context.Context, query string) (string, error) {
	f.lastTriggered = nil
	f.lastIdentified = make(map[int][]string, len(f.thresholds))

	for _, threshold := range f.thresholds {
		bucket := f.keywordsByThreshold[threshold]
		matched := make([]string, 0)
		for _, kw := range bucket {
			if strings.Contains(query, kw) {
				matched = append(matched, kw)
			}
		}
		f.lastIdentified[threshold] = matched

		if len(matched) >= threshold {
			f.SetFlag(true)
			f.lastTriggered = append(f.lastTriggered, TriggeredBucket{
				Threshold: threshold,
				Count:     len(matched),
				Matched:   matched,
			})
			if f.stopOnFlag {
				break
			}
		}
	}

	f.LogAudit(LevelLog, map[string]any{
		"input":        query,
		"output":       query,
		"identified":   f.lastIdentified,
		"triggered":    f.lastTriggered,
		"stop_on_flag": f.stopOnFlag,
	})

	return query, nil
}

// Reset clears transient state including the cached trigger detail.
func (f *KeywordFilter) Reset() {
	f.Base.Reset()
	f.lastTriggered = nil
	f.lastIdentified = nil
}

// FlaggedResponse enumerates the triggered buckets when flagged.
func (f *KeywordFilter) FlaggedResponse() string {
	if !f.Flag() {
		return ""
	}
	if len(f.lastTriggered) > 0 {
		return fmt.Sprintf("The query was flagged by keyword policy: %s.",
			formatBucketDetail("keyword", f.lastTriggered))
	}
	return f.Base.FlaggedResponse()
}

// Clone returns a fresh instance sharing the validated threshold map.
func (f *KeywordFilter) Clone() Module {
	return &KeywordFilter{
		Base:                f.cloneBase(),
		keywordsByThreshold: f.keywordsByThreshold,
		thresholds:          f.thresholds,
		stopOnFlag:          f.stopOnFlag,
	}
}

// formatBucketDetail renders triggered buckets as a human-readable summary.
func formatBucketDetail(kind string, triggered []TriggeredBucket) string {
	parts := make([]string, 0, len(triggered))
	for _, t := range triggered {
		part := fmt.Sprintf("Bucket %d: matched %d %s(s)", t.Threshold, t.Count, kind)
		if len(t.Matched) > 0 {
			part += fmt.Sprintf(" [%s]", strings.Join(t.Matched, ", "))
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}

// dedupe removes duplicate terms preserving first-seen order.
func dedupe(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
