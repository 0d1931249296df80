package filter

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/securag/policygate/internal/core"
)

// RegexFlags is a bitfield of match options applied to every pattern in a
// RegexFilter. The flags map onto RE2's inline flags.
type RegexFlags int

const (
	// RegexCaseInsensitive makes matching case-insensitive ((?i)).
	RegexCaseInsensitive RegexFlags = 1 << iota
	// RegexMultiline makes ^ and $ match at line boundaries ((?m)).
	RegexMultiline
	// RegexDotAll makes . match newlines ((?s)).
	RegexDotAll
)

// inlinePrefix renders the flags as an RE2 inline group, "" when no flags set.
func (f RegexFlags) inlinePrefix() string {
	var b strings.Builder
	if f&RegexCaseInsensitive != 0 {
		b.WriteByte('i')
	}
	if f&RegexMultiline != 0 {
		b.WriteByte('m')
	}
	if f&RegexDotAll != 0 {
		b.WriteByte('s')
	}
	if b.Len() == 0 {
		return ""
	}
	return "(?" + b.String() + ")"
}

// compiledBucket pairs a pattern's source string with its compiled form so
// audit records can report the source the operator configured.
type compiledBucket struct {
	sources  []string
	patterns []*regexp.Regexp
}

// RegexFilter is the pattern-matching sibling of KeywordFilter: same
// threshold-bucket semantics, but bucket entries are regular expressions. A
// pattern matches when it finds any occurrence in the query. All patterns
// compile at construction; a compile failure prevents instance creation.
type RegexFilter struct {
	Base

	buckets    map[int]compiledBucket
	thresholds []int
	stopOnFlag bool
	flags      RegexFlags

	lastTriggered  []TriggeredBucket
	lastIdentified map[int][]string
}

// NewRegexFilter validates and compiles the threshold map. Every threshold
// key must be >= 1 and the map must be non-empty.
func NewRegexFilter(name string, patternsByThreshold map[int][]string, stopOnFlag bool, flags RegexFlags, opts Options) (*RegexFilter, error) {
	if opts.DefaultFlaggedResponse == "" {
		opts.DefaultFlaggedResponse = "Query flagged by regex policy."
	}
	base, err := NewBase(name, opts)
	if err != nil {
		return nil, err
	}

	if len(patternsByThreshold) == 0 {
		return nil, core.NewConfigError("patterns_by_threshold must be a non-empty map of threshold to patterns", nil)
	}

	prefix := flags.inlinePrefix()
	buckets := make(map[int]compiledBucket, len(patternsByThreshold))
	thresholds := make([]int, 0, len(patternsByThreshold))
	for threshold, sources := range patternsByThreshold {
		if threshold < 1 {
			return nil, core.NewConfigError(fmt.Sprintf("threshold keys must be >= 1, got %d", threshold), nil)
		}
		sources = dedupe(sources)
		compiled := make([]*regexp.Regexp, 0, len(sources))
		for _, src := range sources {
			re, err := regexp.Compile(prefix + src)
			if err != nil {
				return nil, core.NewConfigError(
					fmt.Sprintf("invalid regex at threshold %d: %q", threshold, src), err)
			}
			compiled = append(compiled, re)
		}
		buckets[threshold] = compiledBucket{sources: sources, patterns: compiled}
		thresholds = append(thresholds, threshold)
	}
	sort.Ints(thresholds)

	return &RegexFilter{
		Base:       base,
		buckets:    buckets,
		thresholds: thresholds,
		stopOnFlag: stopOnFlag,
		flags:      flags,
	}, nil
}

// Run evaluates each bucket in ascending threshold order. The query is
// never rewritten.
func (f *RegexFilter) Run(_ context.Context, query string) (string, error) {
	f.lastTriggered = nil
	f.lastIdentified = make(map[int][]string, len(f.thresholds))

	for _, threshold := range f.thresholds {
		bucket := f.buckets[threshold]
		matched := make([]string, 0)
		for i, re := range bucket.patterns {
			if re.MatchString(query) {
				matched = append(matched, bucket.sources[i])
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
func (f *RegexFilter) Reset() {
	f.Base.Reset()
	f.lastTriggered = nil
	f.lastIdentified = nil
}

// FlaggedResponse enumerates the triggered buckets when flagged.
func (f *RegexFilter) FlaggedResponse() string {
	if !f.Flag() {
		return ""
	}
	if len(f.lastTriggered) > 0 {
		return fmt.Sprintf("The query was flagged by regex policy: %s.",
			formatBucketDetail("pattern", f.lastTriggered))
	}
	return f.Base.FlaggedResponse()
}

// Clone returns a fresh instance sharing the compiled patterns, which are
// safe for concurrent use.
func (f *RegexFilter) Clone() Module {
	return &RegexFilter{
		Base:       f.cloneBase(),
		buckets:    f.buckets,
		thresholds: f.thresholds,
		stopOnFlag: f.stopOnFlag,
		flags:      f.flags,
	}
}
