package executor

import (
	"fmt"
	"time"

	"github.com/securag/policygate/config"
	"github.com/securag/policygate/internal/cache"
	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/filter"
	"github.com/securag/policygate/internal/pipe"
)

// Build constructs the executor declared by the filters configuration.
// respCache may be nil; HTTP filters with caching enabled then run uncached.
func Build(cfg config.FiltersConfig, respCache cache.Cache, cacheTTL time.Duration) (*Executor, error) {
	inputs, err := buildPipes(cfg.InputPipes, cfg.HFAuthToken, respCache, cacheTTL)
	if err != nil {
		return nil, fmt.Errorf("building input pipes: %w", err)
	}
	outputs, err := buildPipes(cfg.OutputPipes, cfg.HFAuthToken, respCache, cacheTTL)
	if err != nil {
		return nil, fmt.Errorf("building output pipes: %w", err)
	}
	return New(inputs, outputs, cfg.RaiseOnFlag), nil
}

func buildPipes(configs []config.PipeConfig, hfToken string, respCache cache.Cache, cacheTTL time.Duration) ([]pipe.Pipe, error) {
	pipes := make([]pipe.Pipe, 0, len(configs))
	for _, pc := range configs {
		p, err := buildPipe(pc, hfToken, respCache, cacheTTL)
		if err != nil {
			return nil, err
		}
		pipes = append(pipes, p)
	}
	return pipes, nil
}

func buildPipe(pc config.PipeConfig, hfToken string, respCache cache.Cache, cacheTTL time.Duration) (pipe.Pipe, error) {
	modules := make([]filter.Module, 0, len(pc.Modules))
	for _, mc := range pc.Modules {
		m, err := buildModule(mc, hfToken, respCache, cacheTTL)
		if err != nil {
			return nil, fmt.Errorf("pipe %q: %w", pc.Name, err)
		}
		modules = append(modules, m)
	}

	opts := pipe.Options{
		Description:      pc.Description,
		Audit:            pc.Audit,
		FlaggingStrategy: pipe.Strategy(pc.FlaggingStrategy),
	}

	switch pc.Type {
	case "thread":
		return pipe.NewThreadPipe(pc.Name, modules, pc.StopOnFlag, pc.MaxWorkers, opts)
	case "", "sequential":
		return pipe.NewSequentialPipe(pc.Name, modules, pc.StopOnFlag, opts)
	default:
		return nil, core.NewConfigError(fmt.Sprintf("pipe %q has unknown type %q", pc.Name, pc.Type), nil)
	}
}

func buildModule(mc config.ModuleConfig, hfToken string, respCache cache.Cache, cacheTTL time.Duration) (filter.Module, error) {
	opts := filter.Options{
		Description:            mc.Description,
		Audit:                  mc.Audit,
		DefaultFlaggedResponse: mc.DefaultFlaggedResponse,
	}

	switch mc.Type {
	case "keyword":
		return filter.NewKeywordFilter(mc.Name, mc.Keyword.Thresholds, stopOnFlag(mc.Keyword.StopOnFlag), opts)

	case "regex":
		var flags filter.RegexFlags
		if mc.Regex.CaseInsensitive {
			flags |= filter.RegexCaseInsensitive
		}
		if mc.Regex.Multiline {
			flags |= filter.RegexMultiline
		}
		if mc.Regex.DotAll {
			flags |= filter.RegexDotAll
		}
		return filter.NewRegexFilter(mc.Name, mc.Regex.Thresholds, stopOnFlag(mc.Regex.StopOnFlag), flags, opts)

	case "http":
		headers := make(map[string]string, len(mc.HTTP.Headers)+1)
		for k, v := range mc.HTTP.Headers {
			headers[k] = v
		}
		if hfToken != "" {
			if _, set := headers["Authorization"]; !set {
				headers["Authorization"] = "Bearer " + hfToken
			}
		}

		f, err := filter.NewHTTPRequestFilter(mc.Name, filter.HTTPRequestFilterConfig{
			URL:               mc.HTTP.URL,
			QueryField:        mc.HTTP.QueryField,
			Headers:           headers,
			Timeout:           time.Duration(mc.HTTP.TimeoutMS) * time.Millisecond,
			ScoringField:      mc.HTTP.ScoringField,
			LogsField:         mc.HTTP.LogsField,
			FlaggingField:     mc.HTTP.FlaggingField,
			FlaggingThresh:    mc.HTTP.FlaggingThresh,
			InvertedThresh:    mc.HTTP.InvertedThresh,
			DefaultFlagOnFail: mc.HTTP.DefaultFlagOnFail,
		}, opts)
		if err != nil {
			return nil, err
		}
		if mc.HTTP.Cache && respCache != nil {
			f.SetResponseCache(respCache, cacheTTL)
		}
		return f, nil

	default:
		return nil, core.NewConfigError(fmt.Sprintf("module %q has unknown type %q", mc.Name, mc.Type), nil)
	}
}

// stopOnFlag defaults to true when unset.
func stopOnFlag(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}
