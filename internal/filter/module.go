// Package filter implements the filter modules that inspect and rewrite
// content flowing through the gateway: keyword matching, regex matching,
// and remote HTTP classification.
//
// A Module is invoked exclusively through Invoke, which resets the module's
// transient state, times the run, and converts failures into an audited
// error status instead of propagating them. Module instances are cheap to
// Clone; the gateway clones the whole pipe tree per request so transient
// state (flag, score, audit log) never crosses request boundaries.
package filter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/metrics"
)

// Status is the lifecycle state recorded in a module's audit log.
type Status string

const (
	// StatusNoExec means the module has not run since its last reset.
	StatusNoExec Status = "noexec"
	// StatusSuccess means the module's run completed without error.
	StatusSuccess Status = "success"
	// StatusError means the module's run failed; the failure was swallowed.
	StatusError Status = "error"
	// StatusDisabled means auditing is off for this module.
	StatusDisabled Status = "disabled"
)

// Level selects which part of the audit record a write lands in.
type Level string

const (
	// LevelLog merges the entry into the nested "log" mapping.
	LevelLog Level = "log"
	// LevelMain merges the entry into the top-level audit record.
	LevelMain Level = "main"
)

// invalidNameChars matches characters that are not allowed in module or pipe names.
var invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// ValidateName rejects names containing <>:"/\|?* or control characters.
func ValidateName(name string) error {
	if invalidNameChars.MatchString(name) {
		return core.NewConfigError(
			fmt.Sprintf("invalid name %q: cannot contain <>:\"/\\|?* or control characters", name), nil)
	}
	return nil
}

// Module is the contract every filter implements. Callers never call Run
// directly; Invoke is the only entry point.
//
// User-defined modules embed Base (which supplies everything except Run and
// Clone) and implement the rest.
type Module interface {
	Name() string
	Description() string

	// AssignID sets the module's 1-based position within its parent pipe.
	AssignID(id int)
	ID() int

	// Run inspects the query and optionally rewrites it. It may set the
	// flag and score and write into the audit log. Failures are returned,
	// not panicked; Invoke swallows both.
	Run(ctx context.Context, query string) (string, error)

	// Reset clears all transient state (flag, score, audit log, exec time).
	Reset()

	Flag() bool
	SetFlag(flag bool)
	Score() (float64, bool)
	SetScore(score float64)

	// ExecTime returns the last run's duration in milliseconds.
	ExecTime() float64
	setExecTime(ms float64)

	// Status returns the current audit status.
	Status() Status

	// LogAudit merges an entry into the audit record. A no-op (beyond
	// marking the record disabled) when auditing is off.
	LogAudit(level Level, entry map[string]any)

	// AuditLog returns the module's audit record for the current run.
	AuditLog() map[string]any

	// FlaggedResponse returns a human explanation when flagged, "" otherwise.
	FlaggedResponse() string

	// Clone returns a fresh instance sharing immutable configuration but
	// with cleared transient state, safe to run concurrently with the
	// original.
	Clone() Module
}

// Options carries the configuration shared by every module kind.
type Options struct {
	Description            string
	Audit                  bool
	DefaultFlaggedResponse string
}

// Base implements the shared state machine of a Module: identity, flag,
// score, exec time, the gated audit record, and a default FlaggedResponse.
// Concrete filters embed it and implement Run and Clone, overriding
// FlaggedResponse where they report more detail.
type Base struct {
	name                   string
	description            string
	audit                  bool
	defaultFlaggedResponse string

	id       int
	flag     bool
	score    *float64
	execTime float64
	auditLog map[string]any
}

// NewBase validates the name and returns an initialized Base.
func NewBase(name string, opts Options) (Base, error) {
	if err := ValidateName(name); err != nil {
		return Base{}, err
	}
	if opts.DefaultFlaggedResponse == "" {
		opts.DefaultFlaggedResponse = "The query was flagged."
	}
	b := Base{
		name:                   name,
		description:            opts.Description,
		audit:                  opts.Audit,
		defaultFlaggedResponse: opts.DefaultFlaggedResponse,
	}
	b.auditLog = b.emptyAuditLog()
	return b, nil
}

func (b *Base) emptyAuditLog() map[string]any {
	return map[string]any{
		"name":   b.name,
		"id":     b.id,
		"log":    map[string]any{},
		"status": string(StatusNoExec),
	}
}

// Name returns the module name.
func (b *Base) Name() string { return b.name }

// Description returns the module description.
func (b *Base) Description() string { return b.description }

// AuditEnabled reports whether audit records are kept for this module.
func (b *Base) AuditEnabled() bool { return b.audit }

// AssignID sets the module's position within its parent pipe.
func (b *Base) AssignID(id int) {
	b.id = id
	b.auditLog["id"] = id
}

// ID returns the module's 1-based position, 0 if unassigned.
func (b *Base) ID() int { return b.id }

// SetFlag records the policy verdict for the current run.
func (b *Base) SetFlag(flag bool) { b.flag = flag }

// Flag returns the policy verdict for the current run.
func (b *Base) Flag() bool { return b.flag }

// SetScore records a numeric score for the current run.
func (b *Base) SetScore(score float64) { b.score = &score }

// Score returns the score and whether one was set.
func (b *Base) Score() (float64, bool) {
	if b.score == nil {
		return 0, false
	}
	return *b.score, true
}

// ExecTime returns the last run's duration in milliseconds.
func (b *Base) ExecTime() float64 { return b.execTime }

func (b *Base) setExecTime(ms float64) { b.execTime = ms }

// Status returns the current audit status.
func (b *Base) Status() Status {
	s, _ := b.auditLog["status"].(string)
	return Status(s)
}

// LogAudit merges entry into the audit record at the given level. When
// auditing is disabled the record only carries status "disabled" and all
// writes are dropped.
func (b *Base) LogAudit(level Level, entry map[string]any) {
	if !b.audit {
		b.auditLog["status"] = string(StatusDisabled)
		return
	}
	switch level {
	case LevelLog:
		log, _ := b.auditLog["log"].(map[string]any)
		if log == nil {
			log = map[string]any{}
			b.auditLog["log"] = log
		}
		for k, v := range entry {
			log[k] = v
		}
	case LevelMain:
		for k, v := range entry {
			b.auditLog[k] = v
		}
	}
}

// AuditLog returns the module's audit record for the current run.
func (b *Base) AuditLog() map[string]any { return b.auditLog }

// Reset clears all transient state.
func (b *Base) Reset() {
	b.auditLog = b.emptyAuditLog()
	b.auditLog["id"] = b.id
	b.flag = false
	b.score = nil
	b.execTime = 0
}

// FlaggedResponse returns the configured default response when flagged.
func (b *Base) FlaggedResponse() string {
	if b.flag {
		return b.defaultFlaggedResponse
	}
	return ""
}

// cloneBase returns a copy of the immutable configuration with fresh
// transient state. The id survives cloning so per-request clones keep
// their position within the pipe.
func (b *Base) cloneBase() Base {
	c := Base{
		name:                   b.name,
		description:            b.description,
		audit:                  b.audit,
		defaultFlaggedResponse: b.defaultFlaggedResponse,
		id:                     b.id,
	}
	c.auditLog = c.emptyAuditLog()
	return c
}

// Invoke is the only entry point for running a module. It resets transient
// state, times the run, and on success merges status/flag/score into the
// audit record. Any failure (returned error or panic) flags the module,
// records the failure, and returns the original query unchanged. A run cut
// short by context cancellation is left at status noexec with a
// cancellation entry, and does not flag.
func Invoke(ctx context.Context, m Module, query string) string {
	start := time.Now()
	m.Reset()

	defer func() {
		elapsed := time.Since(start)
		ms := float64(elapsed.Nanoseconds()) / 1e6
		m.setExecTime(ms)
		m.LogAudit(LevelMain, map[string]any{"execution_time": ms})
		metrics.ModuleDuration.WithLabelValues(m.Name()).Observe(elapsed.Seconds())
		metrics.ModuleInvocations.WithLabelValues(m.Name(), string(m.Status())).Inc()
	}()

	result, err := safeRun(ctx, m, query)
	loggedTime := time.Now().Format("2006-01-02 15:04:05")

	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.LogAudit(LevelLog, map[string]any{"cancelled": true})
			m.LogAudit(LevelMain, map[string]any{
				"status": string(StatusNoExec), "flag": m.Flag(), "score": scoreValue(m), "logged_time": loggedTime,
			})
			return query
		}
		m.SetFlag(true)
		m.LogAudit(LevelLog, map[string]any{
			"message":   err.Error(),
			"traceback": string(debug.Stack()),
		})
		m.LogAudit(LevelMain, map[string]any{
			"status": string(StatusError), "flag": m.Flag(), "score": scoreValue(m), "logged_time": loggedTime,
		})
		return query
	}

	m.LogAudit(LevelMain, map[string]any{
		"status": string(StatusSuccess), "flag": m.Flag(), "score": scoreValue(m), "logged_time": loggedTime,
	})
	return result
}

// safeRun calls Run, converting panics into module runtime errors.
func safeRun(ctx context.Context, m Module, query string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = query
			err = core.NewModuleRuntimeError(m.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	return m.Run(ctx, query)
}

// scoreValue returns the score as a JSON-friendly value (nil when unset).
func scoreValue(m Module) any {
	if s, ok := m.Score(); ok {
		return s
	}
	return nil
}
