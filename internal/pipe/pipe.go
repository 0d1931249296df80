// Package pipe composes filter modules into ordered groups with a
// flag-aggregation policy and a scheduling mode.
//
// Two schedulers exist:
//
//	SequentialPipe   m1 -> m2 -> m3        output of each module feeds the next
//	ThreadPipe       m1 | m2 | m3          all modules screen the same input in parallel
//
// A threaded pipe never rewrites: parallel rewrites have no defined merge, so
// it returns its input unchanged and only the flags and audit records matter.
package pipe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/filter"
	"github.com/securag/policygate/internal/metrics"
)

// Strategy controls how module flags aggregate into the pipe flag.
type Strategy string

const (
	// StrategyAny flags the pipe when any module flags.
	StrategyAny Strategy = "any"
	// StrategyAll flags the pipe when every module flags (vacuously true for
	// an empty pipe).
	StrategyAll Strategy = "all"
	// StrategyManual leaves flagging to the pipe body via ForceSetFlag.
	StrategyManual Strategy = "manual"
)

// Pipe is an ordered group of modules plus the aggregation state machine.
// Like modules, pipes are driven exclusively through Invoke.
type Pipe interface {
	Name() string
	Description() string

	// Type identifies the scheduling mode ("sequential" or "thread").
	Type() string

	Modules() []filter.Module

	AssignID(id int)
	ID() int

	// Run dispatches the query through the modules per the scheduling mode.
	Run(ctx context.Context, query string) (string, error)

	Reset()

	Flag() bool
	// SetFlag aggregates module flags per the strategy; a no-op for manual.
	SetFlag()
	// ForceSetFlag sets the flag directly, for manual-strategy pipe bodies.
	ForceSetFlag(flag bool)

	ExecTime() float64
	setExecTime(ms float64)

	Status() filter.Status
	LogAudit(level filter.Level, entry map[string]any)

	// AuditLogs returns the pipe audit record with a "modules" array of the
	// per-module records attached.
	AuditLogs() map[string]any

	// FlaggedResponse joins the flagged modules' responses, "" when unflagged.
	FlaggedResponse() string

	// Clone returns a request-scoped copy: shared immutable configuration,
	// fresh transient state, cloned modules.
	Clone() Pipe
}

// Base carries the state shared by every pipe kind.
type Base struct {
	name        string
	description string
	audit       bool
	strategy    Strategy
	pipeType    string
	modules     []filter.Module

	id       int
	flag     bool
	execTime float64
	auditLog map[string]any
}

// Options carries the configuration shared by every pipe kind.
type Options struct {
	Description      string
	Audit            bool
	FlaggingStrategy Strategy
}

// NewBase validates the name and module set and assigns 1-based module IDs
// in declaration order. Duplicate module names are a configuration error.
func NewBase(name, pipeType string, modules []filter.Module, opts Options) (Base, error) {
	if err := filter.ValidateName(name); err != nil {
		return Base{}, err
	}
	strategy := opts.FlaggingStrategy
	if strategy == "" {
		strategy = StrategyAny
	}
	switch strategy {
	case StrategyAny, StrategyAll, StrategyManual:
	default:
		return Base{}, core.NewConfigError(fmt.Sprintf("unknown flagging strategy %q", strategy), nil)
	}

	b := Base{
		name:        name,
		description: opts.Description,
		audit:       opts.Audit,
		strategy:    strategy,
		pipeType:    pipeType,
		modules:     modules,
	}
	if err := b.initializeModules(); err != nil {
		return Base{}, err
	}
	b.auditLog = b.emptyAuditLog()
	return b, nil
}

// initializeModules enforces name uniqueness and assigns IDs 1..N.
func (b *Base) initializeModules() error {
	names := make(map[string]struct{}, len(b.modules))
	for i, m := range b.modules {
		if _, dup := names[m.Name()]; dup {
			return core.NewConfigError(
				fmt.Sprintf("two or more modules have the same name %q in pipe %q", m.Name(), b.name), nil)
		}
		names[m.Name()] = struct{}{}
		m.AssignID(i + 1)
		m.Reset()
	}
	return nil
}

func (b *Base) emptyAuditLog() map[string]any {
	return map[string]any{
		"name":      b.name,
		"id":        b.id,
		"pipe_type": b.pipeType,
		"log":       map[string]any{},
		"status":    string(filter.StatusNoExec),
	}
}

// Name returns the pipe name.
func (b *Base) Name() string { return b.name }

// Description returns the pipe description.
func (b *Base) Description() string { return b.description }

// Type identifies the scheduling mode.
func (b *Base) Type() string { return b.pipeType }

// Modules returns the pipe's modules in declaration order.
func (b *Base) Modules() []filter.Module { return b.modules }

// AssignID sets the pipe's position within the executor.
func (b *Base) AssignID(id int) {
	b.id = id
	b.auditLog["id"] = id
}

// ID returns the pipe's position, 0 if unassigned.
func (b *Base) ID() int { return b.id }

// Flag returns the aggregated verdict for the current run.
func (b *Base) Flag() bool { return b.flag }

// SetFlag recomputes the pipe flag from the modules per the strategy.
// Manual pipes are untouched; they flag via ForceSetFlag.
func (b *Base) SetFlag() {
	switch b.strategy {
	case StrategyAny:
		b.flag = false
		for _, m := range b.modules {
			if m.Flag() {
				b.flag = true
				break
			}
		}
	case StrategyAll:
		b.flag = true
		for _, m := range b.modules {
			if !m.Flag() {
				b.flag = false
				break
			}
		}
	}
}

// ForceSetFlag sets the flag directly regardless of strategy.
func (b *Base) ForceSetFlag(flag bool) { b.flag = flag }

// ExecTime returns the last run's duration in milliseconds.
func (b *Base) ExecTime() float64 { return b.execTime }

func (b *Base) setExecTime(ms float64) { b.execTime = ms }

// Status returns the current audit status.
func (b *Base) Status() filter.Status {
	s, _ := b.auditLog["status"].(string)
	return filter.Status(s)
}

// LogAudit merges entry into the pipe audit record, gated by the audit flag.
func (b *Base) LogAudit(level filter.Level, entry map[string]any) {
	if !b.audit {
		b.auditLog["status"] = string(filter.StatusDisabled)
		return
	}
	switch level {
	case filter.LevelLog:
		log, _ := b.auditLog["log"].(map[string]any)
		if log == nil {
			log = map[string]any{}
			b.auditLog["log"] = log
		}
		for k, v := range entry {
			log[k] = v
		}
	case filter.LevelMain:
		for k, v := range entry {
			b.auditLog[k] = v
		}
	}
}

// AuditLogs returns the pipe record with the per-module records attached.
func (b *Base) AuditLogs() map[string]any {
	if !b.audit {
		return b.auditLog
	}

	logs := make(map[string]any, len(b.auditLog)+1)
	for k, v := range b.auditLog {
		logs[k] = v
	}
	moduleLogs := make([]map[string]any, 0, len(b.modules))
	for _, m := range b.modules {
		moduleLogs = append(moduleLogs, m.AuditLog())
	}
	logs["modules"] = moduleLogs
	return logs
}

// Reset clears transient state on the pipe and every module.
func (b *Base) Reset() {
	b.auditLog = b.emptyAuditLog()
	b.auditLog["id"] = b.id
	b.flag = false
	b.execTime = 0
	for _, m := range b.modules {
		m.Reset()
	}
}

// FlaggedResponse joins the flagged modules' responses with newlines.
func (b *Base) FlaggedResponse() string {
	if !b.flag {
		return ""
	}
	resp := ""
	for _, m := range b.modules {
		if !m.Flag() {
			continue
		}
		if resp != "" {
			resp += "\n"
		}
		resp += m.FlaggedResponse()
	}
	return resp
}

// cloneBase copies the immutable configuration, clones every module, and
// starts with fresh transient state.
func (b *Base) cloneBase() Base {
	modules := make([]filter.Module, len(b.modules))
	for i, m := range b.modules {
		modules[i] = m.Clone()
	}
	c := Base{
		name:        b.name,
		description: b.description,
		audit:       b.audit,
		strategy:    b.strategy,
		pipeType:    b.pipeType,
		modules:     modules,
		id:          b.id,
	}
	c.auditLog = c.emptyAuditLog()
	c.auditLog["id"] = c.id
	return c
}

// Invoke is the only entry point for running a pipe. It resets state,
// dispatches to Run, and captures status, timing, and input/output in the
// audit record. An uncaught failure returns the original query unchanged
// with the traceback recorded; pipe errors never crash the executor.
func Invoke(ctx context.Context, p Pipe, query string) string {
	start := time.Now()
	p.Reset()

	defer func() {
		ms := float64(time.Since(start).Nanoseconds()) / 1e6
		p.setExecTime(ms)
		p.LogAudit(filter.LevelMain, map[string]any{"execution_time": ms})
		if p.Flag() {
			metrics.PipeFlags.WithLabelValues(p.Name()).Inc()
		}
	}()

	result, err := safeRun(ctx, p, query)
	loggedTime := time.Now().Format("2006-01-02 15:04:05")

	if err != nil {
		p.LogAudit(filter.LevelLog, map[string]any{
			"message":   err.Error(),
			"traceback": string(debug.Stack()),
		})
		p.LogAudit(filter.LevelMain, map[string]any{
			"status": string(filter.StatusError), "flag": p.Flag(), "logged_time": loggedTime,
		})
		return query
	}

	p.LogAudit(filter.LevelLog, map[string]any{"input": query, "output": result})
	p.LogAudit(filter.LevelMain, map[string]any{
		"status": string(filter.StatusSuccess), "flag": p.Flag(), "logged_time": loggedTime,
	})
	return result
}

func safeRun(ctx context.Context, p Pipe, query string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = query
			err = fmt.Errorf("pipe %q panicked: %v", p.Name(), r)
		}
	}()
	return p.Run(ctx, query)
}
