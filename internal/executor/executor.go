// Package executor coordinates the input and output pipe chains for a
// gateway. The executor itself is sequential between pipes; concurrency
// lives inside threaded pipes.
//
// A configured executor is shared across requests. Callers must not run a
// shared instance directly: Clone returns a request-scoped copy whose
// transient state (flags, scores, audit records) is isolated, so concurrent
// requests never see each other's results.
package executor

import (
	"context"

	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/pipe"
)

// Executor holds the ordered input and output pipe chains.
type Executor struct {
	inputPipes  []pipe.Pipe
	outputPipes []pipe.Pipe
	raiseOnFlag bool
}

// New assigns pipe IDs in declaration order and returns an Executor.
func New(inputPipes, outputPipes []pipe.Pipe, raiseOnFlag bool) *Executor {
	for i, p := range inputPipes {
		p.AssignID(i + 1)
	}
	for i, p := range outputPipes {
		p.AssignID(i + 1)
	}
	return &Executor{
		inputPipes:  inputPipes,
		outputPipes: outputPipes,
		raiseOnFlag: raiseOnFlag,
	}
}

// InputPipes returns the input chain in execution order.
func (e *Executor) InputPipes() []pipe.Pipe { return e.inputPipes }

// OutputPipes returns the output chain in execution order.
func (e *Executor) OutputPipes() []pipe.Pipe { return e.outputPipes }

// RaiseOnFlag reports whether flagged pipes abort execution.
func (e *Executor) RaiseOnFlag() bool { return e.raiseOnFlag }

// ExecuteInputs feeds text through each input pipe in order; pipe i's
// output is pipe i+1's input. With RaiseOnFlag, a flagged pipe aborts the
// chain (after that pipe completes) with a flagged-input error.
func (e *Executor) ExecuteInputs(ctx context.Context, text string) (string, error) {
	return e.execute(ctx, e.inputPipes, text, core.NewFlaggedInputError)
}

// ExecuteOutputs is the symmetric pass over the output pipes, raising a
// flagged-output error instead.
func (e *Executor) ExecuteOutputs(ctx context.Context, text string) (string, error) {
	return e.execute(ctx, e.outputPipes, text, core.NewFlaggedOutputError)
}

func (e *Executor) execute(ctx context.Context, pipes []pipe.Pipe, text string, flagErr func() *core.GatewayError) (string, error) {
	current := text
	for _, p := range pipes {
		current = pipe.Invoke(ctx, p, current)
		if e.raiseOnFlag && p.Flag() {
			return current, flagErr()
		}
	}
	return current, nil
}

// InputFlagged reports whether any input pipe flagged in the last run.
func (e *Executor) InputFlagged() bool { return anyFlagged(e.inputPipes) }

// OutputFlagged reports whether any output pipe flagged in the last run.
func (e *Executor) OutputFlagged() bool { return anyFlagged(e.outputPipes) }

func anyFlagged(pipes []pipe.Pipe) bool {
	for _, p := range pipes {
		if p.Flag() {
			return true
		}
	}
	return false
}

// InputFlaggedResponse joins each input pipe's flagged response.
func (e *Executor) InputFlaggedResponse() string { return flaggedResponse(e.inputPipes) }

// OutputFlaggedResponse joins each output pipe's flagged response.
func (e *Executor) OutputFlaggedResponse() string { return flaggedResponse(e.outputPipes) }

func flaggedResponse(pipes []pipe.Pipe) string {
	resp := ""
	for _, p := range pipes {
		r := p.FlaggedResponse()
		if r == "" {
			continue
		}
		if resp != "" {
			resp += "\n"
		}
		resp += r
	}
	return resp
}

// Logs returns a snapshot of the full audit tree: one record per pipe
// (inputs first, then outputs), each carrying its modules' records.
func (e *Executor) Logs() []map[string]any {
	logs := make([]map[string]any, 0, len(e.inputPipes)+len(e.outputPipes))
	for _, p := range e.inputPipes {
		logs = append(logs, p.AuditLogs())
	}
	for _, p := range e.outputPipes {
		logs = append(logs, p.AuditLogs())
	}
	return logs
}

// Clone returns a request-scoped copy of the whole pipe tree. Immutable
// configuration (keyword maps, compiled patterns, HTTP clients) is shared;
// transient state is fresh.
func (e *Executor) Clone() *Executor {
	inputs := make([]pipe.Pipe, len(e.inputPipes))
	for i, p := range e.inputPipes {
		inputs[i] = p.Clone()
	}
	outputs := make([]pipe.Pipe, len(e.outputPipes))
	for i, p := range e.outputPipes {
		outputs[i] = p.Clone()
	}
	return &Executor{
		inputPipes:  inputs,
		outputPipes: outputs,
		raiseOnFlag: e.raiseOnFlag,
	}
}
