package pipe

import (
	"context"

	"github.com/securag/policygate/internal/filter"
)

// TypeSequential identifies pipes that thread output through modules in order.
const TypeSequential = "sequential"

// SequentialPipe runs modules in declaration order on the caller goroutine,
// feeding each module's output into the next. With StopOnFlag, a flagging
// module ends the run; later modules stay at status noexec.
type SequentialPipe struct {
	Base
	stopOnFlag bool
}

// NewSequentialPipe validates the module set and returns a SequentialPipe.
func NewSequentialPipe(name string, modules []filter.Module, stopOnFlag bool, opts Options) (*SequentialPipe, error) {
	base, err := NewBase(name, TypeSequential, modules, opts)
	if err != nil {
		return nil, err
	}
	return &SequentialPipe{Base: base, stopOnFlag: stopOnFlag}, nil
}

// Run threads the query through the modules, then aggregates flags.
func (p *SequentialPipe) Run(ctx context.Context, query string) (string, error) {
	current := query
	for _, m := range p.Modules() {
		current = filter.Invoke(ctx, m, current)
		if p.stopOnFlag && m.Flag() {
			break
		}
	}
	p.SetFlag()
	return current, nil
}

// Clone returns a request-scoped copy with cloned modules.
func (p *SequentialPipe) Clone() Pipe {
	return &SequentialPipe{Base: p.cloneBase(), stopOnFlag: p.stopOnFlag}
}
