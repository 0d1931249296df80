package pipe

import (
	"context"
	"sync"

	"github.com/securag/policygate/internal/filter"
)

// TypeThread identifies pipes that screen modules in parallel.
const TypeThread = "thread"

// DefaultMaxWorkers bounds a ThreadPipe's concurrency when unconfigured.
const DefaultMaxWorkers = 5

// ThreadPipe runs every module in parallel on the same input, bounded by a
// worker pool. With StopOnFlag, the first flagging module cancels the shared
// run context: modules that have not started are skipped, running modules
// see the cancellation through their context, cancelled modules keep status
// noexec, and completed modules keep their results.
//
// Threaded pipes are screening pipes: there is no defined merge of parallel
// rewrites, so Run always returns its input unchanged.
type ThreadPipe struct {
	Base
	stopOnFlag bool
	maxWorkers int
}

// NewThreadPipe validates the module set and returns a ThreadPipe.
func NewThreadPipe(name string, modules []filter.Module, stopOnFlag bool, maxWorkers int, opts Options) (*ThreadPipe, error) {
	base, err := NewBase(name, TypeThread, modules, opts)
	if err != nil {
		return nil, err
	}
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &ThreadPipe{Base: base, stopOnFlag: stopOnFlag, maxWorkers: maxWorkers}, nil
}

// Run screens the query through all modules concurrently, then aggregates
// flags over whatever completed.
func (p *ThreadPipe) Run(ctx context.Context, query string) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, p.maxWorkers)
	var wg sync.WaitGroup

	for _, m := range p.Modules() {
		wg.Add(1)
		go func(m filter.Module) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				// Never started: audit status stays noexec.
				return
			}

			// Cancellation may have landed while waiting for a worker slot.
			select {
			case <-runCtx.Done():
				return
			default:
			}

			filter.Invoke(runCtx, m, query)

			if p.stopOnFlag && m.Flag() {
				cancel()
			}
		}(m)
	}

	wg.Wait()
	p.SetFlag()
	return query, nil
}

// Clone returns a request-scoped copy with cloned modules.
func (p *ThreadPipe) Clone() Pipe {
	return &ThreadPipe{Base: p.cloneBase(), stopOnFlag: p.stopOnFlag, maxWorkers: p.maxWorkers}
}
