package vfsindex

import "golang.org/x/sync/errgroup"

// Analyzer drives Analyze over a batch of on-disk paths across a bounded
// worker pool. Grounded on tinyrange-cc's testrunner.Runner.buildAll
// (semaphore channel + bounded concurrency), generalized to errgroup so the
// first failing Analyze call's error is the one reported. Calls are not
// cancelled on failure: every scheduled Analyze still runs to completion
// (spec §4.2, §5).
type Analyzer struct {
	ctx         *Context
	parallelism int
	queueDepth  int
}

// AnalyzerOption configures an Analyzer at construction time.
type AnalyzerOption func(*Analyzer)

// WithParallelism sets the number of concurrent Analyze workers
// ("analysis_parallelism" tunable). Default 8.
func WithParallelism(n int) AnalyzerOption {
	return func(a *Analyzer) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

// WithQueueDepth sets the bounded queue depth feeding the worker pool
// ("analysis_queue_depth" tunable). Default 1024 per spec §5.
func WithQueueDepth(n int) AnalyzerOption {
	return func(a *Analyzer) {
		if n > 0 {
			a.queueDepth = n
		}
	}
}

// NewAnalyzer creates an Analyzer bound to ctx (for hashing, archive
// detection/extraction, scratch dirs, logging, and metrics).
func NewAnalyzer(ctx *Context, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{ctx: ctx, parallelism: 8, queueDepth: 1024}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnalyzeAll runs Analyze over every path concurrently, bounded by the
// Analyzer's parallelism, and returns one VirtualFile per input path in the
// same order as paths (the order is for caller convenience only — downstream
// consumers, per spec §5, must not depend on completion order).
func (a *Analyzer) AnalyzeAll(paths []string) ([]*VirtualFile, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	results := make([]*VirtualFile, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(a.parallelism)

	queueDepth := a.queueDepth
	if queueDepth > len(paths) {
		queueDepth = len(paths)
	}
	queue := make(chan int, queueDepth)
	go func() {
		defer close(queue)
		for i := range paths {
			queue <- i
		}
	}()

	for idx := range queue {
		idx := idx
		g.Go(func() error {
			vf, err := Analyze(a.ctx, nil, paths[idx], paths[idx])
			if err != nil {
				return err
			}
			results[idx] = vf
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
