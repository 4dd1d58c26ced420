package pipeline

import (
	"context"
	"sync"
	"time"

	"retratai/internal/domain"
	"retratai/internal/infra"
)

// Registry runs submissions in the background and keeps finished runs
// around for Retention so clients can still read their outcome.
type Registry struct {
	pipeline  *Pipeline
	ctx       context.Context
	retention time.Duration
	logger    *infra.Logger
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*entry
	wg   sync.WaitGroup
}

type entry struct {
	run        *Run
	finishedAt time.Time
}

// NewRegistry binds runs to ctx; cancelling it aborts in-flight calls.
func NewRegistry(ctx context.Context, p *Pipeline, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Registry{
		pipeline:  p,
		ctx:       ctx,
		retention: retention,
		logger:    p.logger,
		now:       p.now,
		runs:      make(map[string]*entry),
	}
}

// Launch starts sub in its own goroutine.
func (g *Registry) Launch(sub *domain.Submission) (*Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked()
	if _, ok := g.runs[sub.ID]; ok {
		return nil, ErrAlreadyStarted
	}
	run := g.pipeline.NewRun(sub)
	e := &entry{run: run}
	g.runs[sub.ID] = e

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if _, err := run.Execute(g.ctx); err != nil {
			g.logger.Debug().Err(err).Str("submission_id", sub.ID).Msg("pipeline: run finished with error")
		}
		g.mu.Lock()
		e.finishedAt = g.now()
		g.mu.Unlock()
	}()
	return run, nil
}

// Get returns the run for id.
func (g *Registry) Get(id string) (*Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.runs[id]
	if !ok {
		return nil, false
	}
	return e.run, true
}

// Cancel cancels the run for id. It returns domain.ErrNotFound for unknown ids.
func (g *Registry) Cancel(id string) (bool, error) {
	run, ok := g.Get(id)
	if !ok {
		return false, domain.ErrNotFound
	}
	return run.Cancel(), nil
}

// Len reports how many runs are tracked.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runs)
}

// Counts reports how many tracked runs sit in each state.
func (g *Registry) Counts() map[State]int {
	g.mu.Lock()
	runs := make([]*Run, 0, len(g.runs))
	for _, e := range g.runs {
		runs = append(runs, e.run)
	}
	g.mu.Unlock()

	counts := make(map[State]int)
	for _, run := range runs {
		counts[run.State()]++
	}
	return counts
}

// Evict drops runs that finished more than Retention ago.
func (g *Registry) Evict() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evictLocked()
}

func (g *Registry) evictLocked() int {
	cutoff := g.now().Add(-g.retention)
	removed := 0
	for id, e := range g.runs {
		if !e.finishedAt.IsZero() && e.finishedAt.Before(cutoff) {
			delete(g.runs, id)
			removed++
		}
	}
	return removed
}

// Wait blocks until every launched run has returned or ctx is done.
func (g *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
