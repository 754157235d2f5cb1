// Package intake wires the discovery source to the stability detector
// and the job orchestrator: for every candidate path discovery emits,
// intake polls the detector until it reports Stable, Gone, or Errored,
// and submits a Job only for Stable. Each phase feeds the next via plain function calls
// over a per-path event-driven loop, since discovery is unbounded and
// live rather than a single upfront file list.
package intake

import (
	"context"
	"sync"
	"time"

	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/stability"
)

// Engine is the subset of *orchestrator.Engine intake depends on.
type Engine interface {
	SubmitJob(sourcePath string, initialSize int64, requiredTargets []string, now time.Time) (*domain.Job, error)
}

// Loop polls the Stability Detector for every path discovery.Source emits
// and submits a Job to Engine once a path settles on Stable.
type Loop struct {
	Detector        *stability.Detector
	Engine          Engine
	RequiredTargets []string
	RecheckInterval time.Duration

	// ErrCh receives SubmitJob failures for the caller to drain. May be nil.
	ErrCh chan error

	mu       sync.Mutex
	inFlight map[string]bool
}

// New constructs a Loop.
func New(detector *stability.Detector, engine Engine, requiredTargets []string, recheckInterval time.Duration, errCh chan error) *Loop {
	return &Loop{
		Detector:        detector,
		Engine:          engine,
		RequiredTargets: requiredTargets,
		RecheckInterval: recheckInterval,
		ErrCh:           errCh,
		inFlight:        make(map[string]bool),
	}
}

// Run consumes candidates until the channel closes (discovery.Source
// closes it on context cancellation) or ctx is cancelled, whichever comes
// first. Each distinct path is tracked by its own goroutine so that a slow
// stability window on one file never delays another's rechecks.
func (l *Loop) Run(ctx context.Context, candidates <-chan string) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case path, ok := <-candidates:
			if !ok {
				wg.Wait()
				return
			}
			if l.claim(path) {
				wg.Add(1)
				go func(p string) {
					defer wg.Done()
					defer l.release(p)
					l.track(ctx, p)
				}(path)
			}
		}
	}
}

func (l *Loop) claim(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[path] {
		return false
	}
	l.inFlight[path] = true
	return true
}

func (l *Loop) release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, path)
}

// track polls the detector for path at RecheckInterval until it resolves.
func (l *Loop) track(ctx context.Context, path string) {
	ticker := time.NewTicker(l.RecheckInterval)
	defer ticker.Stop()

	for {
		l.mu.Lock()
		result := l.Detector.Check(path, time.Now())
		l.mu.Unlock()
		switch result.Outcome {
		case stability.Stable:
			if _, err := l.Engine.SubmitJob(path, result.Size, l.RequiredTargets, time.Now()); err != nil {
				l.sendError(err)
			}
			return
		case stability.Gone:
			return
		case stability.Errored:
			l.sendError(result.Err)
			return
		case stability.StillGrowing:
			// fall through to wait for the next tick
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.Detector.Forget(path)
			l.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) sendError(err error) {
	if l.ErrCh == nil || err == nil {
		return
	}
	select {
	case l.ErrCh <- err:
	default:
	}
}
