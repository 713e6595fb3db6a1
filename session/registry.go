package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handle is the registry's view of a releasable session.
type Handle interface {
	IsOpen() bool
	TxActive() bool
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

// Coordinator is the registry's view of an externally managed transaction
// coordinator. A coordinator-managed transaction left active at teardown
// is rolled back before any session-local recovery.
type Coordinator interface {
	Active() bool
	Rollback(ctx context.Context) error
}

// Recovery describes the best-effort cleanup performed while releasing a
// handle. Secondary failures swallowed during recovery (a rollback that
// itself failed, usually because nothing was left to roll back) are kept
// in Ignored so callers can distinguish them from a clean release without
// a dedicated error type.
type Recovery struct {
	CoordinatorRollback bool
	LocalRollback       bool
	ForcedClose         bool
	Ignored             []error
}

func (r *Recovery) merge(other Recovery) {
	r.CoordinatorRollback = r.CoordinatorRollback || other.CoordinatorRollback
	r.LocalRollback = r.LocalRollback || other.LocalRollback
	r.ForcedClose = r.ForcedClose || other.ForcedClose
	r.Ignored = append(r.Ignored, other.Ignored...)
}

// Registry tracks the sessions opened during the current test and releases
// them at teardown. Tests run single-threaded; the mutex is a safety net
// for handles tracked from helper goroutines.
type Registry struct {
	mu          sync.Mutex
	handles     []Handle
	coordinator Coordinator
	logger      *zap.Logger
}

// NewRegistry creates an empty registry. coordinator may be nil when no
// externally managed transactions are in play.
func NewRegistry(coordinator Coordinator, logger *zap.Logger) *Registry {
	return &Registry{coordinator: coordinator, logger: logger}
}

// SetCoordinator installs the coordinator consulted during release. The
// factory scope calls this once the coordinated transaction manager
// exists; passing nil detaches it.
func (r *Registry) SetCoordinator(c Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coordinator = c
}

// Track registers a handle for teardown. Tracking the same handle twice is
// a no-op so a handle is never released twice through the registry.
func (r *Registry) Track(h Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tracked := range r.handles {
		if tracked == h {
			return
		}
	}
	r.handles = append(r.handles, h)
}

// Len returns the number of tracked handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Release closes a handle after recovering any transactional state left on
// it. It is idempotent: releasing an already-closed handle is a no-op.
//
// The recovery order is load-bearing: a coordinator-managed transaction is
// rolled back first, then a session-local transaction, and only then is
// the handle closed. Closing first would orphan transactional state in the
// backing engine. Rollback failures are swallowed into the Recovery value;
// only a failing close propagates as an error.
func (r *Registry) Release(ctx context.Context, h Handle) (Recovery, error) {
	var rec Recovery
	if h == nil || !h.IsOpen() {
		return rec, nil
	}

	if r.coordinator != nil && r.coordinator.Active() {
		r.logger.Warn("Cleaning up unfinished coordinated transaction")
		if err := r.coordinator.Rollback(ctx); err != nil {
			rec.Ignored = append(rec.Ignored, err)
		} else {
			rec.CoordinatorRollback = true
		}
	}

	if h.TxActive() {
		r.logger.Warn("Session left an open transaction, fix your test case")
		r.logger.Warn("Rolling back the transaction during teardown")
		if err := h.Rollback(ctx); err != nil {
			// Benign race between explicit and implicit transaction
			// management; recorded but not propagated.
			rec.Ignored = append(rec.Ignored, err)
		} else {
			rec.LocalRollback = true
		}
	}

	if h.IsOpen() {
		r.logger.Warn("Session is not closed, closing it during teardown")
		if err := h.Close(ctx); err != nil {
			return rec, err
		}
		rec.ForcedClose = true
	}
	return rec, nil
}

// ReleaseAll releases every tracked handle in tracking order and clears
// the registry. The merged Recovery reports all forced cleanups; the first
// close error is returned after all handles have been attempted.
func (r *Registry) ReleaseAll(ctx context.Context) (Recovery, error) {
	r.mu.Lock()
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	var rec Recovery
	var firstErr error
	for _, h := range handles {
		hr, err := r.Release(ctx, h)
		rec.merge(hr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return rec, firstErr
}
