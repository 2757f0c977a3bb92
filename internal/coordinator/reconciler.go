package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/metrics"
)

// Reconciler runs a reconcile function right away, then on every interval
// and whenever it is woken up.
type Reconciler struct {
	interval  time.Duration
	reconcile func(ctx context.Context) error
	log       *zap.Logger
	wakeup    chan *sync.WaitGroup
}

func NewReconciler(interval time.Duration, reconcile func(ctx context.Context) error, log *zap.Logger) *Reconciler {
	return &Reconciler{
		interval:  interval,
		reconcile: reconcile,
		log:       log,
		wakeup:    make(chan *sync.WaitGroup, 1),
	}
}

// Wakeup causes a reconcile to be performed as soon as possible. If wait is
// true it blocks until that reconcile completed; this must only be called
// while Run is active.
func (r *Reconciler) Wakeup(wait bool) {
	if wait {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		r.wakeup <- wg
		wg.Wait()
		return
	}
	select {
	case r.wakeup <- nil:
	default:
		// a wakeup is already pending
	}
}

// Run loops until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Debug("initial reconcile")
	r.runReconcile(ctx)
	for {
		select {
		case wg := <-r.wakeup:
			r.runReconcile(ctx)
			if wg != nil {
				wg.Done()
			}
		case <-ticker.C:
			r.runReconcile(ctx)
		case <-ctx.Done():
			// release anyone blocked in Wakeup(true)
			select {
			case wg := <-r.wakeup:
				if wg != nil {
					wg.Done()
				}
			default:
			}
			r.log.Debug("reconcile loop stopped")
			return
		}
	}
}

func (r *Reconciler) runReconcile(ctx context.Context) {
	start := time.Now()
	err := r.reconcile(ctx)
	metrics.ObserveReconcile(time.Since(start), err)
	if err != nil && ctx.Err() == nil {
		r.log.Warn("reconcile failed", zap.Error(err))
	}
}
