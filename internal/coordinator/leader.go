package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/metrics"
	"github.com/dreamware/conveyor/internal/storage"
)

// LeaderLease is the lease name replicas compete for.
const LeaderLease = "leader"

// LeaderElector keeps trying to hold the leader lease. While it holds the
// lease it runs the elected callback with a context that is canceled as
// soon as the lease is lost or can no longer be renewed in time.
type LeaderElector struct {
	store    storage.LeaseStore
	holder   string
	ttl      time.Duration
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	onElected func(ctx context.Context)

	mu      sync.Mutex
	leader  string
	expires time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLeaderElector creates an elector for holder. The lease is renewed every
// ttl/3.
func NewLeaderElector(store storage.LeaseStore, holder string, ttl time.Duration, log *zap.Logger) *LeaderElector {
	return &LeaderElector{
		store:    store,
		holder:   holder,
		ttl:      ttl,
		interval: ttl / 3,
		log:      log,
		now:      time.Now,
	}
}

// OnElected sets the function run while this replica leads.
func (l *LeaderElector) OnElected(fn func(ctx context.Context)) {
	l.onElected = fn
}

// IsLeader reports whether this replica currently holds the lease.
func (l *LeaderElector) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Leader returns the holder seen on the last renewal attempt.
func (l *LeaderElector) Leader() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

// Run competes for the lease until ctx is done, then steps down and releases
// the lease so another replica can take over without waiting for the TTL.
func (l *LeaderElector) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.Tick(ctx)
		select {
		case <-ctx.Done():
			if l.stepDown("shutting down") {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := l.store.ReleaseLease(releaseCtx, LeaderLease, l.holder); err != nil {
					l.log.Warn("failed to release leader lease", zap.Error(err))
				}
				cancel()
			}
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one acquire or renew attempt.
func (l *LeaderElector) Tick(ctx context.Context) {
	now := l.now()
	lease, err := l.store.AcquireLease(ctx, LeaderLease, l.holder, now, l.ttl)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		expired := l.cancel != nil && !now.Add(l.interval).Before(l.expires)
		l.mu.Unlock()
		l.log.Warn("leader lease renewal failed", zap.Error(err))
		if expired {
			l.stepDown("lease could not be renewed in time")
		}
		return
	}

	l.mu.Lock()
	l.leader = lease.Holder
	held := lease.HeldBy(l.holder, now)
	if held {
		l.expires = lease.Expires
	}
	leading := l.cancel != nil
	l.mu.Unlock()

	switch {
	case held && !leading:
		l.elect(ctx)
	case !held && leading:
		l.stepDown("lease taken by " + lease.Holder)
	}
}

func (l *LeaderElector) elect(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	metrics.SetLeader(true)
	l.log.Info("acquired leader lease", zap.String("holder", l.holder), zap.Duration("ttl", l.ttl))
	if l.onElected == nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.onElected(ctx)
	}()
}

// stepDown cancels the leader context and waits for the elected callback
// to return. It reports whether this replica was leading.
func (l *LeaderElector) stepDown(reason string) bool {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	l.wg.Wait()
	metrics.SetLeader(false)
	l.log.Info("lost leader lease", zap.String("reason", reason))
	return true
}
