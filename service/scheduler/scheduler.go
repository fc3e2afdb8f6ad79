package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"golang.org/x/sync/semaphore"

	"github.com/swapslab/tradeloop/service/delta"
	"github.com/swapslab/tradeloop/service/discover"
	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/limit"
	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/loopcache"
	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/service/throttle"
)

// CollectionResolver fetches the membership of a collection from an
// external catalog. It is optional; tenants that always submit explicit
// member lists never hit it.
type CollectionResolver interface {
	Members(ctx context.Context, k persist.CollectionID) ([]persist.NFTID, error)
}

// Outcome is the terminal report of one scheduled discovery.
type Outcome struct {
	Result discover.Result
	Err    error
}

const (
	breakerFailureThreshold = 5
	breakerCooldown         = 30 * time.Second
)

// Scheduler owns a tenant's background work: the coalescing discovery
// queue, the single discovery worker, collection expansion pacing, and the
// TTL sweeper. Mutation records go in, cache updates and notifications come
// out.
type Scheduler struct {
	tenant   persist.TenantID
	settings func() persist.TenantSettings
	store    *graph.Store
	pipeline *discover.Pipeline
	cache    *loopcache.Cache

	queue  *delta.Coalescer
	locker *throttle.Locker

	// Discoveries are serialized per tenant so revalidation always runs
	// against state at least as new as the run it follows.
	wp *workerpool.WorkerPool

	expansionSem  *semaphore.Weighted
	expandLimiter *limit.KeyRateLimiter
	resolver      CollectionResolver
	breaker       *Breaker

	inFlight int32

	mu      sync.Mutex
	waiters map[string][]chan Outcome

	stopOnce sync.Once
	stop     chan struct{}
	swept    chan struct{}
}

// New wires a scheduler for one tenant. resolver may be nil.
func New(tenant persist.TenantID, settings func() persist.TenantSettings, store *graph.Store, pipeline *discover.Pipeline, cache *loopcache.Cache, locker *throttle.Locker, resolver CollectionResolver) *Scheduler {
	s := settings()
	return &Scheduler{
		tenant:        tenant,
		settings:      settings,
		store:         store,
		pipeline:      pipeline,
		cache:         cache,
		queue:         delta.NewCoalescer(s.QueueDepth),
		locker:        locker,
		wp:            workerpool.New(1),
		expansionSem:  semaphore.NewWeighted(int64(s.ExpansionWorkers)),
		expandLimiter: limit.NewKeyRateLimiter(int64(s.ExpansionRateBurst), time.Duration(s.ExpansionRateMS)*time.Millisecond),
		resolver:      resolver,
		breaker:       NewBreaker(breakerFailureThreshold, breakerCooldown),
		waiters:       map[string][]chan Outcome{},
		stop:          make(chan struct{}),
		swept:         make(chan struct{}),
	}
}

// Start launches the TTL sweeper. Discovery workers are demand driven and
// need no start.
func (s *Scheduler) Start() {
	go s.sweepLoop()
}

// Stop drains the discovery queue, stops the sweeper, and fails any
// remaining waiters.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.swept
		s.wp.StopWait()

		s.mu.Lock()
		for fp, chans := range s.waiters {
			for _, ch := range chans {
				ch <- Outcome{Err: context.Canceled}
			}
			delete(s.waiters, fp)
		}
		s.mu.Unlock()
	})
}

// Submit folds a batch of mutation records into one pending discovery,
// marking impacted loops stale first. The returned channel delivers the
// run's outcome; a nil channel with ErrBusy means the queue rejected the
// work and the caller should back off.
func (s *Scheduler) Submit(ctx context.Context, recs ...persist.MutationRecord) (<-chan Outcome, error) {
	if len(recs) == 0 {
		return nil, persist.ErrInvalidArgument{Reason: "no mutation records"}
	}

	var roots []persist.WalletID
	var generation uint64
	for _, rec := range recs {
		s.cache.MarkStale(ctx, rec)
		roots = append(roots, delta.Roots(rec)...)
		if rec.Generation > generation {
			generation = rec.Generation
		}
	}

	fp := delta.Fingerprint(s.tenant, roots)
	ch := make(chan Outcome, 1)

	s.mu.Lock()
	s.waiters[fp] = append(s.waiters[fp], ch)
	s.mu.Unlock()

	err := s.queue.Push(delta.Task{Fingerprint: fp, Roots: roots, Generation: generation})
	if err != nil {
		s.dropWaiter(fp, ch)
		return nil, err
	}

	s.wp.Submit(s.drain)
	return ch, nil
}

// TriggerFull enqueues a whole-graph discovery, used at tenant bootstrap
// and after snapshot replay.
func (s *Scheduler) TriggerFull(ctx context.Context) (<-chan Outcome, error) {
	fp := delta.Fingerprint(s.tenant, nil)
	ch := make(chan Outcome, 1)

	s.mu.Lock()
	s.waiters[fp] = append(s.waiters[fp], ch)
	s.mu.Unlock()

	if err := s.queue.Push(delta.Task{Fingerprint: fp, Generation: s.store.Generation()}); err != nil {
		s.dropWaiter(fp, ch)
		return nil, err
	}

	s.wp.Submit(s.drain)
	return ch, nil
}

func (s *Scheduler) drain() {
	t, ok := s.queue.Pop()
	if !ok {
		return
	}
	s.runTask(t)
}

func (s *Scheduler) runTask(t delta.Task) {
	ctx := logger.NewContextWithFields(context.Background(), map[string]interface{}{
		"tenant":      s.tenant.String(),
		"fingerprint": t.Fingerprint,
	})

	lockKey := "discover:" + t.Fingerprint
	if err := s.locker.Lock(ctx, lockKey); err != nil {
		if _, locked := err.(throttle.ErrThrottleLocked); locked {
			// An identical run is already in flight; requeue so the newer
			// generation is not lost.
			if pushErr := s.queue.Push(t); pushErr != nil {
				s.resolveWaiters(ctx, t.Fingerprint, Outcome{Err: pushErr})
				return
			}
			s.wp.Submit(s.drain)
			return
		}
		logger.For(ctx).Errorf("fingerprint lock failed: %s", err)
	}
	defer s.locker.Unlock(ctx, lockKey)

	atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	var view *graph.View
	if len(t.Roots) == 0 {
		view = s.store.View()
	} else {
		view = s.store.ViewAround(t.Roots, s.settings().MaxDepth)
	}

	res := s.pipeline.Discover(ctx, view, t.Roots)
	for _, cycle := range res.Cycles {
		s.cache.Put(ctx, cycle)
	}

	// Stale loops outside this run's scope are resolved against a fresh
	// full view so the cache never serves a loop with a broken step.
	s.cache.Revalidate(ctx, s.store.View())

	s.resolveWaiters(ctx, t.Fingerprint, Outcome{Result: res})
}

func (s *Scheduler) resolveWaiters(ctx context.Context, fp string, out Outcome) {
	s.mu.Lock()
	chans := s.waiters[fp]
	delete(s.waiters, fp)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- out
	}
}

func (s *Scheduler) dropWaiter(fp string, ch chan Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[fp]
	for i, c := range chans {
		if c == ch {
			s.waiters[fp] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[fp]) == 0 {
		delete(s.waiters, fp)
	}
}

// ResolveCollection fetches collection membership through the breaker, the
// expansion semaphore, and the tenant's expansion rate limit.
func (s *Scheduler) ResolveCollection(ctx context.Context, k persist.CollectionID) ([]persist.NFTID, error) {
	if s.resolver == nil {
		return nil, persist.ErrDependencyUnavailable
	}

	ok, wait, err := s.expandLimiter.ForKey(ctx, "expand:"+s.tenant.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.For(ctx).Debugf("expansion rate limited for %s, retry in %s", k, wait)
		return nil, persist.ErrRateLimited
	}

	if !s.breaker.Allow() {
		return nil, persist.ErrDependencyUnavailable
	}

	if err := s.expansionSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.expansionSem.Release(1)

	members, err := s.resolver.Members(ctx, k)
	if err != nil {
		s.breaker.Failure()
		logger.For(ctx).Warnf("collection resolver failed for %s: %s", k, err)
		return nil, persist.ErrDependencyUnavailable
	}
	s.breaker.Success()
	return members, nil
}

func (s *Scheduler) sweepLoop() {
	defer close(s.swept)
	ticker := time.NewTicker(s.settings().SweepInterval())
	defer ticker.Stop()

	ctx := logger.NewContextWithFields(context.Background(), map[string]interface{}{
		"tenant": s.tenant.String(),
	})
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cache.SweepExpired(ctx)
		}
	}
}

// QueueLen reports the number of distinct pending discoveries.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// InFlight reports how many discoveries are currently running.
func (s *Scheduler) InFlight() int {
	return int(atomic.LoadInt32(&s.inFlight))
}

// BreakerState reports the resolver breaker state for usage surfaces.
func (s *Scheduler) BreakerState() string {
	return s.breaker.State()
}
