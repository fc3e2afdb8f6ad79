package tenant

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/swapslab/tradeloop/service/discover"
	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/loopcache"
	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/notify"
	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/service/scheduler"
	"github.com/swapslab/tradeloop/service/snapshot"
	"github.com/swapslab/tradeloop/service/throttle"
)

const notifyBuffer = 256

// Runtime is one tenant's fully wired engine: graph, discovery pipeline,
// loop cache, scheduler, notification stream, and optional persistence.
// Nothing in a runtime is shared with any other tenant.
type Runtime struct {
	Info persist.Tenant

	settings    atomic.Pointer[persist.TenantSettings]
	store       *graph.Store
	pipeline    *discover.Pipeline
	cache       *loopcache.Cache
	stream      *notify.Stream
	sched       *scheduler.Scheduler
	bridge      *snapshot.Bridge
	quarantined atomic.Bool
}

// Settings returns the current settings by value.
func (r *Runtime) Settings() persist.TenantSettings {
	return *r.settings.Load()
}

// Store returns the tenant's authoritative graph.
func (r *Runtime) Store() *graph.Store { return r.store }

// Cache returns the tenant's active loop cache.
func (r *Runtime) Cache() *loopcache.Cache { return r.cache }

// Scheduler returns the tenant's background scheduler.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }

// Stream returns the tenant's notification stream.
func (r *Runtime) Stream() *notify.Stream { return r.stream }

// Bridge returns the persistence bridge, nil when persistence is disabled.
func (r *Runtime) Bridge() *snapshot.Bridge { return r.bridge }

// Quarantined reports whether the tenant has been fenced off after an
// internal invariant violation.
func (r *Runtime) Quarantined() bool {
	return r.quarantined.Load()
}

// Quarantine fences the tenant: subsequent writes are rejected until an
// operator intervenes. Reads keep serving the last consistent state.
func (r *Runtime) Quarantine(ctx context.Context, detail string) {
	if r.quarantined.CompareAndSwap(false, true) {
		logger.For(ctx).Errorf("tenant %s quarantined: %s", r.Info.ID, detail)
	}
}

// Persist appends the record to the bridge when persistence is on.
func (r *Runtime) Persist(ctx context.Context, rec persist.MutationRecord) {
	if r.bridge != nil {
		r.bridge.Append(ctx, rec)
	}
}

// Registry owns the tenant table. All cross-tenant surfaces (admin API,
// middleware) go through it; everything else holds a single Runtime.
type Registry struct {
	metrics     metric.MetricReporter
	locker      *throttle.Locker
	resolver    scheduler.CollectionResolver
	persistRoot string
	validate    *validator.Validate

	mu      sync.RWMutex
	tenants map[persist.TenantID]*Runtime
}

// NewRegistry builds an empty registry. persistRoot is the base directory
// for tenant snapshots; resolver may be nil.
func NewRegistry(metrics metric.MetricReporter, locker *throttle.Locker, resolver scheduler.CollectionResolver, persistRoot string) *Registry {
	return &Registry{
		metrics:     metrics,
		locker:      locker,
		resolver:    resolver,
		persistRoot: persistRoot,
		validate:    validator.New(),
		tenants:     map[persist.TenantID]*Runtime{},
	}
}

// Create provisions a tenant. A nil settings pointer means engine
// defaults; partial settings are not merged, callers send the full struct.
// With persistence enabled, prior on-disk state is replayed and a full
// discovery is queued before the tenant is visible.
func (reg *Registry) Create(ctx context.Context, name string, settings *persist.TenantSettings, persistEnabled bool) (persist.Tenant, error) {
	s := persist.DefaultTenantSettings()
	if settings != nil {
		s = *settings
	}
	if err := reg.validate.Struct(s); err != nil {
		return persist.Tenant{}, persist.ErrInvalidArgument{Reason: err.Error()}
	}

	info := persist.Tenant{
		ID:             persist.GenerateTenantID(),
		Name:           name,
		CreatedAt:      time.Now(),
		PersistEnabled: persistEnabled,
	}

	r := &Runtime{Info: info}
	r.settings.Store(&s)
	settingsFn := func() persist.TenantSettings { return r.Settings() }

	r.store = graph.NewStore(info.ID, settingsFn, reg.metrics)
	r.stream = notify.NewStream(info.ID, notifyBuffer)
	r.cache = loopcache.New(info.ID, settingsFn, r.stream)
	r.pipeline = discover.NewPipeline(info.ID, settingsFn, discover.NewScorer(nil), reg.metrics)
	r.sched = scheduler.New(info.ID, settingsFn, r.store, r.pipeline, r.cache, reg.locker, reg.resolver)

	if persistEnabled {
		bridge, err := snapshot.NewBridge(reg.persistRoot, info.ID)
		if err != nil {
			return persist.Tenant{}, err
		}
		if err := bridge.Replay(ctx, r.store); err != nil {
			if _, fatal := err.(persist.ErrInvariantViolation); fatal {
				r.quarantined.Store(true)
			}
			logger.For(ctx).Errorf("replay failed for tenant %s: %s", info.ID, err)
		}
		r.bridge = bridge
	}

	r.sched.Start()
	if persistEnabled && r.store.Generation() > 0 {
		if _, err := r.sched.TriggerFull(ctx); err != nil {
			logger.For(ctx).Warnf("post-replay discovery not queued: %s", err)
		}
	}

	reg.mu.Lock()
	reg.tenants[info.ID] = r
	reg.mu.Unlock()

	logger.For(ctx).Infof("tenant %s (%s) created", info.ID, name)
	return info, nil
}

// Get resolves a tenant runtime.
func (reg *Registry) Get(id persist.TenantID) (*Runtime, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.tenants[id]
	if !ok {
		return nil, persist.ErrUnknownTenant{Tenant: id}
	}
	return r, nil
}

// List returns every tenant descriptor, for the admin surface.
func (reg *Registry) List() []persist.Tenant {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]persist.Tenant, 0, len(reg.tenants))
	for _, r := range reg.tenants {
		out = append(out, r.Info)
	}
	return out
}

// Delete tears a tenant down: scheduler stopped, stream closed, on-disk
// state removed. In-flight API calls holding the runtime finish against a
// stopped scheduler and get errors.
func (reg *Registry) Delete(ctx context.Context, id persist.TenantID) error {
	reg.mu.Lock()
	r, ok := reg.tenants[id]
	if !ok {
		reg.mu.Unlock()
		return persist.ErrUnknownTenant{Tenant: id}
	}
	delete(reg.tenants, id)
	reg.mu.Unlock()

	r.sched.Stop()
	r.stream.Close()
	if r.bridge != nil {
		if err := r.bridge.Destroy(ctx); err != nil {
			logger.For(ctx).Errorf("removing persisted state for tenant %s: %s", id, err)
		}
	}
	logger.For(ctx).Infof("tenant %s deleted", id)
	return nil
}

// UpdateSettings validates and atomically swaps a tenant's settings. Runs
// already in flight finish under the settings they started with.
func (reg *Registry) UpdateSettings(ctx context.Context, id persist.TenantID, s persist.TenantSettings) error {
	r, err := reg.Get(id)
	if err != nil {
		return err
	}
	if err := reg.validate.Struct(s); err != nil {
		return persist.ErrInvalidArgument{Reason: err.Error()}
	}
	r.settings.Store(&s)
	logger.For(ctx).Infof("tenant %s settings updated", id)
	return nil
}

// Usage assembles the tenant's usage report.
func (reg *Registry) Usage(ctx context.Context, id persist.TenantID) (persist.TenantUsage, error) {
	r, err := reg.Get(id)
	if err != nil {
		return persist.TenantUsage{}, err
	}
	u := persist.TenantUsage{
		Tenant:              id,
		Graph:               r.store.View().Stats(),
		ActiveLoops:         r.cache.Count(),
		DiscoveriesInFlight: r.sched.InFlight(),
		QueueDepth:          r.sched.QueueLen(),
		MutationsApplied:    r.store.MutationsApplied(),
		Quarantined:         r.Quarantined(),
	}
	if r.bridge != nil {
		u.PersistenceDegraded = r.bridge.Degraded()
	}
	return u, nil
}

// Shutdown stops every tenant runtime, flushing persistence.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.Lock()
	tenants := make([]*Runtime, 0, len(reg.tenants))
	for _, r := range reg.tenants {
		tenants = append(tenants, r)
	}
	reg.tenants = map[persist.TenantID]*Runtime{}
	reg.mu.Unlock()

	for _, r := range tenants {
		r.sched.Stop()
		r.stream.Close()
		if r.bridge != nil {
			if state := r.store.Export(); r.bridge.Snapshot(ctx, state) == nil {
				logger.For(ctx).Infof("final snapshot written for tenant %s", r.Info.ID)
			}
			r.bridge.Close(ctx)
		}
	}
}
