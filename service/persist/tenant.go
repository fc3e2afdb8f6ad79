package persist

import "time"

// TenantSettings is the typed per-tenant runtime configuration. Zero values
// are replaced by defaults at tenant creation; updates are validated and
// swapped atomically.
type TenantSettings struct {
	// Algorithm knobs.
	MaxDepth           int     `json:"max_depth" validate:"gte=2,lte=12"`
	MinEfficiency      float64 `json:"min_efficiency" validate:"gte=0,lte=1"`
	MinScore           float64 `json:"min_score" validate:"gte=0,lte=1"`
	MaxLoopsPerRequest int     `json:"max_loops_per_request" validate:"gt=0"`
	MaxCyclesPerSCC    int     `json:"max_cycles_per_scc" validate:"gt=0"`
	PerSCCTimeoutMS    int     `json:"per_scc_timeout_ms" validate:"gt=0"`
	PerRunTimeoutMS    int     `json:"per_run_timeout_ms" validate:"gt=0"`
	SCCBudgetMS        int     `json:"scc_budget_ms" validate:"gt=0"`
	SCCBatchSize       int     `json:"scc_batch_size" validate:"gt=0"`
	LouvainThreshold   int     `json:"louvain_threshold" validate:"gt=0"`
	LouvainWallets     int     `json:"louvain_wallets" validate:"gt=0"`
	ParallelSCCWorkers int     `json:"parallel_scc_workers" validate:"gt=0,lte=64"`

	// Security caps.
	MaxNFTsPerWallet  int `json:"max_nfts_per_wallet" validate:"gt=0"`
	MaxWantsPerWallet int `json:"max_wants_per_wallet" validate:"gt=0"`
	MaxCollectionSize int `json:"max_collection_size" validate:"gt=0"`

	// Feature flags.
	EnableCanonical bool `json:"enable_canonical"`
	EnableLouvain   bool `json:"enable_louvain"`
	EnableBloom     bool `json:"enable_bloom"`
	EnableParallel  bool `json:"enable_parallel"`

	// Scheduler knobs.
	QueueDepth         int `json:"queue_depth" validate:"gt=0"`
	ExpansionWorkers   int `json:"expansion_workers" validate:"gt=0"`
	ExpansionRateBurst int `json:"expansion_rate_burst" validate:"gt=0"`
	ExpansionRateMS    int `json:"expansion_rate_ms" validate:"gt=0"`

	// Active loop lifetime and sweep cadence.
	LoopTTLSeconds      int `json:"loop_ttl_seconds" validate:"gt=0"`
	SweepIntervalMS     int `json:"sweep_interval_ms" validate:"gt=0"`
	SyncDiscoveryWaitMS int `json:"sync_discovery_wait_ms" validate:"gte=0"`
}

// DefaultTenantSettings returns the engine defaults.
func DefaultTenantSettings() TenantSettings {
	return TenantSettings{
		MaxDepth:           10,
		MinEfficiency:      0.0,
		MinScore:           0.5,
		MaxLoopsPerRequest: 5000,
		MaxCyclesPerSCC:    1000,
		PerSCCTimeoutMS:    30_000,
		PerRunTimeoutMS:    60_000,
		SCCBudgetMS:        45_000,
		SCCBatchSize:       3000,
		LouvainThreshold:   200,
		LouvainWallets:     7,
		ParallelSCCWorkers: 6,

		MaxNFTsPerWallet:  10_000,
		MaxWantsPerWallet: 10_000,
		MaxCollectionSize: 2500,

		EnableCanonical: true,
		EnableLouvain:   true,
		EnableBloom:     true,
		EnableParallel:  true,

		QueueDepth:         10_000,
		ExpansionWorkers:   4,
		ExpansionRateBurst: 20,
		ExpansionRateMS:    250,

		LoopTTLSeconds:      30 * 60,
		SweepIntervalMS:     15_000,
		SyncDiscoveryWaitMS: 2_000,
	}
}

// PerSCCTimeout returns the per-SCC enumeration deadline.
func (s TenantSettings) PerSCCTimeout() time.Duration {
	return time.Duration(s.PerSCCTimeoutMS) * time.Millisecond
}

// PerRunTimeout returns the whole-run deadline.
func (s TenantSettings) PerRunTimeout() time.Duration {
	return time.Duration(s.PerRunTimeoutMS) * time.Millisecond
}

// SCCBudget returns the wall-clock budget for SCC decomposition.
func (s TenantSettings) SCCBudget() time.Duration {
	return time.Duration(s.SCCBudgetMS) * time.Millisecond
}

// LoopTTL returns the active loop time to live.
func (s TenantSettings) LoopTTL() time.Duration {
	return time.Duration(s.LoopTTLSeconds) * time.Second
}

// SweepInterval returns the TTL sweep cadence.
func (s TenantSettings) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMS) * time.Millisecond
}

// SyncDiscoveryWait returns how long an event call waits for its discovery
// run before answering with only a run id.
func (s TenantSettings) SyncDiscoveryWait() time.Duration {
	return time.Duration(s.SyncDiscoveryWaitMS) * time.Millisecond
}

// Tenant is the isolation boundary descriptor.
type Tenant struct {
	ID             TenantID  `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	PersistEnabled bool      `json:"persist_enabled"`
}

// TenantUsage is the usage report for the admin surface.
type TenantUsage struct {
	Tenant              TenantID   `json:"tenant"`
	Graph               GraphStats `json:"graph"`
	ActiveLoops         int        `json:"active_loops"`
	DiscoveriesInFlight int        `json:"discoveries_in_flight"`
	QueueDepth          int        `json:"queue_depth"`
	MutationsApplied    uint64     `json:"mutations_applied"`
	Quarantined         bool       `json:"quarantined"`
	PersistenceDegraded bool       `json:"persistence_degraded"`
}
