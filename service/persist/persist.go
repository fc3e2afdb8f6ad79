package persist

import (
	"github.com/segmentio/ksuid"
)

// TenantID uniquely identifies a tenant. All graph state, caches, and
// schedulers are scoped to exactly one tenant.
type TenantID string

// WalletID identifies a participant within a tenant. It is opaque to the
// engine; callers may use addresses, usernames, or any stable string.
type WalletID string

// NFTID identifies a uniquely-owned tradable item within a tenant.
type NFTID string

// CollectionID identifies a named set of NFTs within a tenant.
type CollectionID string

// RunID identifies a single discovery run.
type RunID string

func (t TenantID) String() string     { return string(t) }
func (w WalletID) String() string     { return string(w) }
func (n NFTID) String() string        { return string(n) }
func (c CollectionID) String() string { return string(c) }
func (r RunID) String() string        { return string(r) }

// GenerateTenantID generates a new unique tenant ID.
func GenerateTenantID() TenantID {
	return TenantID(ksuid.New().String())
}

// GenerateRunID generates a new unique discovery run ID.
func GenerateRunID() RunID {
	return RunID(ksuid.New().String())
}
