package persist

import (
	"errors"
	"fmt"
)

// Input errors. Reported to the caller, never retried, never mutate state.

// ErrUnknownTenant is returned when an operation references a tenant that
// does not exist.
type ErrUnknownTenant struct {
	Tenant TenantID
}

func (e ErrUnknownTenant) Error() string {
	return fmt.Sprintf("unknown tenant: %s", e.Tenant)
}

// ErrUnknownNFT is returned when an operation references an NFT the graph
// has never seen.
type ErrUnknownNFT struct {
	NFT NFTID
}

func (e ErrUnknownNFT) Error() string {
	return fmt.Sprintf("unknown nft: %s", e.NFT)
}

// ErrDuplicateOwnership is returned when a write would give an NFT a second
// owner.
type ErrDuplicateOwnership struct {
	NFT   NFTID
	Owner WalletID
}

func (e ErrDuplicateOwnership) Error() string {
	return fmt.Sprintf("nft %s is already owned by wallet %s", e.NFT, e.Owner)
}

// ErrSelfWant is returned when a wallet registers a want for an NFT it owns.
type ErrSelfWant struct {
	Wallet WalletID
	NFT    NFTID
}

func (e ErrSelfWant) Error() string {
	return fmt.Sprintf("wallet %s already owns wanted nft %s", e.Wallet, e.NFT)
}

// ErrInvalidArgument is returned for malformed input.
type ErrInvalidArgument struct {
	Reason string
}

func (e ErrInvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Reason)
}

// Capacity errors. Callers should back off and retry.
var (
	ErrBusy          = errors.New("ingestion queue is full")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrQuotaExceeded = errors.New("tenant quota exceeded")
)

// Transient operational errors. The engine continues to serve from memory.
var (
	ErrDependencyUnavailable = errors.New("external dependency unavailable")
	ErrPersistenceDegraded   = errors.New("persistence degraded, tenant at risk of replay loss")
)

// ErrTenantQuarantined is returned for writes against a quarantined tenant.
// Reads remain allowed.
type ErrTenantQuarantined struct {
	Tenant TenantID
}

func (e ErrTenantQuarantined) Error() string {
	return fmt.Sprintf("tenant %s is quarantined, writes refused", e.Tenant)
}

// ErrInvariantViolation is fatal for the tenant: it triggers a quarantine.
type ErrInvariantViolation struct {
	Tenant TenantID
	Detail string
}

func (e ErrInvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on tenant %s: %s", e.Tenant, e.Detail)
}

// IsInputError reports whether err belongs to the non-retryable input class.
func IsInputError(err error) bool {
	switch err.(type) {
	case ErrUnknownTenant, ErrUnknownNFT, ErrDuplicateOwnership, ErrSelfWant, ErrInvalidArgument:
		return true
	}
	return false
}
