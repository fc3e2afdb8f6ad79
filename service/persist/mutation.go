package persist

import "time"

// MutationKind enumerates the typed graph changes consumed by the delta
// engine and the persistence bridge.
type MutationKind string

const (
	MutationNFTAdded           MutationKind = "nft_added"
	MutationNFTRemoved         MutationKind = "nft_removed"
	MutationTransferred        MutationKind = "transferred"
	MutationWantAdded          MutationKind = "want_added"
	MutationWantRemoved        MutationKind = "want_removed"
	MutationCollectionExpanded MutationKind = "collection_expanded"
	MutationCollectionShrunk   MutationKind = "collection_shrunk"
)

// MutationRecord describes a single committed write transaction against a
// tenant graph. Records are emitted inside the write critical section, so
// their generations are strictly increasing per tenant.
type MutationRecord struct {
	SchemaVersion int          `json:"schema_version"`
	Kind          MutationKind `json:"kind"`
	Tenant        TenantID     `json:"tenant"`
	Generation    uint64       `json:"generation"`

	NFT        NFTID        `json:"nft,omitempty"`
	Wallet     WalletID     `json:"wallet,omitempty"`
	FromWallet WalletID     `json:"from_wallet,omitempty"`
	ToWallet   WalletID     `json:"to_wallet,omitempty"`
	Collection CollectionID `json:"collection,omitempty"`

	// Payload carries the full NFT on nft_added records so log replay can
	// restore metadata (collection, valuation) without a snapshot.
	Payload *NFT `json:"payload,omitempty"`

	// AddedNFTs and RemovedNFTs carry collection membership deltas.
	AddedNFTs   []NFTID `json:"added_nfts,omitempty"`
	RemovedNFTs []NFTID `json:"removed_nfts,omitempty"`

	// AffectedWallets is the minimal root set for partial rediscovery,
	// computed against the pre-mutation state inside the critical section.
	AffectedWallets []WalletID `json:"affected_wallets,omitempty"`

	// PartialSampling is set when a collection expansion was truncated by
	// the per-collection size cap.
	PartialSampling bool `json:"partial_sampling,omitempty"`

	// CollectionDerived marks wants that were materialized by expansion
	// rather than submitted directly.
	CollectionDerived bool `json:"collection_derived,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// MutationSchemaVersion is the current wire version of MutationRecord.
// Replay ignores fields it does not recognize.
const MutationSchemaVersion = 1
