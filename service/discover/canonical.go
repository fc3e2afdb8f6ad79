package discover

import (
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/crypto/sha3"

	"github.com/swapslab/tradeloop/service/persist"
)

// canonicalRotation returns the rotation offset that makes the wallet
// sequence lexicographically smallest. Applying it twice is the identity
// because the rotated sequence already starts at the minimum.
func canonicalRotation(wallets []persist.WalletID) int {
	best := 0
	for i := 1; i < len(wallets); i++ {
		if rotationLess(wallets, i, best) {
			best = i
		}
	}
	return best
}

// rotationLess compares the rotations of ws starting at a and b.
func rotationLess(ws []persist.WalletID, a, b int) bool {
	n := len(ws)
	for i := 0; i < n; i++ {
		wa, wb := ws[(a+i)%n], ws[(b+i)%n]
		if wa != wb {
			return wa < wb
		}
	}
	return false
}

// rotateSteps rotates the steps of a cycle so the step at offset comes
// first. The NFT sequence rotates with the wallets by construction since
// each step carries its own NFTs.
func rotateSteps(steps []persist.CycleStep, offset int) []persist.CycleStep {
	if offset == 0 {
		return steps
	}
	out := make([]persist.CycleStep, len(steps))
	for i := range steps {
		out[i] = steps[(offset+i)%len(steps)]
	}
	return out
}

// canonicalID hashes the rotation-normalized wallet and representative NFT
// sequences. Two cycles with the same participants and the same directed
// traversal always collapse to the same id.
func canonicalID(steps []persist.CycleStep) string {
	h := sha3.New256()
	for _, s := range steps {
		h.Write([]byte(s.From))
		h.Write([]byte{0})
	}
	for _, s := range steps {
		h.Write([]byte(s.NFT()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize rotates steps into canonical form and stamps the id.
func canonicalize(steps []persist.CycleStep) ([]persist.CycleStep, string) {
	wallets := make([]persist.WalletID, len(steps))
	for i, s := range steps {
		wallets[i] = s.From
	}
	rotated := rotateSteps(steps, canonicalRotation(wallets))
	return rotated, canonicalID(rotated)
}

const dedupeShards = 16

type dedupeShard struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// deduper drops duplicate canonical ids within one discovery run. A Bloom
// filter fronts the exact check; on a positive hit the id goes to a sharded
// exact set keyed on a prefix of the id.
type deduper struct {
	bloomEnabled bool
	bloomMu      sync.Mutex
	bloom        *bloom.BloomFilter
	shards       [dedupeShards]dedupeShard
	collisions   uint64
}

// newDeduper sizes the Bloom filter at max(2000, expected*1.5).
func newDeduper(expectedCycles uint, enableBloom bool) *deduper {
	size := uint(2000)
	if scaled := expectedCycles + expectedCycles/2; scaled > size {
		size = scaled
	}
	d := &deduper{bloomEnabled: enableBloom}
	if enableBloom {
		d.bloom = bloom.NewWithEstimates(size, 0.01)
	}
	for i := range d.shards {
		d.shards[i].set = map[string]struct{}{}
	}
	return d
}

// firstSeen reports whether the id is new to this run.
func (d *deduper) firstSeen(id string) bool {
	if d.bloomEnabled {
		d.bloomMu.Lock()
		maybeSeen := d.bloom.TestAndAddString(id)
		d.bloomMu.Unlock()
		if !maybeSeen {
			// Definitely new: record it exactly and accept.
			shard := d.shard(id)
			shard.mu.Lock()
			shard.set[id] = struct{}{}
			shard.mu.Unlock()
			return true
		}
	}

	shard := d.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.set[id]; ok {
		atomic.AddUint64(&d.collisions, 1)
		return false
	}
	shard.set[id] = struct{}{}
	return true
}

func (d *deduper) shard(id string) *dedupeShard {
	if len(id) == 0 {
		return &d.shards[0]
	}
	return &d.shards[int(id[0])%dedupeShards]
}

// Collisions returns the count of exact duplicates dropped.
func (d *deduper) Collisions() uint64 {
	return atomic.LoadUint64(&d.collisions)
}
