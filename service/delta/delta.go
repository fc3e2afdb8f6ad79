package delta

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/swapslab/tradeloop/service/persist"
)

// Roots extracts the affected root set of a mutation record. The graph
// store computes the minimal set inside its write critical section; this is
// the single place the mapping is consumed so the rules stay in one spot:
//
//	nft added            -> owner + wanters
//	nft removed/transfer -> former owner, new owner, former wanters
//	want added/removed   -> wallet + owner of the nft
//	collection deltas    -> union of the above over the membership diff
func Roots(rec persist.MutationRecord) []persist.WalletID {
	out := make([]persist.WalletID, len(rec.AffectedWallets))
	copy(out, rec.AffectedWallets)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fingerprint is a stable hash of the tenant and the sorted root set.
// Rapid event bursts touching the same wallets produce equal fingerprints
// and collapse into a single pending discovery.
func Fingerprint(tenant persist.TenantID, roots []persist.WalletID) string {
	sorted := make([]persist.WalletID, len(roots))
	copy(sorted, roots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := sha3.New256()
	h.Write([]byte(tenant))
	for _, w := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(w))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Task is a pending rooted discovery.
type Task struct {
	Fingerprint string
	Roots       []persist.WalletID
	Generation  uint64
	EnqueuedAt  time.Time
}

// Coalescer is the bounded queue between the delta engine and the
// enumerator. Pushing a task whose fingerprint is already pending merges
// into the existing entry instead of growing the queue.
type Coalescer struct {
	mu       sync.Mutex
	capacity int
	order    []string
	tasks    map[string]Task
}

// NewCoalescer returns a queue holding at most capacity distinct
// fingerprints.
func NewCoalescer(capacity int) *Coalescer {
	return &Coalescer{capacity: capacity, tasks: map[string]Task{}}
}

// Push enqueues or merges a task. Returns persist.ErrBusy when the queue is
// full and the fingerprint is not already pending.
func (c *Coalescer) Push(t Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.tasks[t.Fingerprint]; ok {
		// Coalesce: keep the queue position, advance to the newest
		// generation so the discovery runs against fresher state.
		if t.Generation > existing.Generation {
			existing.Generation = t.Generation
		}
		existing.Roots = unionRoots(existing.Roots, t.Roots)
		c.tasks[t.Fingerprint] = existing
		return nil
	}

	if len(c.order) >= c.capacity {
		return persist.ErrBusy
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	c.order = append(c.order, t.Fingerprint)
	c.tasks[t.Fingerprint] = t
	return nil
}

// Pop dequeues the oldest pending task.
func (c *Coalescer) Pop() (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return Task{}, false
	}
	fp := c.order[0]
	c.order = c.order[1:]
	t := c.tasks[fp]
	delete(c.tasks, fp)
	return t, true
}

// Len returns the number of distinct pending fingerprints.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func unionRoots(a, b []persist.WalletID) []persist.WalletID {
	set := make(map[persist.WalletID]struct{}, len(a)+len(b))
	for _, w := range a {
		set[w] = struct{}{}
	}
	for _, w := range b {
		set[w] = struct{}{}
	}
	out := make([]persist.WalletID, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
