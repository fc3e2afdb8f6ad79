package snapshot

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/persist"
)

const testTenant = persist.TenantID("tenant-test")

func newStore(t *testing.T) *graph.Store {
	t.Helper()
	settings := persist.DefaultTenantSettings()
	return graph.NewStore(testTenant, func() persist.TenantSettings { return settings }, metric.NewNoopMetricReporter())
}

func newBridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	root := t.TempDir()
	b, err := NewBridge(root, testTenant)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(context.Background()) })
	return b, root
}

func seed(t *testing.T, store *graph.Store, bridge *Bridge) {
	t.Helper()
	ctx := context.Background()
	for _, fix := range [][2]string{{"a", "na"}, {"b", "nb"}, {"c", "nc"}} {
		rec, err := store.PutNFT(ctx, persist.WalletID(fix[0]), persist.NFT{ID: persist.NFTID(fix[1])})
		require.NoError(t, err)
		bridge.Append(ctx, *rec)
	}
	for _, w := range [][2]string{{"b", "na"}, {"c", "nb"}, {"a", "nc"}} {
		rec, err := store.AddWant(ctx, persist.WalletID(w[0]), persist.NFTID(w[1]))
		require.NoError(t, err)
		bridge.Append(ctx, *rec)
	}
}

func TestReplayFromLogOnly(t *testing.T) {
	ctx := context.Background()
	bridge, root := newBridge(t)
	store := newStore(t)
	seed(t, store, bridge)
	require.NoError(t, bridge.Close(ctx))

	reopened, err := NewBridge(root, testTenant)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	restored := newStore(t)
	require.NoError(t, reopened.Replay(ctx, restored))

	assert.Equal(t, store.Generation(), restored.Generation())
	v := restored.View()
	assert.Equal(t, persist.WalletID("a"), v.Owner("na"))
	assert.True(t, v.Wants("b", "na"))
}

func TestReplayRestoresNFTMetadata(t *testing.T) {
	ctx := context.Background()
	bridge, root := newBridge(t)
	store := newStore(t)

	// Subscription first, so the later member must expand on replay too.
	rec, err := store.AddCollectionWant(ctx, "bob", "punks")
	require.NoError(t, err)
	bridge.Append(ctx, *rec)

	rec, err = store.PutNFT(ctx, "alice", persist.NFT{ID: "na", Collection: "punks", EstimatedValue: 250})
	require.NoError(t, err)
	bridge.Append(ctx, *rec)
	require.NoError(t, bridge.Close(ctx))

	reopened, err := NewBridge(root, testTenant)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	restored := newStore(t)
	require.NoError(t, reopened.Replay(ctx, restored))

	v := restored.View()
	assert.Equal(t, 250.0, v.Value("na"), "valuation survives log-only replay")
	assert.True(t, v.Wants("bob", "na"), "collection subscription re-expands to the replayed member")
	assert.Equal(t, 1, v.Stats().Collections, "membership survives log-only replay")
}

func TestSnapshotThenReplay(t *testing.T) {
	ctx := context.Background()
	bridge, root := newBridge(t)
	store := newStore(t)
	seed(t, store, bridge)

	require.NoError(t, bridge.Snapshot(ctx, store.Export()))

	// Writes after the snapshot land only in the fresh log.
	rec, err := store.Transfer(ctx, "na", "c")
	require.NoError(t, err)
	bridge.Append(ctx, *rec)
	require.NoError(t, bridge.Close(ctx))

	reopened, err := NewBridge(root, testTenant)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	restored := newStore(t)
	require.NoError(t, reopened.Replay(ctx, restored))

	assert.Equal(t, store.Generation(), restored.Generation())
	assert.Equal(t, persist.WalletID("c"), restored.View().Owner("na"))
}

func TestSnapshotTruncatesLog(t *testing.T) {
	ctx := context.Background()
	bridge, root := newBridge(t)
	store := newStore(t)
	seed(t, store, bridge)

	require.NoError(t, bridge.Snapshot(ctx, store.Export()))

	info, err := os.Stat(filepath.Join(root, testTenant.String(), "mutations.log"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestReplayToleratesTruncatedTail(t *testing.T) {
	ctx := context.Background()
	bridge, root := newBridge(t)
	store := newStore(t)
	seed(t, store, bridge)
	require.NoError(t, bridge.Close(ctx))

	// Simulate a crash mid-batch: append a length prefix promising more
	// bytes than the file holds.
	logPath := filepath.Join(root, testTenant.String(), "mutations.log")
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 500)
	_, err = f.Write(prefix[:])
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"kind":`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewBridge(root, testTenant)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	restored := newStore(t)
	require.NoError(t, reopened.Replay(ctx, restored))
	assert.Equal(t, store.Generation(), restored.Generation(), "complete records before the torn tail replay")
}

func TestReplayColdStart(t *testing.T) {
	ctx := context.Background()
	bridge, _ := newBridge(t)

	restored := newStore(t)
	require.NoError(t, bridge.Replay(ctx, restored))
	assert.Zero(t, restored.Generation())
}

func TestBatchSyncTimer(t *testing.T) {
	ctx := context.Background()
	bridge, _ := newBridge(t)
	store := newStore(t)

	rec, err := store.PutNFT(ctx, "a", persist.NFT{ID: "na"})
	require.NoError(t, err)
	bridge.Append(ctx, *rec)

	// One record is below the batch size; the delay timer must flush it.
	time.Sleep(logBatchDelay + 100*time.Millisecond)
	assert.False(t, bridge.Degraded())
}

func TestDestroyRemovesDirectory(t *testing.T) {
	ctx := context.Background()
	bridge, root := newBridge(t)
	store := newStore(t)
	seed(t, store, bridge)

	require.NoError(t, bridge.Destroy(ctx))
	_, err := os.Stat(filepath.Join(root, testTenant.String()))
	assert.True(t, os.IsNotExist(err))
}
