package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/swapslab/tradeloop/service/graph"
	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/persist"
)

const (
	snapshotFile = "snapshot.json"
	logFile      = "mutations.log"

	// Mutations per fsync batch; the log is flushed early when the batch
	// timer fires with fewer entries pending.
	logBatchSize  = 64
	logBatchDelay = 200 * time.Millisecond
)

// Bridge persists a tenant's graph to local disk: periodic full snapshots
// written atomically, and a length-prefixed mutation log fsynced in
// batches. Recovery loads the newest snapshot and replays the log tail.
//
// Persistence is best effort behind the authoritative in-memory state. Any
// write failure flips the degraded flag; the engine keeps serving.
type Bridge struct {
	tenant persist.TenantID
	dir    string

	mu      sync.Mutex
	logf    *os.File
	pending int
	timer   *time.Timer

	degraded atomic.Bool
	closed   bool
}

// NewBridge opens (creating if needed) the tenant's persistence directory
// and its mutation log.
func NewBridge(root string, tenant persist.TenantID) (*Bridge, error) {
	dir := filepath.Join(root, tenant.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating tenant persistence dir")
	}

	logf, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening mutation log")
	}

	return &Bridge{tenant: tenant, dir: dir, logf: logf}, nil
}

// Degraded reports whether a persistence write has failed since the last
// successful snapshot.
func (b *Bridge) Degraded() bool {
	return b.degraded.Load()
}

// Append writes a mutation record to the log. The write is buffered by the
// OS immediately; durability comes from the batch fsync.
func (b *Bridge) Append(ctx context.Context, rec persist.MutationRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		b.fail(ctx, errors.Wrap(err, "marshaling mutation record"))
		return
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if _, err := b.logf.Write(prefix[:]); err != nil {
		b.fail(ctx, errors.Wrap(err, "writing log prefix"))
		return
	}
	if _, err := b.logf.Write(data); err != nil {
		b.fail(ctx, errors.Wrap(err, "writing log record"))
		return
	}

	b.pending++
	if b.pending >= logBatchSize {
		b.syncLocked(ctx)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(logBatchDelay, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.timer = nil
			if b.pending > 0 && !b.closed {
				b.syncLocked(context.Background())
			}
		})
	}
}

func (b *Bridge) syncLocked(ctx context.Context) {
	if err := b.logf.Sync(); err != nil {
		b.fail(ctx, errors.Wrap(err, "syncing mutation log"))
		return
	}
	b.pending = 0
}

// Snapshot writes the exported state atomically (write to a temp file,
// fsync, rename) and truncates the mutation log, which the snapshot now
// subsumes.
func (b *Bridge) Snapshot(ctx context.Context, state graph.ExportedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return b.fail(ctx, errors.Wrap(err, "marshaling snapshot"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bridge closed")
	}

	tmp, err := os.CreateTemp(b.dir, snapshotFile+".tmp-*")
	if err != nil {
		return b.fail(ctx, errors.Wrap(err, "creating temp snapshot"))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return b.fail(ctx, errors.Wrap(err, "writing snapshot"))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return b.fail(ctx, errors.Wrap(err, "syncing snapshot"))
	}
	if err := tmp.Close(); err != nil {
		return b.fail(ctx, errors.Wrap(err, "closing snapshot"))
	}
	if err := os.Rename(tmpName, filepath.Join(b.dir, snapshotFile)); err != nil {
		return b.fail(ctx, errors.Wrap(err, "renaming snapshot"))
	}

	if err := b.truncateLogLocked(); err != nil {
		return b.fail(ctx, err)
	}

	b.degraded.Store(false)
	logger.For(ctx).Infof("snapshot written at generation %d", state.Generation)
	return nil
}

func (b *Bridge) truncateLogLocked() error {
	if err := b.logf.Close(); err != nil {
		return errors.Wrap(err, "closing mutation log")
	}
	logf, err := os.OpenFile(filepath.Join(b.dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "reopening mutation log")
	}
	b.logf = logf
	b.pending = 0
	return nil
}

// Replay restores a store from disk: the snapshot first, then every log
// record with a generation past the snapshot's. A truncated log tail, the
// expected shape after a crash mid-batch, stops replay cleanly.
func (b *Bridge) Replay(ctx context.Context, store *graph.Store) error {
	data, err := os.ReadFile(filepath.Join(b.dir, snapshotFile))
	var snapGen uint64
	switch {
	case err == nil:
		var state graph.ExportedState
		if err := json.Unmarshal(data, &state); err != nil {
			return errors.Wrap(err, "decoding snapshot")
		}
		if err := store.Import(state); err != nil {
			return err
		}
		snapGen = state.Generation
	case os.IsNotExist(err):
		// Cold start, log only.
	default:
		return errors.Wrap(err, "reading snapshot")
	}

	f, err := os.Open(filepath.Join(b.dir, logFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "opening mutation log")
	}
	defer f.Close()

	replayed := 0
	for {
		var prefix [4]byte
		if _, err := io.ReadFull(f, prefix[:]); err != nil {
			break
		}
		buf := make([]byte, binary.BigEndian.Uint32(prefix[:]))
		if _, err := io.ReadFull(f, buf); err != nil {
			logger.For(ctx).Warnf("mutation log ends mid-record, stopping replay after %d records", replayed)
			break
		}
		var rec persist.MutationRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			logger.For(ctx).Warnf("undecodable log record, stopping replay after %d records", replayed)
			break
		}
		if rec.SchemaVersion > persist.MutationSchemaVersion {
			logger.For(ctx).Warnf("skipping record with newer schema version %d", rec.SchemaVersion)
			continue
		}
		if rec.Generation <= snapGen {
			continue
		}
		store.ApplyRecord(rec)
		replayed++
	}

	logger.For(ctx).Infof("replayed %d mutations on top of generation %d", replayed, snapGen)
	return nil
}

// Close flushes and closes the log.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	if b.pending > 0 {
		if err := b.logf.Sync(); err != nil {
			logger.For(ctx).Errorf("final log sync failed: %s", err)
		}
	}
	return b.logf.Close()
}

// Destroy removes the tenant's persistence directory. Called on tenant
// deletion.
func (b *Bridge) Destroy(ctx context.Context) error {
	b.Close(ctx)
	return os.RemoveAll(b.dir)
}

func (b *Bridge) fail(ctx context.Context, err error) error {
	b.degraded.Store(true)
	logger.For(ctx).Errorf("persistence degraded: %s", err)
	return errors.Wrap(persist.ErrPersistenceDegraded, err.Error())
}
