// Package scratchpad builds and owns the epoch memory buffers of the
// bandwidth-hard scheme. Construction cost is O(size) and paid by every
// participant; once built, point reads are O(1) slices of an immutable
// buffer shared by reference across all workers of an epoch.
package scratchpad

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/annmine/engine/logging"
	"github.com/annmine/engine/shared"
)

var (
	buildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "annmine",
		Subsystem: "scratchpad",
		Name:      "build_seconds",
		Help:      "Time spent expanding an epoch scratchpad",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	liveSnapshots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "annmine",
		Subsystem: "scratchpad",
		Name:      "live_snapshots",
		Help:      "Number of snapshots not yet reclaimed",
	})
)

// How many blocks to expand between context-cancellation checks.
const buildCheckInterval = 1 << 16

// Snapshot is an immutable scratchpad for one epoch. It is shared by
// reference and reclaimed only when the last holder releases it.
type Snapshot struct {
	epoch uint64
	seed  []byte
	buf   []byte

	refs atomic.Int64
}

// Epoch returns the epoch the snapshot was built for.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// Seed returns the seed the buffer was expanded from.
func (s *Snapshot) Seed() []byte { return s.seed }

// Size returns the buffer size in bytes.
func (s *Snapshot) Size() uint64 { return uint64(len(s.buf)) }

// Read returns n bytes at offset. The returned slice aliases the shared
// buffer and must not be modified.
func (s *Snapshot) Read(offset, n uint64) []byte {
	return s.buf[offset : offset+n]
}

// Acquire takes an additional reference. The caller must already hold one;
// acquiring a reclaimed snapshot is local corruption.
func (s *Snapshot) Acquire() *Snapshot {
	if !s.tryAcquire() {
		panic("scratchpad: acquire of a reclaimed snapshot")
	}
	return s
}

// tryAcquire takes a reference unless the count already hit zero. Readers
// that find a snapshot through the retention cache race with eviction, so
// for them a reclaimed snapshot is a miss, not corruption.
func (s *Snapshot) tryAcquire() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops one reference. The buffer is reclaimed when the count
// reaches zero. Releasing below zero indicates local corruption.
func (s *Snapshot) Release() {
	switch refs := s.refs.Add(-1); {
	case refs == 0:
		s.buf = nil
		liveSnapshots.Dec()
	case refs < 0:
		panic("scratchpad: refcount underflow")
	}
}

// Manager builds snapshots and retains recently built epochs so windowed
// announcements can still be re-checked after the epoch moved on.
type Manager struct {
	size   uint64
	recent *lru.Cache[uint64, *Snapshot]

	// Serializes builds; an epoch is only ever expanded once.
	buildMutex sync.Mutex
}

// NewManager creates a manager building buffers of the given size and
// retaining up to retain epochs.
func NewManager(size uint64, retain int) (*Manager, error) {
	if size < shared.MinScratchpadSize {
		return nil, fmt.Errorf("scratchpad size %d below minimum %d", size, shared.MinScratchpadSize)
	}
	if size%shared.ExpandBlockSize != 0 {
		return nil, fmt.Errorf("scratchpad size %d is not a multiple of %d", size, shared.ExpandBlockSize)
	}
	recent, err := lru.NewWithEvict(retain, func(_ uint64, snapshot *Snapshot) {
		snapshot.Release()
	})
	if err != nil {
		return nil, err
	}
	return &Manager{size: size, recent: recent}, nil
}

// Build expands the epoch buffer from seed. The returned snapshot carries
// one reference owned by the caller; the manager retains its own reference
// until the epoch falls out of the retention window. Build may run on a
// background goroutine while an older snapshot still serves in-flight work.
func (m *Manager) Build(ctx context.Context, epoch uint64, seed []byte) (*Snapshot, error) {
	m.buildMutex.Lock()
	defer m.buildMutex.Unlock()

	if cached, ok := m.recent.Get(epoch); ok {
		if !bytes.Equal(cached.seed, seed) {
			return nil, fmt.Errorf("%w: epoch %d", shared.ErrSeedMismatch, epoch)
		}
		return cached.Acquire(), nil
	}

	logger := logging.FromContext(ctx)
	logger.Info("expanding scratchpad",
		zap.Uint64("epoch", epoch),
		zap.Uint64("size", m.size),
		zap.Binary("seed", seed),
	)
	started := time.Now()

	buf, err := expand(ctx, seed, m.size)
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) != m.size {
		// Cannot originate from external input; local defect.
		panic(fmt.Sprintf("scratchpad: expanded %d bytes, declared %d", len(buf), m.size))
	}

	snapshot := &Snapshot{
		epoch: epoch,
		seed:  append([]byte{}, seed...),
		buf:   buf,
	}
	snapshot.refs.Store(1)
	liveSnapshots.Inc()
	buildSeconds.Observe(time.Since(started).Seconds())

	logger.Info("scratchpad ready",
		zap.Uint64("epoch", epoch),
		zap.Duration("duration", time.Since(started)),
	)

	m.recent.Add(epoch, snapshot.Acquire())
	return snapshot, nil
}

// Get returns the retained snapshot for epoch with a fresh reference. When
// seed is non-nil it is checked against the snapshot's seed and a mismatch
// yields ErrSeedMismatch: validating against a snapshot whose seed does not
// match the epoch's declared seed is a consensus violation, not a miss.
func (m *Manager) Get(epoch uint64, seed []byte) (*Snapshot, error) {
	snapshot, ok := m.recent.Get(epoch)
	// A concurrent build can evict the entry and drop the manager's
	// reference between the lookup and the bump, so the bump must not
	// assume the snapshot is still live.
	if !ok || !snapshot.tryAcquire() {
		return nil, fmt.Errorf("no scratchpad retained for epoch %d", epoch)
	}
	if seed != nil && !bytes.Equal(snapshot.seed, seed) {
		snapshot.Release()
		return nil, fmt.Errorf("%w: epoch %d", shared.ErrSeedMismatch, epoch)
	}
	return snapshot, nil
}

// expand derives the buffer with a sequential one-way hash chain:
// block[0] = sha256(seed), block[i] = sha256(block[i-1] || seed || LE64(i)).
// Sequential dependence makes the construction memory-bandwidth bound and
// impossible to parallelize or compute lazily.
func expand(ctx context.Context, seed []byte, size uint64) ([]byte, error) {
	buf := make([]byte, 0, size)
	counter := make([]byte, 8)
	hasher := sha256.New()

	block := sha256.Sum256(seed)
	for i := uint64(1); ; i++ {
		buf = append(buf, block[:]...)
		if uint64(len(buf)) >= size {
			break
		}

		if i%buildCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(counter, i)
		hasher.Reset()
		hasher.Write(block[:])
		hasher.Write(seed)
		hasher.Write(counter)
		copy(block[:], hasher.Sum(nil))
	}

	return buf[:size], nil
}
