package announce

import (
	"bytes"
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spacemeshos/go-scale"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/annmine/engine/logging"
	"github.com/annmine/engine/shared"
)

var (
	storedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "annmine",
		Subsystem: "announce",
		Name:      "stored_total",
		Help:      "Number of announcements accepted into the store",
	})
	prunedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "annmine",
		Subsystem: "announce",
		Name:      "pruned_total",
		Help:      "Number of announcements dropped by window pruning",
	})
)

// Store is a deduplicated, persistent set of announcements. Keys are the
// announcement hashes, so iterating the database yields the canonical
// ascending-hash order required for indexing; prover and verifier must
// order the set identically or their roots diverge.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens (or creates) the announcement database at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open announcement db @ %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put adds an announcement unless one with the same hash already exists.
// First write wins; announcements are immutable, so a duplicate hash never
// carries new information.
func (s *Store) Put(ctx context.Context, ann *shared.Announcement) error {
	if len(ann.Hash) != shared.HashSize {
		return fmt.Errorf("%w: announcement hash has %d bytes", shared.ErrMalformedInput, len(ann.Hash))
	}

	switch _, err := s.db.Get(ann.Hash, nil); {
	case err == nil:
		return nil
	case err != leveldb.ErrNotFound:
		return fmt.Errorf("checking for existing announcement: %w", err)
	}

	var buf bytes.Buffer
	if _, err := ann.EncodeScale(scale.NewEncoder(&buf)); err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}
	if err := s.db.Put(ann.Hash, buf.Bytes(), &opt.WriteOptions{Sync: false}); err != nil {
		return fmt.Errorf("storing announcement: %w", err)
	}
	storedMetric.Inc()

	logging.FromContext(ctx).Debug("stored announcement",
		zap.Binary("hash", ann.Hash),
		zap.Uint64("epoch", ann.Epoch),
	)
	return nil
}

// Ordered returns the announcements citable by work at workEpoch under the
// given window, in canonical ascending-hash order.
func (s *Store) Ordered(workEpoch uint64, window shared.ValidityWindow) ([]shared.Announcement, error) {
	var anns []shared.Announcement

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		var ann shared.Announcement
		if _, err := ann.DecodeScale(scale.NewDecoder(bytes.NewReader(iter.Value()))); err != nil {
			return nil, fmt.Errorf("decoding announcement %X: %w", iter.Key(), err)
		}
		if !window.Contains(workEpoch, ann.Epoch) {
			continue
		}
		anns = append(anns, ann)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return anns, nil
}

// Prune drops announcements that can no longer be cited by currentEpoch or
// any later epoch, i.e. those older than the window allows.
func (s *Store) Prune(ctx context.Context, currentEpoch uint64, window shared.ValidityWindow) error {
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(nil, nil)
	for iter.Next() {
		var ann shared.Announcement
		if _, err := ann.DecodeScale(scale.NewDecoder(bytes.NewReader(iter.Value()))); err != nil {
			iter.Release()
			return fmt.Errorf("decoding announcement %X: %w", iter.Key(), err)
		}
		if ann.Epoch+window.MaxAge < currentEpoch {
			batch.Delete(append([]byte{}, iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("pruning announcements: %w", err)
	}
	prunedMetric.Add(float64(batch.Len()))
	logging.FromContext(ctx).Info("pruned stale announcements",
		zap.Int("num", batch.Len()),
		zap.Uint64("epoch", currentEpoch),
	)
	return nil
}

// Count returns the number of stored announcements.
func (s *Store) Count() (count int, err error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		count++
	}
	return count, iter.Error()
}
