// Package announcer mines announcements in the background. Announcements
// produced against the current epoch's scratchpad become citable by later
// epochs once they age into the validity window, so the announcer's output
// this epoch is the raw material of future solutions.
package announcer

import (
	"context"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/annmine/engine/announce"
	"github.com/annmine/engine/coordinator"
	"github.com/annmine/engine/logging"
	"github.com/annmine/engine/shared"
)

// DefaultBatchSize is the nonce budget per announce.Find call. Between
// batches a worker re-reads the generation counter, so this bounds how
// long a worker keeps hashing against a superseded scratchpad.
const DefaultBatchSize = 256

// Sink receives mined announcements. *announce.Store satisfies this.
type Sink interface {
	Put(ctx context.Context, ann *shared.Announcement) error
}

type Announcer struct {
	coord     *coordinator.Coordinator
	sink      Sink
	workers   uint64
	batchSize uint64
}

type Option func(*Announcer)

// WithWorkers overrides the worker count (default: GOMAXPROCS).
func WithWorkers(n int) Option {
	return func(a *Announcer) {
		if n > 0 {
			a.workers = uint64(n)
		}
	}
}

// WithBatchSize overrides the per-batch nonce budget.
func WithBatchSize(n uint64) Option {
	return func(a *Announcer) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

func New(coord *coordinator.Coordinator, sink Sink, opts ...Option) *Announcer {
	a := &Announcer{
		coord:     coord,
		sink:      sink,
		workers:   uint64(runtime.GOMAXPROCS(0)),
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run drives the mining workers until ctx ends.
func (a *Announcer) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("announcer")
	ctx = logging.NewContext(ctx, logger)
	logger.Info("starting announcement workers", zap.Uint64("workers", a.workers))

	eg, ctx := errgroup.WithContext(ctx)
	for i := uint64(0); i < a.workers; i++ {
		worker := i
		eg.Go(func() error {
			return a.runWorker(ctx, worker)
		})
	}
	return eg.Wait()
}

func (a *Announcer) runWorker(ctx context.Context, worker uint64) error {
	var generation uint64
	for {
		epoch, err := a.coord.WaitForWork(ctx, generation)
		if err != nil {
			return nil
		}
		generation = epoch.Generation
		if err := a.mine(ctx, epoch, worker); err != nil {
			return err
		}
	}
}

// mine hashes against the epoch's scratchpad in batches, storing every
// announcement that clears the epoch's minimum target. Worker w owns
// nonces ≡ w (mod workers); between batches it checks whether the epoch
// was superseded.
func (a *Announcer) mine(ctx context.Context, epoch *coordinator.Epoch, worker uint64) error {
	logger := logging.FromContext(ctx)
	work := &epoch.Work

	nonce := worker
	for {
		if a.coord.Generation() != epoch.Generation {
			return nil
		}

		ann, err := announce.Find(
			ctx,
			epoch.Snapshot,
			work.Header,
			work.AnnouncementTarget,
			nonce, a.workers, a.batchSize,
		)
		switch {
		case err != nil:
			return nil // ctx ended
		case ann != nil:
			if err := a.sink.Put(ctx, ann); err != nil {
				logger.Error("failed to store announcement", zap.Error(err))
			}
			nonce = ann.Nonce + a.workers
		default:
			nonce += a.workers * a.batchSize
		}
	}
}
