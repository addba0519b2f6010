// Package searcher runs the concurrent nonce search. A fixed pool of
// CPU-bound workers partitions the nonce space by stride; the hot loop
// touches no lock and performs no I/O, reading only the published epoch
// and the coordinator's atomic generation counter.
package searcher

import (
	"context"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/annmine/engine/coordinator"
	"github.com/annmine/engine/logging"
	"github.com/annmine/engine/shared"
)

// DefaultCheckInterval is the number of iterations between generation
// checks. It bounds the work wasted on a stale epoch: a worker never runs
// more than this many iterations past a publication.
const DefaultCheckInterval = 1024

var (
	attemptsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "annmine",
		Subsystem: "searcher",
		Name:      "attempts_total",
		Help:      "Number of nonces tried",
	})
	solutionsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "annmine",
		Subsystem: "searcher",
		Name:      "solutions_total",
		Help:      "Number of solutions found",
	})
)

type Searcher struct {
	coord         *coordinator.Coordinator
	workers       uint64
	checkInterval uint64
}

type Option func(*Searcher)

// WithWorkers overrides the worker count (default: GOMAXPROCS).
func WithWorkers(n int) Option {
	return func(s *Searcher) {
		if n > 0 {
			s.workers = uint64(n)
		}
	}
}

// WithCheckInterval overrides the staleness check interval.
func WithCheckInterval(n uint64) Option {
	return func(s *Searcher) {
		if n > 0 {
			s.checkInterval = n
		}
	}
}

func New(coord *coordinator.Coordinator, opts ...Option) *Searcher {
	s := &Searcher{
		coord:         coord,
		workers:       uint64(runtime.GOMAXPROCS(0)),
		checkInterval: DefaultCheckInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the worker pool until ctx ends.
func (s *Searcher) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("searcher")
	ctx = logging.NewContext(ctx, logger)
	logger.Info("starting search workers", zap.Uint64("workers", s.workers))

	eg, ctx := errgroup.WithContext(ctx)
	for i := uint64(0); i < s.workers; i++ {
		worker := i
		eg.Go(func() error {
			s.runWorker(ctx, worker)
			return nil
		})
	}
	return eg.Wait()
}

func (s *Searcher) runWorker(ctx context.Context, worker uint64) {
	var generation uint64
	for {
		// The only blocking point: waiting for the coordinator to publish
		// a first/next work item.
		epoch, err := s.coord.WaitForWork(ctx, generation)
		if err != nil {
			return
		}
		generation = epoch.Generation
		s.search(ctx, epoch, worker)
	}
}

// search mines one epoch. Worker w tries nonces ≡ w (mod workers). The
// loop re-reads the generation counter every checkInterval iterations and
// returns once the epoch is superseded or solved.
func (s *Searcher) search(ctx context.Context, epoch *coordinator.Epoch, worker uint64) {
	work := &epoch.Work
	if work.AnnouncementCount < shared.NumAnnouncements {
		// The selection needs distinct announcements; a smaller set makes
		// every nonce collide and solutions impossible.
		return
	}

	annHashes := make([][]byte, shared.NumAnnouncements)
	nonce := worker

	for iter := uint64(0); ; iter++ {
		if iter%s.checkInterval == 0 {
			if iter > 0 {
				attemptsMetric.Add(float64(s.checkInterval))
			}
			if s.coord.Generation() != epoch.Generation || epoch.Solved() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		indices, ok := shared.SelectionIndices(work.Header, nonce, work.AnnouncementCount)
		if !ok {
			nonce += s.workers
			continue
		}
		for i, idx := range indices {
			annHashes[i] = epoch.Set[idx].Hash
		}

		final := shared.FinalHash(work.Header, nonce, annHashes)
		if shared.Meets(final, work.Difficulty) {
			s.emit(ctx, epoch, nonce, indices, final)
			return
		}

		nonce += s.workers
	}
}

// emit assembles the solution, marks the epoch solved so sibling workers
// stand down at their next check, and hands it to the coordinator for
// confirmation against the then-current work item.
func (s *Searcher) emit(
	ctx context.Context,
	epoch *coordinator.Epoch,
	nonce uint64,
	indices [shared.NumAnnouncements]uint64,
	final []byte,
) {
	logger := logging.FromContext(ctx)

	sol := shared.Solution{
		Epoch:     epoch.Work.Epoch,
		Nonce:     nonce,
		FinalHash: final,
	}
	for _, idx := range indices {
		proof, err := epoch.Tree.Prove(idx)
		if err != nil {
			// The indices were derived mod the tree's leaf count.
			panic("searcher: selection index out of tree range: " + err.Error())
		}
		sol.Refs = append(sol.Refs, shared.AnnouncementRef{
			Announcement: epoch.Set[idx],
			Proof:        proof,
		})
	}

	epoch.MarkSolved()
	solutionsMetric.Inc()
	logger.Info("found solution",
		zap.Uint64("epoch", sol.Epoch),
		zap.Uint64("nonce", sol.Nonce),
		zap.Binary("final_hash", final),
	)

	select {
	case s.coord.Candidates() <- sol:
	case <-ctx.Done():
	}
}
