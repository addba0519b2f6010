// Package coordinator holds the engine's only mutable state: the current
// epoch (work item + scratchpad + indexed announcement set). Publication
// is a single-writer atomic swap; searchers and validators are lock-free
// readers.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/annmine/engine/logging"
	"github.com/annmine/engine/merkle"
	"github.com/annmine/engine/scratchpad"
	"github.com/annmine/engine/shared"
	"github.com/annmine/engine/state"
	"github.com/annmine/engine/transport"
	"github.com/annmine/engine/validator"
)

const stateFileBaseName = "coordinator.bin"

// AnnouncementIndex is the announcement set feeding published epochs.
// *announce.Store satisfies this.
type AnnouncementIndex interface {
	Ordered(workEpoch uint64, window shared.ValidityWindow) ([]shared.Announcement, error)
	Prune(ctx context.Context, currentEpoch uint64, window shared.ValidityWindow) error
}

// Epoch is one published unit of work together with everything a searcher
// needs to mine it. Immutable after publication; superseded wholesale.
type Epoch struct {
	Work     shared.WorkItem
	Snapshot *scratchpad.Snapshot

	// Set is the indexed announcement set in canonical order; Tree is its
	// merkle tree. Both are nil when no announcement is citable.
	Set  []shared.Announcement
	Tree *merkle.Tree

	// Generation is the value of the coordinator's generation counter at
	// publication. Searchers poll it to detect stale work.
	Generation uint64

	solved atomic.Bool
}

// MarkSolved records that a solution was found for this epoch. Sibling
// searchers stand down at their next staleness check.
func (e *Epoch) MarkSolved() {
	e.solved.Store(true)
}

func (e *Epoch) Solved() bool {
	return e.solved.Load()
}

type coordinatorState struct {
	Epoch uint64
	Seed  []byte
}

// Coordinator arbitrates epoch publication and solution confirmation.
type Coordinator struct {
	manager *scratchpad.Manager
	index   AnnouncementIndex
	source  transport.WorkSource
	sink    transport.SubmissionSink
	datadir string

	current    atomic.Pointer[Epoch]
	generation atomic.Uint64

	// lastEpoch is restored from the state file so templates replayed
	// after a restart cannot roll the engine back to an old epoch.
	lastEpoch uint64

	// published is closed and replaced on every publication to wake
	// blocked waiters. Only the single writer replaces it.
	publishedMutex sync.Mutex
	published      chan struct{}

	candidates chan shared.Solution
}

func New(
	ctx context.Context,
	manager *scratchpad.Manager,
	index AnnouncementIndex,
	source transport.WorkSource,
	sink transport.SubmissionSink,
	datadir string,
) (*Coordinator, error) {
	c := &Coordinator{
		manager:    manager,
		index:      index,
		source:     source,
		sink:       sink,
		datadir:    datadir,
		published:  make(chan struct{}),
		candidates: make(chan shared.Solution, 16),
	}

	var s coordinatorState
	switch err := state.Load(filepath.Join(datadir, stateFileBaseName), &s); {
	case err == nil:
		c.lastEpoch = s.Epoch
		logging.FromContext(ctx).Info("recovered coordinator state", zap.Uint64("last_epoch", s.Epoch))
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("loading coordinator state: %w", err)
	}

	return c, nil
}

// Current returns the published epoch, or nil before the first publication.
func (c *Coordinator) Current() *Epoch {
	return c.current.Load()
}

// Generation returns the publication counter. It increments on every
// publish and never moves backward.
func (c *Coordinator) Generation() uint64 {
	return c.generation.Load()
}

// Candidates is where searchers hand in found solutions for confirmation.
func (c *Coordinator) Candidates() chan<- shared.Solution {
	return c.candidates
}

// WaitForWork blocks until an epoch with a generation greater than `after`
// is published. Pass 0 to wait for any epoch.
func (c *Coordinator) WaitForWork(ctx context.Context, after uint64) (*Epoch, error) {
	for {
		if ep := c.current.Load(); ep != nil && ep.Generation > after {
			return ep, nil
		}

		c.publishedMutex.Lock()
		published := c.published
		c.publishedMutex.Unlock()

		// Re-check after grabbing the channel to close the race with a
		// publication that happened in between.
		if ep := c.current.Load(); ep != nil && ep.Generation > after {
			return ep, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-published:
		}
	}
}

// Publish builds the epoch for tmpl and swaps it in: scratchpad, indexed
// announcement set, work item and generation move together, atomically
// from any reader's point of view. The superseded snapshot is released
// and reclaimed once its last holder lets go.
func (c *Coordinator) Publish(ctx context.Context, tmpl shared.WorkTemplate) error {
	if err := checkTemplate(tmpl); err != nil {
		return err
	}
	if prev := c.current.Load(); prev != nil && tmpl.Epoch <= prev.Work.Epoch {
		return fmt.Errorf("%w: template epoch %d not after current %d",
			shared.ErrStaleWork, tmpl.Epoch, prev.Work.Epoch)
	}
	if tmpl.Epoch <= c.lastEpoch && c.current.Load() == nil {
		return fmt.Errorf("%w: template epoch %d already published before restart",
			shared.ErrStaleWork, tmpl.Epoch)
	}

	logger := logging.FromContext(ctx).With(
		zap.Uint64("epoch", tmpl.Epoch),
		zap.Stringer("work_id", uuid.New()),
	)

	snapshot, err := c.manager.Build(ctx, tmpl.Epoch, tmpl.Seed)
	if err != nil {
		return fmt.Errorf("building scratchpad: %w", err)
	}

	if err := c.index.Prune(ctx, tmpl.Epoch, tmpl.Window); err != nil {
		logger.Warn("failed to prune announcement index", zap.Error(err))
	}
	set, err := c.index.Ordered(tmpl.Epoch, tmpl.Window)
	if err != nil {
		snapshot.Release()
		return fmt.Errorf("reading announcement index: %w", err)
	}

	work := shared.WorkItem{
		Epoch:              tmpl.Epoch,
		Header:             tmpl.Header,
		Difficulty:         tmpl.Difficulty,
		AnnouncementTarget: tmpl.AnnouncementTarget,
		AnnouncementRoot:   make([]byte, shared.HashSize),
		Seed:               tmpl.Seed,
		Window:             tmpl.Window,
	}

	var tree *merkle.Tree
	if len(set) > 0 {
		// Canonical ascending-hash order; the root is only meaningful if
		// every party indexes the set identically.
		slices.SortFunc(set, func(a, b shared.Announcement) bool {
			return bytes.Compare(a.Hash, b.Hash) < 0
		})
		leaves := make([][]byte, len(set))
		for i := range set {
			leaves[i] = set[i].Hash
		}
		tree, err = merkle.BuildTree(leaves)
		if err != nil {
			snapshot.Release()
			return fmt.Errorf("indexing announcements: %w", err)
		}
		work.AnnouncementRoot = tree.Root()
		work.AnnouncementCount = uint64(len(set))
	}

	generation := c.generation.Add(1)
	epoch := &Epoch{
		Work:       work,
		Snapshot:   snapshot,
		Set:        set,
		Tree:       tree,
		Generation: generation,
	}

	prev := c.current.Swap(epoch)
	if prev != nil && prev.Generation >= generation {
		// The counter is only ever advanced here; a regression means
		// memory corruption, not bad input.
		panic(fmt.Sprintf("coordinator: generation moved backward: %d -> %d", prev.Generation, generation))
	}

	c.publishedMutex.Lock()
	close(c.published)
	c.published = make(chan struct{})
	c.publishedMutex.Unlock()

	if prev != nil {
		prev.Snapshot.Release()
	}

	c.lastEpoch = tmpl.Epoch
	err = state.Persist(filepath.Join(c.datadir, stateFileBaseName), &coordinatorState{
		Epoch: tmpl.Epoch,
		Seed:  tmpl.Seed,
	})
	if err != nil {
		logger.Warn("failed to persist coordinator state", zap.Error(err))
	}

	logger.Info("published epoch",
		zap.Uint64("generation", generation),
		zap.Uint64("announcements", work.AnnouncementCount),
		zap.Binary("root", work.AnnouncementRoot),
	)
	return nil
}

// Run consumes work templates and candidate solutions until ctx ends.
// Candidates are re-validated against the epoch current at confirmation
// time, so a solution found just before an epoch flip is never forwarded
// against stale work.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("coordinator")
	ctx = logging.NewContext(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case tmpl, ok := <-c.source.Templates():
			if !ok {
				logger.Info("work source closed, coordinator stopping")
				return nil
			}
			if err := c.Publish(ctx, tmpl); err != nil {
				logger.Error("failed to publish work", zap.Uint64("epoch", tmpl.Epoch), zap.Error(err))
			}
		case sol := <-c.candidates:
			c.confirm(ctx, sol)
		}
	}
}

func (c *Coordinator) confirm(ctx context.Context, sol shared.Solution) {
	logger := logging.FromContext(ctx)

	current := c.current.Load()
	if current == nil {
		logger.Warn("dropping candidate: no published work")
		return
	}
	if err := validator.Validate(&sol, &current.Work, c.manager); err != nil {
		logger.Info("dropping candidate solution",
			zap.Uint64("epoch", sol.Epoch),
			zap.Uint64("nonce", sol.Nonce),
			zap.Error(err),
		)
		return
	}

	if err := c.sink.Submit(ctx, sol); err != nil {
		logger.Error("failed to submit solution", zap.Error(err))
		return
	}
	logger.Info("submitted solution",
		zap.Uint64("epoch", sol.Epoch),
		zap.Uint64("nonce", sol.Nonce),
		zap.Binary("final_hash", sol.FinalHash),
	)
}

func checkTemplate(tmpl shared.WorkTemplate) error {
	switch {
	case len(tmpl.Header) == 0 || len(tmpl.Header) > shared.MaxHeaderSize:
		return fmt.Errorf("%w: header of %d bytes", shared.ErrMalformedInput, len(tmpl.Header))
	case len(tmpl.Difficulty) != shared.HashSize:
		return fmt.Errorf("%w: difficulty target has %d bytes", shared.ErrMalformedInput, len(tmpl.Difficulty))
	case len(tmpl.AnnouncementTarget) != shared.HashSize:
		return fmt.Errorf("%w: announcement target has %d bytes", shared.ErrMalformedInput, len(tmpl.AnnouncementTarget))
	case len(tmpl.Seed) == 0:
		return fmt.Errorf("%w: empty seed", shared.ErrMalformedInput)
	case tmpl.Window.MinAge == 0 || tmpl.Window.MaxAge < tmpl.Window.MinAge:
		return fmt.Errorf("%w: invalid validity window", shared.ErrMalformedInput)
	}
	return nil
}
