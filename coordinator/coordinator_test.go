package coordinator_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/annmine/engine/announce"
	"github.com/annmine/engine/coordinator"
	"github.com/annmine/engine/scratchpad"
	"github.com/annmine/engine/shared"
	"github.com/annmine/engine/transport"
)

const testpadSize = 1 << 16

type harness struct {
	manager *scratchpad.Manager
	store   *announce.Store
	mem     *transport.InMemory
	coord   *coordinator.Coordinator
	datadir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	datadir := t.TempDir()

	manager, err := scratchpad.NewManager(testpadSize, 4)
	require.NoError(t, err)

	store, err := announce.OpenStore(filepath.Join(datadir, "announcements"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	mem := transport.NewInMemory()
	coord, err := coordinator.New(context.Background(), manager, store, mem, mem, datadir)
	require.NoError(t, err)

	return &harness{manager: manager, store: store, mem: mem, coord: coord, datadir: datadir}
}

func template(epoch uint64) shared.WorkTemplate {
	return shared.WorkTemplate{
		Epoch:              epoch,
		Header:             []byte("header"),
		Difficulty:         bytes.Repeat([]byte{0xff}, shared.HashSize),
		AnnouncementTarget: bytes.Repeat([]byte{0xff}, shared.HashSize),
		Seed:               append([]byte("seed for epoch "), byte(epoch)),
		Window:             shared.ValidityWindow{MinAge: 1, MaxAge: 2},
	}
}

// mineInto mines n announcements against the published epoch's scratchpad
// and stores them, making them citable once they age into the window.
func mineInto(t *testing.T, h *harness, n int) {
	t.Helper()
	ctx := context.Background()

	current := h.coord.Current()
	require.NotNil(t, current)
	for i := 0; i < n; i++ {
		ann, err := announce.Find(
			ctx,
			current.Snapshot,
			current.Work.Header,
			current.Work.AnnouncementTarget,
			uint64(i), uint64(n), 1,
		)
		require.NoError(t, err)
		require.NotNil(t, ann)
		require.NoError(t, h.store.Put(ctx, ann))
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	require.Nil(t, h.coord.Current())
	require.Zero(t, h.coord.Generation())

	// First epoch: nothing citable yet.
	require.NoError(t, h.coord.Publish(ctx, template(1)))
	first := h.coord.Current()
	require.NotNil(t, first)
	require.EqualValues(t, 1, first.Generation)
	require.EqualValues(t, 1, first.Work.Epoch)
	require.Zero(t, first.Work.AnnouncementCount)
	require.Equal(t, make([]byte, shared.HashSize), first.Work.AnnouncementRoot)
	require.Nil(t, first.Tree)

	// Announcements mined in epoch 1 become citable in epoch 2.
	mineInto(t, h, 5)
	require.NoError(t, h.coord.Publish(ctx, template(2)))
	second := h.coord.Current()
	require.EqualValues(t, 2, second.Generation)
	require.EqualValues(t, 5, second.Work.AnnouncementCount)
	require.NotNil(t, second.Tree)
	require.Equal(t, second.Tree.Root(), second.Work.AnnouncementRoot)

	// The indexed set is in canonical ascending-hash order.
	for i := 1; i < len(second.Set); i++ {
		require.Negative(t, bytes.Compare(second.Set[i-1].Hash, second.Set[i].Hash))
	}
}

func TestPublishRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.coord.Publish(ctx, template(3)))

	t.Run("same epoch", func(t *testing.T) {
		require.ErrorIs(t, h.coord.Publish(ctx, template(3)), shared.ErrStaleWork)
	})
	t.Run("older epoch", func(t *testing.T) {
		require.ErrorIs(t, h.coord.Publish(ctx, template(2)), shared.ErrStaleWork)
	})
	t.Run("empty header", func(t *testing.T) {
		tmpl := template(4)
		tmpl.Header = nil
		require.ErrorIs(t, h.coord.Publish(ctx, tmpl), shared.ErrMalformedInput)
	})
	t.Run("short difficulty", func(t *testing.T) {
		tmpl := template(4)
		tmpl.Difficulty = tmpl.Difficulty[:16]
		require.ErrorIs(t, h.coord.Publish(ctx, tmpl), shared.ErrMalformedInput)
	})
	t.Run("window allowing same-epoch announcements", func(t *testing.T) {
		tmpl := template(4)
		tmpl.Window = shared.ValidityWindow{MinAge: 0, MaxAge: 2}
		require.ErrorIs(t, h.coord.Publish(ctx, tmpl), shared.ErrMalformedInput)
	})

	// None of the rejects disturbed the published epoch.
	require.EqualValues(t, 3, h.coord.Current().Work.Epoch)
	require.EqualValues(t, 1, h.coord.Generation())
}

func TestWaitForWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	t.Run("returns published work immediately", func(t *testing.T) {
		require.NoError(t, h.coord.Publish(ctx, template(1)))
		ep, err := h.coord.WaitForWork(ctx, 0)
		require.NoError(t, err)
		require.EqualValues(t, 1, ep.Work.Epoch)
	})

	t.Run("blocks until the next publication", func(t *testing.T) {
		after := h.coord.Generation()
		got := make(chan *coordinator.Epoch, 1)
		go func() {
			ep, err := h.coord.WaitForWork(ctx, after)
			if err == nil {
				got <- ep
			}
		}()

		select {
		case <-got:
			require.FailNow(t, "WaitForWork returned before publication")
		case <-time.After(20 * time.Millisecond):
		}

		require.NoError(t, h.coord.Publish(ctx, template(2)))
		select {
		case ep := <-got:
			require.EqualValues(t, 2, ep.Work.Epoch)
			require.Greater(t, ep.Generation, after)
		case <-time.After(time.Second):
			require.FailNow(t, "WaitForWork missed the publication")
		}
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := h.coord.WaitForWork(cctx, h.coord.Generation())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRestartRejectsReplayedTemplate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.coord.Publish(ctx, template(5)))

	// A fresh coordinator over the same datadir must refuse templates from
	// epochs it already served before the restart.
	restarted, err := coordinator.New(ctx, h.manager, h.store, h.mem, h.mem, h.datadir)
	require.NoError(t, err)
	require.ErrorIs(t, restarted.Publish(ctx, template(5)), shared.ErrStaleWork)
	require.ErrorIs(t, restarted.Publish(ctx, template(4)), shared.ErrStaleWork)
	require.NoError(t, restarted.Publish(ctx, template(6)))
}

func TestRunConfirmsSolutions(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	require.NoError(t, h.mem.PublishTemplate(ctx, template(1)))
	_, err := h.coord.WaitForWork(ctx, 0)
	require.NoError(t, err)
	mineInto(t, h, 6)

	require.NoError(t, h.mem.PublishTemplate(ctx, template(2)))
	ep, err := h.coord.WaitForWork(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 6, ep.Work.AnnouncementCount)

	sol := mineSolution(t, ep)
	h.coord.Candidates() <- sol
	select {
	case got := <-h.mem.Solutions():
		require.Equal(t, sol.Nonce, got.Nonce)
		require.Equal(t, sol.FinalHash, got.FinalHash)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "confirmed solution never reached the sink")
	}

	// A forged candidate is dropped, not forwarded.
	forged := sol
	forged.FinalHash = append([]byte{}, sol.FinalHash...)
	forged.FinalHash[0] ^= 0xff
	h.coord.Candidates() <- forged
	select {
	case <-h.mem.Solutions():
		require.FailNow(t, "invalid solution was forwarded")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

// mineSolution searches the published epoch by brute force; with an all-ones
// difficulty any nonce with a collision-free selection wins.
func mineSolution(t *testing.T, ep *coordinator.Epoch) shared.Solution {
	t.Helper()
	work := &ep.Work
	for nonce := uint64(0); ; nonce++ {
		indices, ok := shared.SelectionIndices(work.Header, nonce, work.AnnouncementCount)
		if !ok {
			continue
		}
		refs := make([]shared.AnnouncementRef, 0, shared.NumAnnouncements)
		hashes := make([][]byte, 0, shared.NumAnnouncements)
		for _, idx := range indices {
			proof, err := ep.Tree.Prove(idx)
			require.NoError(t, err)
			refs = append(refs, shared.AnnouncementRef{Announcement: ep.Set[idx], Proof: proof})
			hashes = append(hashes, ep.Set[idx].Hash)
		}
		return shared.Solution{
			Epoch:     work.Epoch,
			Nonce:     nonce,
			Refs:      refs,
			FinalHash: shared.FinalHash(work.Header, nonce, hashes),
		}
	}
}
