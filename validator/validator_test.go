package validator_test

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/annmine/engine/announce"
	"github.com/annmine/engine/merkle"
	"github.com/annmine/engine/scratchpad"
	"github.com/annmine/engine/shared"
	"github.com/annmine/engine/validator"
)

const testpadSize = 1 << 16

func looseTarget() []byte {
	return bytes.Repeat([]byte{0xff}, shared.HashSize)
}

// fixture is a fully mined, valid solution with everything needed to
// re-validate it: announcements from epoch 1 cited by work at epoch 2.
type fixture struct {
	manager *scratchpad.Manager
	work    shared.WorkItem
	sol     shared.Solution
	set     []shared.Announcement
	tree    *merkle.Tree
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	manager, err := scratchpad.NewManager(testpadSize, 4)
	require.NoError(t, err)

	annSeed := []byte("fixture seed epoch 1")
	snapshot, err := manager.Build(ctx, 1, annSeed)
	require.NoError(t, err)
	defer snapshot.Release()

	annHeader := []byte("announcement header epoch 1")
	set := make([]shared.Announcement, 8)
	for i := range set {
		ann, err := announce.Find(ctx, snapshot, annHeader, looseTarget(), uint64(i), uint64(len(set)), 1)
		require.NoError(t, err)
		require.NotNil(t, ann)
		set[i] = *ann
	}
	sort.Slice(set, func(i, j int) bool {
		return bytes.Compare(set[i].Hash, set[j].Hash) < 0
	})

	leaves := make([][]byte, len(set))
	for i := range set {
		leaves[i] = set[i].Hash
	}
	tree, err := merkle.BuildTree(leaves)
	require.NoError(t, err)

	work := shared.WorkItem{
		Epoch:              2,
		Header:             []byte("work header epoch 2"),
		Difficulty:         looseTarget(),
		AnnouncementTarget: looseTarget(),
		AnnouncementRoot:   tree.Root(),
		AnnouncementCount:  uint64(len(set)),
		Seed:               []byte("fixture seed epoch 2"),
		Window:             shared.ValidityWindow{MinAge: 1, MaxAge: 2},
	}

	var sol shared.Solution
	for nonce := uint64(0); ; nonce++ {
		indices, ok := shared.SelectionIndices(work.Header, nonce, work.AnnouncementCount)
		if !ok {
			continue
		}
		refs := make([]shared.AnnouncementRef, 0, shared.NumAnnouncements)
		hashes := make([][]byte, 0, shared.NumAnnouncements)
		for _, idx := range indices {
			proof, err := tree.Prove(idx)
			require.NoError(t, err)
			refs = append(refs, shared.AnnouncementRef{Announcement: set[idx], Proof: proof})
			hashes = append(hashes, set[idx].Hash)
		}
		sol = shared.Solution{
			Epoch:     2,
			Nonce:     nonce,
			Refs:      refs,
			FinalHash: shared.FinalHash(work.Header, nonce, hashes),
		}
		break
	}

	return &fixture{manager: manager, work: work, sol: sol, set: set, tree: tree}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	f := buildFixture(t)

	t.Run("full validation", func(t *testing.T) {
		require.NoError(t, validator.Validate(&f.sol, &f.work, f.manager))
	})
	t.Run("stateless validation", func(t *testing.T) {
		require.NoError(t, validator.Validate(&f.sol, &f.work, nil))
	})
	t.Run("validation is repeatable", func(t *testing.T) {
		// Same verdict on every run, with or without the scratchpads.
		for i := 0; i < 3; i++ {
			require.NoError(t, validator.Validate(&f.sol, &f.work, f.manager))
		}
	})
}

func clone(sol *shared.Solution) *shared.Solution {
	out := *sol
	out.FinalHash = append([]byte{}, sol.FinalHash...)
	out.Refs = make([]shared.AnnouncementRef, len(sol.Refs))
	for i, ref := range sol.Refs {
		out.Refs[i] = ref
		out.Refs[i].Announcement.Hash = append([]byte{}, ref.Announcement.Hash...)
		out.Refs[i].Announcement.Target = append([]byte{}, ref.Announcement.Target...)
		out.Refs[i].Proof.Siblings = append([][]byte{}, ref.Proof.Siblings...)
		out.Refs[i].Proof.Sides = append([]byte{}, ref.Proof.Sides...)
	}
	return &out
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	f := buildFixture(t)

	t.Run("wrong epoch", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.Epoch++
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrStaleWork)
	})

	t.Run("truncated final hash", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.FinalHash = sol.FinalHash[:16]
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrMalformedInput)
	})

	t.Run("missing reference", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.Refs = sol.Refs[:shared.NumAnnouncements-1]
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrMalformedInput)
	})

	t.Run("reference cites the wrong leaf", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.Refs[0].Proof.LeafIndex = (sol.Refs[0].Proof.LeafIndex + 1) % f.work.AnnouncementCount
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrProofVerification)
	})

	t.Run("reference substitutes a non-selected announcement", func(t *testing.T) {
		// A valid inclusion path for a leaf outside the selection, presented
		// under the selected index, with the final hash recomputed to match.
		// Only the index binding inside proof verification can catch this.
		indices, ok := shared.SelectionIndices(f.work.Header, f.sol.Nonce, f.work.AnnouncementCount)
		require.True(t, ok)
		selected := make(map[uint64]bool, len(indices))
		for _, idx := range indices {
			selected[idx] = true
		}
		var other uint64
		for ; selected[other]; other++ {
		}

		sol := clone(&f.sol)
		proof, err := f.tree.Prove(other)
		require.NoError(t, err)
		proof.LeafIndex = indices[0]
		sol.Refs[0] = shared.AnnouncementRef{Announcement: f.set[other], Proof: proof}

		hashes := make([][]byte, len(sol.Refs))
		for i := range sol.Refs {
			hashes[i] = sol.Refs[i].Announcement.Hash
		}
		sol.FinalHash = shared.FinalHash(f.work.Header, sol.Nonce, hashes)

		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrProofVerification)
	})

	t.Run("proof depth does not match the indexed set", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.Refs[0].Proof.Siblings = sol.Refs[0].Proof.Siblings[:1]
		sol.Refs[0].Proof.Sides = sol.Refs[0].Proof.Sides[:1]
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrProofVerification)
	})

	t.Run("work item with no announcements", func(t *testing.T) {
		work := f.work
		work.AnnouncementCount = 0
		work.AnnouncementRoot = make([]byte, shared.HashSize)
		require.ErrorIs(t, validator.Validate(&f.sol, &work, f.manager), shared.ErrMalformedInput)
	})

	t.Run("tampered announcement hash", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.Refs[1].Announcement.Hash[7] ^= 0x40
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrProofVerification)
	})

	t.Run("duplicate announcement", func(t *testing.T) {
		sol := clone(&f.sol)
		// Keep the second proof (so the leaf index matches the selection)
		// but substitute the first announcement's content.
		sol.Refs[1].Announcement = sol.Refs[0].Announcement
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrDuplicateAnnouncement)
	})

	t.Run("announcement misses its own target", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.Refs[2].Announcement.Target = make([]byte, shared.HashSize)
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrBelowMinAnnouncementDifficulty)
	})

	t.Run("announcement target looser than work minimum", func(t *testing.T) {
		work := f.work
		work.AnnouncementTarget = make([]byte, shared.HashSize)
		require.ErrorIs(t, validator.Validate(&f.sol, &work, f.manager), shared.ErrBelowMinAnnouncementDifficulty)
	})

	t.Run("announcement outside validity window", func(t *testing.T) {
		work := f.work
		work.Window = shared.ValidityWindow{MinAge: 2, MaxAge: 3}
		require.ErrorIs(t, validator.Validate(&f.sol, &work, f.manager), shared.ErrStaleWork)
	})

	t.Run("announcement content does not re-derive", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.Refs[3].Announcement.Nonce += 1000
		// The hash in the tree is untouched, so only the bandwidth-hard
		// recheck can catch this.
		require.NoError(t, validator.Validate(sol, &f.work, nil))
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrMalformedInput)
	})

	t.Run("tampered final hash", func(t *testing.T) {
		sol := clone(&f.sol)
		sol.FinalHash[0] ^= 0x01
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrMalformedInput)
	})

	t.Run("final hash above difficulty", func(t *testing.T) {
		work := f.work
		work.Difficulty = make([]byte, shared.HashSize)
		require.ErrorIs(t, validator.Validate(&f.sol, &work, f.manager), shared.ErrHashAboveTarget)
	})

	t.Run("colliding selection", func(t *testing.T) {
		// Find a nonce whose derived indices collide; with 8 leaves one
		// shows up almost immediately.
		nonce := f.sol.Nonce
		for {
			nonce++
			if _, ok := shared.SelectionIndices(f.work.Header, nonce, f.work.AnnouncementCount); !ok {
				break
			}
		}
		sol := clone(&f.sol)
		sol.Nonce = nonce
		require.ErrorIs(t, validator.Validate(sol, &f.work, f.manager), shared.ErrDuplicateAnnouncement)
	})
}
