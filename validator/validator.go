// Package validator re-derives and checks candidate solutions. Validation
// is deterministic and side-effect free; any party holding the same public
// inputs (work item, announcement root, scratchpads) accepts and rejects
// identically, including parties that did not perform the search.
package validator

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/annmine/engine/announce"
	"github.com/annmine/engine/merkle"
	"github.com/annmine/engine/scratchpad"
	"github.com/annmine/engine/shared"
)

// SnapshotSource provides retained scratchpad snapshots for re-checking
// cited announcement hashes. The returned snapshot carries a reference
// owned by the caller. *scratchpad.Manager satisfies this.
type SnapshotSource interface {
	Get(epoch uint64, seed []byte) (*scratchpad.Snapshot, error)
}

// Validate checks a candidate solution against a work item. A nil error
// means accept; rejections are the typed reasons in package shared, safe
// to return for arbitrary untrusted input.
//
// When source is nil the bandwidth-hard re-derivation of announcement
// hashes is skipped and only proofs, targets, freshness and the final hash
// are checked. Full consensus validation requires a source.
func Validate(sol *shared.Solution, work *shared.WorkItem, source SnapshotSource) error {
	if sol.Epoch != work.Epoch {
		return fmt.Errorf("%w: solution epoch %d, work epoch %d", shared.ErrStaleWork, sol.Epoch, work.Epoch)
	}
	if len(sol.FinalHash) != shared.HashSize {
		return fmt.Errorf("%w: final hash has %d bytes", shared.ErrMalformedInput, len(sol.FinalHash))
	}
	if len(sol.Refs) != shared.NumAnnouncements {
		return fmt.Errorf("%w: %d announcement references, want %d",
			shared.ErrMalformedInput, len(sol.Refs), shared.NumAnnouncements)
	}
	if len(work.AnnouncementRoot) != shared.HashSize {
		return fmt.Errorf("%w: announcement root has %d bytes", shared.ErrMalformedInput, len(work.AnnouncementRoot))
	}
	if work.AnnouncementCount == 0 {
		return fmt.Errorf("%w: work item indexes no announcements", shared.ErrMalformedInput)
	}

	// The selection must be exactly the one the searcher's rule derives;
	// a collision in the derived indices makes the nonce unusable.
	indices, ok := shared.SelectionIndices(work.Header, sol.Nonce, work.AnnouncementCount)
	if !ok {
		return fmt.Errorf("%w: selection collides for nonce %d", shared.ErrDuplicateAnnouncement, sol.Nonce)
	}
	depth := proofDepth(work.AnnouncementCount)

	annHashes := make([][]byte, 0, shared.NumAnnouncements)
	for i := range sol.Refs {
		ref := &sol.Refs[i]
		ann := &ref.Announcement

		if len(ann.Hash) != shared.HashSize {
			return fmt.Errorf("%w: announcement %d hash has %d bytes", shared.ErrMalformedInput, i, len(ann.Hash))
		}
		if ref.Proof.LeafIndex != indices[i] {
			return fmt.Errorf("%w: reference %d cites leaf %d, selection requires %d",
				shared.ErrProofVerification, i, ref.Proof.LeafIndex, indices[i])
		}
		if len(ref.Proof.Siblings) != depth {
			return fmt.Errorf("%w: reference %d proof depth %d, tree of %d leaves requires %d",
				shared.ErrProofVerification, i, len(ref.Proof.Siblings), work.AnnouncementCount, depth)
		}
		for j := 0; j < i; j++ {
			if bytes.Equal(sol.Refs[j].Announcement.Hash, ann.Hash) {
				return fmt.Errorf("%w: references %d and %d", shared.ErrDuplicateAnnouncement, j, i)
			}
		}

		if !merkle.Verify(ann.Hash, ref.Proof, work.AnnouncementRoot) {
			return fmt.Errorf("%w: reference %d", shared.ErrProofVerification, i)
		}

		if !work.Window.Contains(work.Epoch, ann.Epoch) {
			return fmt.Errorf("%w: announcement from epoch %d outside window of epoch %d",
				shared.ErrStaleWork, ann.Epoch, work.Epoch)
		}

		if !shared.Meets(ann.Hash, ann.Target) {
			return fmt.Errorf("%w: reference %d hash misses its own target",
				shared.ErrBelowMinAnnouncementDifficulty, i)
		}
		if !shared.Meets(ann.Target, work.AnnouncementTarget) {
			return fmt.Errorf("%w: reference %d target looser than the work minimum",
				shared.ErrBelowMinAnnouncementDifficulty, i)
		}

		if source != nil {
			if err := recheckHash(ann, source); err != nil {
				return err
			}
		}

		annHashes = append(annHashes, ann.Hash)
	}

	final := shared.FinalHash(work.Header, sol.Nonce, annHashes)
	if !bytes.Equal(final, sol.FinalHash) {
		return fmt.Errorf("%w: recorded final hash does not re-derive", shared.ErrMalformedInput)
	}
	if !shared.Meets(final, work.Difficulty) {
		return shared.ErrHashAboveTarget
	}

	return nil
}

// proofDepth is the number of levels above the leaves in a tree of count
// leaves under the duplicate-last rule.
func proofDepth(count uint64) int {
	if count <= 1 {
		return 0
	}
	return bits.Len64(count - 1)
}

// recheckHash replays the announcement generator against the snapshot of
// the announcement's epoch. This is the bandwidth-hard half of validation:
// it requires holding the same buffer the prover held.
func recheckHash(ann *shared.Announcement, source SnapshotSource) error {
	snapshot, err := source.Get(ann.Epoch, nil)
	if err != nil {
		return fmt.Errorf("scratchpad for announcement epoch %d: %w", ann.Epoch, err)
	}
	defer snapshot.Release()

	if !bytes.Equal(announce.Hash(snapshot, ann.Header, ann.Nonce), ann.Hash) {
		return fmt.Errorf("%w: announcement hash does not re-derive", shared.ErrMalformedInput)
	}
	return nil
}
