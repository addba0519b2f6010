package shared

import (
	"bytes"
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Announcement is a proof-of-bandwidth token mined against the scratchpad
// of its epoch. Announcements are immutable once created and are referenced,
// not re-derived, by later solutions.
type Announcement struct {
	// Epoch of the scratchpad the hash was mined against.
	Epoch uint64

	// Header is the announcement's header fields in canonical encoding.
	Header []byte `scale:"max=128"`

	Nonce uint64

	// Hash = AnnouncementHash(scratchpad, Header, Nonce).
	Hash []byte `scale:"max=32"`

	// Target is the per-announcement target the hash was mined under.
	Target []byte `scale:"max=32"`
}

// ValidityWindow is the inclusive epoch-age range during which an
// announcement may be cited, relative to the citing work item's epoch.
type ValidityWindow struct {
	MinAge uint64
	MaxAge uint64
}

// Contains reports whether an announcement from annEpoch may be cited by
// work published for workEpoch.
func (w ValidityWindow) Contains(workEpoch, annEpoch uint64) bool {
	if annEpoch >= workEpoch {
		return false
	}
	age := workEpoch - annEpoch
	return age >= w.MinAge && age <= w.MaxAge
}

// WorkTemplate is the externally supplied raw material for one epoch:
// header fields, targets and the scratchpad seed. The coordinator folds in
// the locally indexed announcement set to produce the published WorkItem.
type WorkTemplate struct {
	Epoch              uint64
	Header             []byte
	Difficulty         []byte
	AnnouncementTarget []byte
	Seed               []byte
	Window             ValidityWindow
}

// WorkItem is a published unit of work. Immutable after publication and
// valid only for its originating epoch.
type WorkItem struct {
	Epoch  uint64
	Header []byte `scale:"max=128"`

	// Difficulty is the target the solution's final hash must meet.
	Difficulty []byte `scale:"max=32"`

	// AnnouncementTarget is the loosest per-announcement target accepted
	// for cited announcements.
	AnnouncementTarget []byte `scale:"max=32"`

	AnnouncementRoot  []byte `scale:"max=32"`
	AnnouncementCount uint64

	Seed   []byte `scale:"max=32"`
	Window ValidityWindow
}

// MerkleProof is a path from a leaf to the announcement root. Siblings are
// ordered leaf to root; Sides[i] is the side the sibling sits on
// (SideLeft or SideRight).
type MerkleProof struct {
	LeafIndex uint64
	Siblings  [][]byte `scale:"max=64"`
	Sides     []byte   `scale:"max=64"`
}

const (
	SideLeft  byte = 0
	SideRight byte = 1
)

// AnnouncementRef couples a cited announcement with its inclusion proof
// against the work item's announcement root.
type AnnouncementRef struct {
	Announcement Announcement
	Proof        MerkleProof
}

// Solution is a candidate proof of work found by a searcher.
type Solution struct {
	Epoch     uint64
	Nonce     uint64
	Refs      []AnnouncementRef `scale:"max=4"`
	FinalHash []byte            `scale:"max=32"`
}

// Meets reports whether hash satisfies target, both interpreted as
// 32-byte big-endian values; equal counts as met.
func Meets(hash, target []byte) bool {
	if len(hash) != HashSize || len(target) != HashSize {
		return false
	}
	return bytes.Compare(hash, target) <= 0
}

// LeadingZeroTarget returns the loosest 32-byte target with the given
// number of leading zero bits. Used to express difficulty in config and
// tests the way the number of zero bits expresses PoW difficulty.
func LeadingZeroTarget(bits uint) []byte {
	target := make([]byte, HashSize)
	for i := range target {
		target[i] = 0xff
	}
	for i := uint(0); i < bits && i/8 < HashSize; i++ {
		target[i/8] &^= 0x80 >> (i % 8)
	}
	return target
}

// SelectionIndices derives the deterministic announcement selection for a
// (header, nonce) pair over a set of count announcements. The low-order
// 64-bit words of blake3(header || nonce) index into the canonically
// ordered set, reduced mod count. ok is false when count is zero or the
// derived indices collide, in which case the nonce is unusable; the
// validator rejects such selections, so searchers skip them.
func SelectionIndices(header []byte, nonce uint64, count uint64) (indices [NumAnnouncements]uint64, ok bool) {
	if count == 0 {
		return indices, false
	}

	digest := selectionDigest(header, nonce)
	for i := 0; i < NumAnnouncements; i++ {
		indices[i] = binary.LittleEndian.Uint64(digest[8*i:]) % count
		for j := 0; j < i; j++ {
			if indices[j] == indices[i] {
				return indices, false
			}
		}
	}
	return indices, true
}

// FinalHash computes the solution hash over the header template, nonce and
// the cited announcement hashes in selection order.
func FinalHash(header []byte, nonce uint64, annHashes [][]byte) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write(header)
	_, _ = hasher.Write(nonceBytes(nonce))
	for _, h := range annHashes {
		_, _ = hasher.Write(h)
	}
	return hasher.Sum(nil)[:HashSize]
}

func selectionDigest(header []byte, nonce uint64) [HashSize]byte {
	hasher := blake3.New()
	_, _ = hasher.Write(header)
	_, _ = hasher.Write(nonceBytes(nonce))
	var digest [HashSize]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

func nonceBytes(nonce uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, nonce)
	return b
}
