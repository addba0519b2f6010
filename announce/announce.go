// Package announce produces and stores announcements: small
// proof-of-bandwidth tokens mined by hashing against an epoch scratchpad
// and referenced, not re-derived, by later proof-of-work solutions.
package announce

import (
	"context"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/annmine/engine/scratchpad"
	"github.com/annmine/engine/shared"
)

// Hash derives the announcement hash for (header, nonce) against the given
// scratchpad. The running state starts from blake3(header || nonce); each
// of the fixed mixing rounds derives a pseudo-random offset from the state,
// reads a chunk there, and folds it back in:
//
//	state = blake3(state || chunk || [round])
//
// Every round depends on the previous state, so the reads cannot be
// prefetched without holding the full buffer. Pure given its inputs.
func Hash(snapshot *scratchpad.Snapshot, header []byte, nonce uint64) []byte {
	nonceBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(nonceBuf, nonce)

	hasher := blake3.New()
	_, _ = hasher.Write(header)
	_, _ = hasher.Write(nonceBuf)
	state := hasher.Sum(nil)[:shared.HashSize]

	span := snapshot.Size() - shared.MixChunkSize
	for round := 0; round < shared.MixRounds; round++ {
		offset := binary.LittleEndian.Uint64(state[:8]) % span
		chunk := snapshot.Read(offset, shared.MixChunkSize)

		hasher = blake3.New()
		_, _ = hasher.Write(state)
		_, _ = hasher.Write(chunk)
		_, _ = hasher.Write([]byte{byte(round)})
		state = hasher.Sum(nil)[:shared.HashSize]
	}

	return state
}

// Find searches nonces start, start+stride, ... for an announcement whose
// hash meets target. It checks ctx between iterations, so cancellation is
// cooperative and bounded to a single hash of staleness. maxIter caps the
// search; Find returns (nil, nil) when the budget is exhausted, letting the
// caller interleave searches with work-change checks.
func Find(
	ctx context.Context,
	snapshot *scratchpad.Snapshot,
	header []byte,
	target []byte,
	start, stride, maxIter uint64,
) (*shared.Announcement, error) {
	if stride == 0 {
		stride = 1
	}

	nonce := start
	for i := uint64(0); i < maxIter; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hash := Hash(snapshot, header, nonce)
		if shared.Meets(hash, target) {
			return &shared.Announcement{
				Epoch:  snapshot.Epoch(),
				Header: append([]byte{}, header...),
				Nonce:  nonce,
				Hash:   hash,
				Target: append([]byte{}, target...),
			}, nil
		}
		nonce += stride
	}

	return nil, nil
}
