package shared

import (
	"fmt"

	"github.com/spacemeshos/go-scale"
)

// Scale encoding is implemented by hand to be able to limit [][]byte
// slices to a maximum size (inner and outer slices).

func (a *Announcement) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if n, err := scale.EncodeCompact64(enc, a.Epoch); err != nil {
		return total, err
	} else {
		total += n
	}
	if n, err := scale.EncodeByteSliceWithLimit(enc, a.Header, MaxHeaderSize); err != nil {
		return total, err
	} else {
		total += n
	}
	if n, err := scale.EncodeCompact64(enc, a.Nonce); err != nil {
		return total, err
	} else {
		total += n
	}
	if n, err := scale.EncodeByteSliceWithLimit(enc, a.Hash, HashSize); err != nil {
		return total, err
	} else {
		total += n
	}
	if n, err := scale.EncodeByteSliceWithLimit(enc, a.Target, HashSize); err != nil {
		return total, err
	} else {
		total += n
	}
	return total, nil
}

func (a *Announcement) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if field, n, err := scale.DecodeCompact64(dec); err != nil {
		return total, err
	} else {
		total += n
		a.Epoch = field
	}
	if field, n, err := scale.DecodeByteSliceWithLimit(dec, MaxHeaderSize); err != nil {
		return total, err
	} else {
		total += n
		a.Header = field
	}
	if field, n, err := scale.DecodeCompact64(dec); err != nil {
		return total, err
	} else {
		total += n
		a.Nonce = field
	}
	if field, n, err := scale.DecodeByteSliceWithLimit(dec, HashSize); err != nil {
		return total, err
	} else {
		total += n
		a.Hash = field
	}
	if field, n, err := scale.DecodeByteSliceWithLimit(dec, HashSize); err != nil {
		return total, err
	} else {
		total += n
		a.Target = field
	}
	return total, nil
}

func (p *MerkleProof) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if n, err := scale.EncodeCompact64(enc, p.LeafIndex); err != nil {
		return total, err
	} else {
		total += n
	}
	{
		n, err := scale.EncodeLen(enc, uint32(len(p.Siblings)), 64)
		if err != nil {
			return total, fmt.Errorf("EncodeLen failed: %w", err)
		}
		total += n
		for _, sibling := range p.Siblings {
			n, err := scale.EncodeByteSliceWithLimit(enc, sibling, HashSize)
			if err != nil {
				return total, fmt.Errorf("EncodeByteSliceWithLimit failed: %w", err)
			}
			total += n
		}
	}
	if n, err := scale.EncodeByteSliceWithLimit(enc, p.Sides, 64); err != nil {
		return total, err
	} else {
		total += n
	}
	return total, nil
}

func (p *MerkleProof) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if field, n, err := scale.DecodeCompact64(dec); err != nil {
		return total, err
	} else {
		total += n
		p.LeafIndex = field
	}
	if field, n, err := decodeSliceOfByteSliceWithLimit(dec, 64, HashSize); err != nil {
		return total, err
	} else {
		total += n
		p.Siblings = field
	}
	if field, n, err := scale.DecodeByteSliceWithLimit(dec, 64); err != nil {
		return total, err
	} else {
		total += n
		p.Sides = field
	}
	return total, nil
}

func (r *AnnouncementRef) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if n, err := r.Announcement.EncodeScale(enc); err != nil {
		return total, err
	} else {
		total += n
	}
	if n, err := r.Proof.EncodeScale(enc); err != nil {
		return total, err
	} else {
		total += n
	}
	return total, nil
}

func (r *AnnouncementRef) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if n, err := r.Announcement.DecodeScale(dec); err != nil {
		return total, err
	} else {
		total += n
	}
	if n, err := r.Proof.DecodeScale(dec); err != nil {
		return total, err
	} else {
		total += n
	}
	return total, nil
}

func (s *Solution) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if n, err := scale.EncodeCompact64(enc, s.Epoch); err != nil {
		return total, err
	} else {
		total += n
	}
	if n, err := scale.EncodeCompact64(enc, s.Nonce); err != nil {
		return total, err
	} else {
		total += n
	}
	{
		n, err := scale.EncodeLen(enc, uint32(len(s.Refs)), NumAnnouncements)
		if err != nil {
			return total, fmt.Errorf("EncodeLen failed: %w", err)
		}
		total += n
		for i := range s.Refs {
			n, err := s.Refs[i].EncodeScale(enc)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	if n, err := scale.EncodeByteSliceWithLimit(enc, s.FinalHash, HashSize); err != nil {
		return total, err
	} else {
		total += n
	}
	return total, nil
}

func (s *Solution) DecodeScale(dec *scale.Decoder) (total int, err error) {
	if field, n, err := scale.DecodeCompact64(dec); err != nil {
		return total, err
	} else {
		total += n
		s.Epoch = field
	}
	if field, n, err := scale.DecodeCompact64(dec); err != nil {
		return total, err
	} else {
		total += n
		s.Nonce = field
	}
	{
		count, n, err := scale.DecodeLen(dec, NumAnnouncements)
		if err != nil {
			return total, fmt.Errorf("DecodeLen failed: %w", err)
		}
		total += n
		refs := make([]AnnouncementRef, count)
		for i := range refs {
			n, err := refs[i].DecodeScale(dec)
			if err != nil {
				return total, err
			}
			total += n
		}
		s.Refs = refs
	}
	if field, n, err := scale.DecodeByteSliceWithLimit(dec, HashSize); err != nil {
		return total, err
	} else {
		total += n
		s.FinalHash = field
	}
	return total, nil
}

func decodeSliceOfByteSliceWithLimit(d *scale.Decoder, outerLimit, innerLimit uint32) ([][]byte, int, error) {
	resultLen, total, err := scale.DecodeLen(d, outerLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("DecodeLen failed: %w", err)
	}
	if resultLen == 0 {
		return nil, total, nil
	}
	result := make([][]byte, 0, resultLen)

	for i := uint32(0); i < resultLen; i++ {
		val, n, err := scale.DecodeByteSliceWithLimit(d, innerLimit)
		if err != nil {
			return nil, 0, fmt.Errorf("DecodeByteSlice failed: %w", err)
		}
		result = append(result, val)
		total += n
	}

	return result, total, nil
}
