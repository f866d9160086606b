package comparators

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/corona10/goimagehash"
)

const (
	// DefaultBitErrorRate is the share of differing bits a segment pair may have and still match
	DefaultBitErrorRate = 0.25
	// DefaultRegionCutoff is the number of matching segments a multi-hash match needs
	DefaultRegionCutoff = 1
)

var ErrEmptyHash = errors.New("empty image hash")

// ImageHash is a fixed length perceptual hash
type ImageHash struct {
	Words []uint64 `json:"words"`
	Bits  int      `json:"bits"`
}

// MultiHash is a crop resistant hash made of one hash per image segment
type MultiHash struct {
	Segments []ImageHash `json:"segments"`
}

// ParseHash decodes a hex encoded hash. Every hex digit contributes four bits.
func ParseHash(s string) (*ImageHash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyHash
	}
	bits := len(s) * 4
	if len(s)%2 == 1 {
		s = "0" + s
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid image hash %q: %w", s, err)
	}

	if pad := (8 - len(raw)%8) % 8; pad > 0 {
		raw = append(make([]byte, pad), raw...)
	}

	words := make([]uint64, 0, len(raw)/8)
	for i := 0; i < len(raw); i += 8 {
		words = append(words, binary.BigEndian.Uint64(raw[i:i+8]))
	}
	return &ImageHash{Words: words, Bits: bits}, nil
}

// ParseMultiHash decodes comma separated hex segments
func ParseMultiHash(s string) (*MultiHash, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	hash := &MultiHash{Segments: make([]ImageHash, 0, len(parts))}
	for _, p := range parts {
		segment, err := ParseHash(p)
		if err != nil {
			return nil, err
		}
		hash.Segments = append(hash.Segments, *segment)
	}
	return hash, nil
}

func (h *ImageHash) ext() *goimagehash.ExtImageHash {
	return goimagehash.NewExtImageHash(h.Words, goimagehash.Unknown, h.Bits)
}

// Distance returns the hamming distance between two hashes of the same size
func (h *ImageHash) Distance(other *ImageHash) (int, error) {
	return h.ext().Distance(other.ext())
}

// HashCloseness returns 1 - hamming(a, b) / bits. Hashes of different sizes cannot be compared.
func HashCloseness(a, b *ImageHash) (float64, error) {
	if a == nil || b == nil {
		return 0, ErrEmptyHash
	}
	distance, err := a.Distance(b)
	if err != nil {
		return 0, err
	}
	return 1.0 - float64(distance)/float64(max(a.Bits, b.Bits)), nil
}

// MultiHashMatches reports whether enough segments of a have a close counterpart in b
func MultiHashMatches(a, b *MultiHash) bool {
	if a == nil || b == nil || len(a.Segments) == 0 || len(b.Segments) == 0 {
		return false
	}

	cutoff := float64(a.Segments[0].Bits) * DefaultBitErrorRate
	matches := 0
	for i := range a.Segments {
		best := -1
		for j := range b.Segments {
			d, err := a.Segments[i].Distance(&b.Segments[j])
			if err != nil {
				continue
			}
			if best < 0 || d < best {
				best = d
			}
		}
		if best >= 0 && float64(best) <= cutoff {
			matches++
		}
	}
	return matches >= DefaultRegionCutoff
}
