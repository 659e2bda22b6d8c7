package storage

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/dchest/blake2b"
)

const (
	// LegacyIDBits is the width of numeric ids, chosen so that they survive a
	// round trip through a float64 JSON number.
	LegacyIDBits = 53

	// MaxFixedIDBits leaves at least one random bit.
	MaxFixedIDBits = LegacyIDBits - 1

	// MaxIDAttempts bounds the number of random ids drawn per upload.
	MaxIDAttempts = 25

	// ContentIDLength is the length of a base64url encoded content id.
	ContentIDLength = 44
)

var contentIDSalt = []byte("SessionFileSvr\x00\x00")

// ContentID returns the content-addressed id of data: the salted 33-byte
// BLAKE2b digest, base64url encoded.
func ContentID(data []byte) string {
	h, err := blake2b.New(&blake2b.Config{Size: 33, Salt: contentIDSalt})
	if err != nil {
		// Size and salt are constants within the allowed ranges.
		panic(err)
	}
	h.Write(data)
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// LegacyIDGenerator draws 53-bit numeric ids whose high bits are fixed.
type LegacyIDGenerator struct {
	fixed     uint64
	fixedBits int
}

// NewLegacyIDGenerator parses a string of '0' and '1' characters into the
// fixed high bits of every generated id. An empty pattern fixes nothing.
func NewLegacyIDGenerator(pattern string) (*LegacyIDGenerator, error) {
	if len(pattern) > MaxFixedIDBits {
		return nil, fmt.Errorf("too many fixed id bits: %d > %d", len(pattern), MaxFixedIDBits)
	}

	var fixed uint64
	for i, c := range pattern {
		fixed <<= 1
		switch c {
		case '0':
		case '1':
			fixed |= 1
		default:
			return nil, fmt.Errorf("invalid fixed id bit %q at position %d", c, i)
		}
	}

	return &LegacyIDGenerator{fixed: fixed, fixedBits: len(pattern)}, nil
}

// FixedBits returns the number of fixed high bits.
func (g *LegacyIDGenerator) FixedBits() int {
	return g.fixedBits
}

// Next returns a fresh random id.
func (g *LegacyIDGenerator) Next() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to read random id: %w", err)
	}

	randomBits := LegacyIDBits - g.fixedBits
	random := binary.LittleEndian.Uint64(buf[:]) & (1<<randomBits - 1)
	return g.fixed<<randomBits | random, nil
}

// NextString returns Next in its stored decimal form.
func (g *LegacyIDGenerator) NextString() (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}
