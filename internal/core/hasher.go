package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "LotLedger:genesis:v1"

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first event
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip (snapshot restore)
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// digestBuilder concatenates canonical entity encodings, each prefixed with a
// one-byte tag and a 4-byte LE length so adjacent records cannot alias.
type digestBuilder struct {
	buf []byte
}

const (
	digestTagPosition     byte = 'P'
	digestTagLot          byte = 'L'
	digestTagPool         byte = 'T'
	digestTagContribution byte = 'C'
)

func (b *digestBuilder) add(tag byte, canonical []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(canonical)))
	b.buf = append(b.buf, tag)
	b.buf = append(b.buf, lenBuf[:]...)
	b.buf = append(b.buf, canonical...)
}

func (b *digestBuilder) bytes() []byte {
	return b.buf
}
