package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const GenesisHashSeed = "DeFiLedger:genesis:v1"

// StateHasher chains a hash over every committed event:
// state_hash[N] = SHA-256(prev_hash || sequence || state_digest).
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher starts the chain at the genesis hash.
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ResumeStateHasher continues the chain from a hex-encoded hash read back
// from the store. An empty string means genesis.
func ResumeStateHasher(prevHex string) (*StateHasher, error) {
	if prevHex == "" {
		return NewStateHasher(), nil
	}
	raw, err := hex.DecodeString(prevHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid state hash %q", prevHex)
	}
	h := &StateHasher{}
	copy(h.prevHash[:], raw)
	return h, nil
}

// Next computes the hash for sequence without moving the chain tip, so a
// failed commit leaves the chain untouched.
func (h *StateHasher) Next(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Advance moves the chain tip to hash once it is committed.
func (h *StateHasher) Advance(hash [32]byte) {
	h.prevHash = hash
}

// ComputeHash is Next followed by Advance.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := h.Next(sequence, stateDigest)
	h.Advance(hash)
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
