package core

import (
	"encoding/hex"
	"testing"
)

func TestStateHasher_NextDoesNotAdvance(t *testing.T) {
	h := NewStateHasher()
	genesis := h.GetPrevHash()

	next := h.Next(1, []byte("digest"))
	if h.GetPrevHash() != genesis {
		t.Fatal("Next moved the chain tip")
	}
	h.Advance(next)
	if h.GetPrevHash() != next {
		t.Fatal("Advance did not move the chain tip")
	}
}

func TestStateHasher_DependsOnSequenceAndDigest(t *testing.T) {
	h := NewStateHasher()
	a := h.Next(1, []byte("x"))
	if a == h.Next(2, []byte("x")) {
		t.Error("hash ignores the sequence")
	}
	if a == h.Next(1, []byte("y")) {
		t.Error("hash ignores the digest")
	}
	if a != NewStateHasher().ComputeHash(1, []byte("x")) {
		t.Error("hash is not deterministic")
	}
}

func TestResumeStateHasher(t *testing.T) {
	h := NewStateHasher()
	tip := h.ComputeHash(1, []byte("x"))

	resumed, err := ResumeStateHasher(hex.EncodeToString(tip[:]))
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Next(2, nil) != h.Next(2, nil) {
		t.Error("resumed chain diverges")
	}

	fresh, err := ResumeStateHasher("")
	if err != nil || fresh.GetPrevHash() != NewStateHasher().GetPrevHash() {
		t.Error("empty hash should resume at genesis")
	}
	if _, err := ResumeStateHasher("zz"); err == nil {
		t.Error("invalid hash accepted")
	}
}
