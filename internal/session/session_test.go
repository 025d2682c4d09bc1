package session

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/lotusia/musigcoord/internal/musig2"
)

func testKey(t *testing.T, seed byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	t.Helper()
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(b[:])
	return priv, priv.PubKey()
}

func threeSignerSetup(t *testing.T) ([3]*btcec.PrivateKey, []*btcec.PublicKey) {
	t.Helper()
	var privs [3]*btcec.PrivateKey
	pubs := make([]*btcec.PublicKey, 3)
	for i := byte(0); i < 3; i++ {
		priv, pub := testKey(t, i+1)
		privs[i] = priv
		pubs[i] = pub
	}
	return privs, pubs
}

func TestNewNotAParticipant(t *testing.T) {
	_, pubs := threeSignerSetup(t)
	outsider, _ := testKey(t, 99)
	msg := sha256.Sum256([]byte("hello"))

	_, err := New(pubs, outsider, msg, nil)
	if err != ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestFullHappyPath(t *testing.T) {
	privs, pubs := threeSignerSetup(t)
	msg := sha256.Sum256([]byte("lotus transaction"))

	sessions := make([]*Session, 3)
	for i := 0; i < 3; i++ {
		s, err := New(pubs, privs[i], msg, nil)
		if err != nil {
			t.Fatalf("signer %d: New: %v", i, err)
		}
		if s.Phase() != PhaseInit {
			t.Fatalf("signer %d: expected PhaseInit, got %v", i, s.Phase())
		}
		sessions[i] = s
	}

	id0 := sessions[0].ID()
	for i := 1; i < 3; i++ {
		if sessions[i].ID() != id0 {
			t.Fatalf("session ids diverge across participants: %q vs %q", id0, sessions[i].ID())
		}
	}
	if len(id0) != 16 {
		t.Fatalf("expected 16-char session id, got %d chars", len(id0))
	}

	pubNonces := make([]*musig2.PubNonce, 3)
	for i := 0; i < 3; i++ {
		n, err := sessions[i].GenerateNonces(nil)
		if err != nil {
			t.Fatalf("signer %d: GenerateNonces: %v", i, err)
		}
		pubNonces[i] = n
	}

	if _, err := sessions[0].GenerateNonces(nil); err != ErrNonceReuse {
		t.Fatalf("expected ErrNonceReuse on second GenerateNonces, got %v", err)
	}

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if i == j {
				continue
			}
			if err := sessions[i].ReceiveNonce(j, pubNonces[j]); err != nil {
				t.Fatalf("signer %d receiving nonce from %d: %v", i, j, err)
			}
		}
		if sessions[i].Phase() != PhaseNonceExchange {
			t.Fatalf("signer %d: expected PhaseNonceExchange after full nonce exchange, got %v", i, sessions[i].Phase())
		}
	}

	partials := make([]*musig2.PartialSignature, 3)
	for i := 0; i < 3; i++ {
		ps, err := sessions[i].CreatePartialSignature()
		if err != nil {
			t.Fatalf("signer %d: CreatePartialSignature: %v", i, err)
		}
		partials[i] = ps
	}

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if i == j {
				continue
			}
			if err := sessions[i].ReceivePartialSig(j, partials[j]); err != nil {
				t.Fatalf("signer %d receiving partial sig from %d: %v", i, j, err)
			}
		}
		if sessions[i].Phase() != PhaseComplete {
			t.Fatalf("signer %d: expected PhaseComplete, got %v (abort reason: %s)", i, sessions[i].Phase(), sessions[i].AbortReason())
		}
	}

	var finalSigs [3][]byte
	for i := 0; i < 3; i++ {
		sig, err := sessions[i].GetFinalSignature()
		if err != nil {
			t.Fatalf("signer %d: GetFinalSignature: %v", i, err)
		}
		finalSigs[i] = sig
	}
	for i := 1; i < 3; i++ {
		if string(finalSigs[i]) != string(finalSigs[0]) {
			t.Fatalf("final signatures diverge across participants")
		}
	}

	ok, err := musig2.VerifyFinalSignature(finalSigs[0], sessions[0].keyAgg.Q, msg)
	if err != nil {
		t.Fatalf("VerifyFinalSignature: %v", err)
	}
	if !ok {
		t.Fatalf("final signature failed standalone verification")
	}
}

func TestGetFinalSignatureBeforeComplete(t *testing.T) {
	privs, pubs := threeSignerSetup(t)
	msg := sha256.Sum256([]byte("too early"))

	s, err := New(pubs, privs[0], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.GetFinalSignature(); err != ErrPhaseViolation {
		t.Fatalf("expected ErrPhaseViolation, got %v", err)
	}
}

func TestAbortFromNonTerminalPhase(t *testing.T) {
	privs, pubs := threeSignerSetup(t)
	msg := sha256.Sum256([]byte("abort me"))

	s, err := New(pubs, privs[0], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Abort("caller requested cancellation"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if s.Phase() != PhaseAborted {
		t.Fatalf("expected PhaseAborted, got %v", s.Phase())
	}
	if err := s.Abort("second reason"); err != nil {
		t.Fatalf("second Abort should be a no-op, got %v", err)
	}
}

func TestReceiveNonceDuplicateIsNoOp(t *testing.T) {
	privs, pubs := threeSignerSetup(t)
	msg := sha256.Sum256([]byte("duplicate nonce"))

	s0, err := New(pubs, privs[0], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s1, err := New(pubs, privs[1], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n1, err := s1.GenerateNonces(nil)
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}

	if err := s0.ReceiveNonce(1, n1); err != nil {
		t.Fatalf("first ReceiveNonce: %v", err)
	}
	if err := s0.ReceiveNonce(1, n1); err != nil {
		t.Fatalf("repeating the identical nonce should be a no-op, got %v", err)
	}
}

func TestReceiveNonceEquivocation(t *testing.T) {
	privs, pubs := threeSignerSetup(t)
	msg := sha256.Sum256([]byte("equivocate"))

	s0, err := New(pubs, privs[0], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s1, err := New(pubs, privs[1], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n1a, err := s1.GenerateNonces(nil)
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	if err := s0.ReceiveNonce(1, n1a); err != nil {
		t.Fatalf("first ReceiveNonce: %v", err)
	}

	// A second, different session for the same signer index produces a
	// different nonce; feeding it in under the same index must be caught
	// as equivocation and abort s0.
	s1b, err := New(pubs, privs[1], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n1b, err := s1b.GenerateNonces(nil)
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}

	if err := s0.ReceiveNonce(1, n1b); err != ErrEquivocation {
		t.Fatalf("expected ErrEquivocation, got %v", err)
	}
	if s0.Phase() != PhaseAborted {
		t.Fatalf("expected session to abort on equivocation, got phase %v", s0.Phase())
	}
}

func TestReceiveNonceRejectsSelfIndex(t *testing.T) {
	privs, pubs := threeSignerSetup(t)
	msg := sha256.Sum256([]byte("self index"))

	s0, err := New(pubs, privs[0], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n0, err := s0.GenerateNonces(nil)
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	if err := s0.ReceiveNonce(0, n0); err != ErrSelfIndex {
		t.Fatalf("expected ErrSelfIndex, got %v", err)
	}
}

func TestCheckSequenceMonotonic(t *testing.T) {
	privs, pubs := threeSignerSetup(t)
	msg := sha256.Sum256([]byte("sequence"))

	s, err := New(pubs, privs[0], msg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if accepted, gap := s.CheckSequence(1, 5, 100); !accepted || gap {
		t.Fatalf("expected first sequence accepted without gap, got accepted=%v gap=%v", accepted, gap)
	}
	if accepted, _ := s.CheckSequence(1, 5, 100); accepted {
		t.Fatalf("expected replayed sequence number to be rejected")
	}
	if accepted, gap := s.CheckSequence(1, 6, 100); !accepted || gap {
		t.Fatalf("expected next sequence accepted without gap, got accepted=%v gap=%v", accepted, gap)
	}
	if accepted, gap := s.CheckSequence(1, 1000, 100); !accepted || !gap {
		t.Fatalf("expected large jump accepted but flagged as gap, got accepted=%v gap=%v", accepted, gap)
	}
}
