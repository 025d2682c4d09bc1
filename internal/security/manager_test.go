package security

import (
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

func TestCheckSize(t *testing.T) {
	m := NewManager(DefaultLimits())
	if err := m.CheckSize(make([]byte, 100*1024)); err != nil {
		t.Fatalf("payload at the cap should pass: %v", err)
	}
	if err := m.CheckSize(make([]byte, 100*1024+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestCheckTimestampSkew(t *testing.T) {
	m := NewManager(DefaultLimits())
	now := time.Unix(1_700_000_000, 0)

	if err := m.CheckTimestamp(now.Unix(), now); err != nil {
		t.Fatalf("current timestamp should pass: %v", err)
	}
	future := now.Add(10 * time.Minute).Unix()
	if err := m.CheckTimestamp(future, now); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("expected ErrTimestampSkew, got %v", err)
	}
}

func TestCheckExpiry(t *testing.T) {
	m := NewManager(DefaultLimits())
	now := time.Unix(1_700_000_000, 0)

	if err := m.CheckExpiry(now.Add(time.Hour).Unix(), now); err != nil {
		t.Fatalf("unexpired should pass: %v", err)
	}
	if err := m.CheckExpiry(now.Add(-time.Hour).Unix(), now); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifySelfSignature(t *testing.T) {
	m := NewManager(DefaultLimits())

	var seed [32]byte
	for i := range seed {
		seed[i] = 42
	}
	priv, _ := btcec.PrivKeyFromBytes(seed[:])

	canonical := []byte("peer-id||addr||pubkey||criteria||ts||expiry")
	digest := sha256.Sum256(canonical)
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		t.Fatalf("schnorr.Sign: %v", err)
	}

	if err := m.VerifySelfSignature(priv.PubKey(), canonical, sig.Serialize()); err != nil {
		t.Fatalf("VerifySelfSignature: %v", err)
	}

	tampered := append([]byte{}, canonical...)
	tampered[0] ^= 0xFF
	if err := m.VerifySelfSignature(priv.PubKey(), tampered, sig.Serialize()); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for tampered payload, got %v", err)
	}
}

func TestAdvertisementRateLimiting(t *testing.T) {
	m := NewManager(DefaultLimits())
	now := time.Unix(1_700_000_000, 0)

	if err := m.CheckAdvertisementRate("peerA", "lotus-transfer", now); err != nil {
		t.Fatalf("first advertisement should pass: %v", err)
	}
	if err := m.CheckAdvertisementRate("peerA", "lotus-transfer", now.Add(time.Second)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited for immediate repeat, got %v", err)
	}
	later := now.Add(time.Minute + time.Second)
	if err := m.CheckAdvertisementRate("peerA", "lotus-transfer", later); err != nil {
		t.Fatalf("advertisement after interval should pass: %v", err)
	}
}

func TestReputationThresholds(t *testing.T) {
	m := NewManager(DefaultLimits())

	if m.IsBlacklisted("peerB") || m.IsGraylisted("peerB") {
		t.Fatalf("unseen peer should be neither blacklisted nor graylisted")
	}

	m.PenalizeEquivocation("peerB")
	if !m.IsGraylisted("peerB") {
		t.Fatalf("peer with one equivocation penalty should be graylisted")
	}
	if m.IsBlacklisted("peerB") {
		t.Fatalf("single equivocation should not yet blacklist")
	}

	for i := 0; i < 3; i++ {
		m.PenalizeEquivocation("peerB")
	}
	if !m.IsBlacklisted("peerB") {
		t.Fatalf("repeated equivocation should blacklist, score=%d", m.Score("peerB"))
	}
}

func TestCheckSequenceGapPenalizes(t *testing.T) {
	m := NewManager(DefaultLimits())
	m.CheckSequenceGap("peerC", 5, 200)
	if m.Score("peerC") >= 0 {
		t.Fatalf("large sequence gap should have penalized peerC, score=%d", m.Score("peerC"))
	}
}
