package cleanup

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/lotusia/musigcoord/internal/discovery"
	"github.com/lotusia/musigcoord/internal/musig2"
	"github.com/lotusia/musigcoord/internal/session"
)

type fakeRemover struct {
	sessions []*session.Session
	removed  []string
}

func (f *fakeRemover) Sessions() []*session.Session { return f.sessions }
func (f *fakeRemover) RemoveSession(id string)      { f.removed = append(f.removed, id) }

func testSessionPair(t *testing.T) (*session.Session, *btcec.PrivateKey, [32]byte) {
	t.Helper()
	var b1, b2 [32]byte
	b1[0], b2[0] = 1, 2
	priv1, _ := btcec.PrivKeyFromBytes(b1[:])
	priv2, _ := btcec.PrivKeyFromBytes(b2[:])
	signers := []*btcec.PublicKey{priv1.PubKey(), priv2.PubKey()}
	var msg [32]byte
	s, err := session.New(signers, priv1, msg, nil)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s, priv2, msg
}

func testSession(t *testing.T) *session.Session {
	t.Helper()
	s, _, _ := testSessionPair(t)
	return s
}

func TestSweepRemovesTerminalSessionsPastTimeout(t *testing.T) {
	s := testSession(t)
	_ = s.Abort("test")

	remover := &fakeRemover{sessions: []*session.Session{s}}
	sw := New(remover, nil, Config{SessionTimeout: 0, StuckSessionTimeout: time.Hour, Interval: time.Hour})
	sw.sweep()

	if len(remover.removed) != 1 || remover.removed[0] != s.ID() {
		t.Fatalf("expected terminal session to be removed, got %+v", remover.removed)
	}
}

func TestSweepAbortsStuckSessions(t *testing.T) {
	s, priv2, msg := testSessionPair(t)
	if _, err := s.GenerateNonces(nil); err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	_, pub2, err := musig2.GenerateSecretNonce(priv2, priv2.PubKey(), msg, nil)
	if err != nil {
		t.Fatalf("GenerateSecretNonce: %v", err)
	}
	if err := s.ReceiveNonce(1, pub2); err != nil {
		t.Fatalf("ReceiveNonce: %v", err)
	}
	if s.Phase() != session.PhaseNonceExchange {
		t.Fatalf("expected NONCE_EXCHANGE phase, got %s", s.Phase())
	}

	remover := &fakeRemover{sessions: []*session.Session{s}}
	sw := New(remover, nil, Config{SessionTimeout: time.Hour, StuckSessionTimeout: 0, Interval: time.Hour})
	sw.sweep()

	if s.Phase() != session.PhaseAborted {
		t.Fatalf("expected stuck session to abort, got phase %s", s.Phase())
	}
}

func TestSweepPurgesExpiredAdvertisements(t *testing.T) {
	cache := discovery.NewCache()
	cache.Put(&discovery.Advertisement{ID: "stale", ExpiresAt: time.Now().Add(-time.Hour).Unix()})

	sw := New(&fakeRemover{}, cache, DefaultConfig())
	sw.sweep()

	if _, ok := cache.Get("stale"); ok {
		t.Fatalf("expected expired advertisement to be purged")
	}
}
