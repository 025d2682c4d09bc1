package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/lotusia/musigcoord/internal/router"
	"github.com/lotusia/musigcoord/internal/security"
)

// memNetwork wires every Engine's Sender to every other Engine's Dispatch,
// standing in for internal/transport in these tests.
type memNetwork struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

func newMemNetwork() *memNetwork {
	return &memNetwork{engines: make(map[string]*Engine)}
}

func (n *memNetwork) register(peerID string, e *Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engines[peerID] = e
}

type memSender struct {
	selfID string
	net    *memNetwork
}

func (s *memSender) SendDirect(ctx context.Context, peerID string, env router.Envelope) error {
	s.net.mu.Lock()
	target, ok := s.net.engines[peerID]
	s.net.mu.Unlock()
	if !ok {
		return nil
	}
	return target.Dispatch(ctx, env, false)
}

func (s *memSender) Broadcast(ctx context.Context, topic string, env router.Envelope) error {
	s.net.mu.Lock()
	targets := make([]*Engine, 0, len(s.net.engines))
	for peerID, e := range s.net.engines {
		if peerID == s.selfID {
			continue
		}
		targets = append(targets, e)
	}
	s.net.mu.Unlock()
	for _, t := range targets {
		if err := t.Dispatch(ctx, env, true); err != nil {
			return err
		}
	}
	return nil
}

func testKeyPair(t *testing.T, seed byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	t.Helper()
	var buf [32]byte
	for i := range buf {
		buf[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(buf[:])
	return priv, priv.PubKey()
}

func TestHappyPathThreeParty(t *testing.T) {
	net := newMemNetwork()

	type party struct {
		peerID string
		priv   *btcec.PrivateKey
		pub    *btcec.PublicKey
		engine *Engine
	}

	parties := make([]*party, 3)
	pubKeys := make([]*btcec.PublicKey, 3)
	for i := 0; i < 3; i++ {
		priv, pub := testKeyPair(t, byte(i+1))
		parties[i] = &party{peerID: string(rune('A' + i)), priv: priv, pub: pub}
		pubKeys[i] = pub
	}

	for _, p := range parties {
		sec := security.NewManager(security.DefaultLimits())
		e := New(p.peerID, p.priv, DefaultConfig(), nil, sec)
		e.SetSender(&memSender{selfID: p.peerID, net: net})
		p.engine = e
		net.register(p.peerID, e)
	}

	message := sha256.Sum256([]byte("lotus testable property round trip"))

	ctx := context.Background()
	_, err := parties[0].engine.CreateSigningRequest(ctx, "lotus-transfer", pubKeys, message, time.Hour, nil)
	if err != nil {
		t.Fatalf("CreateSigningRequest: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		done := true
		for _, p := range parties {
			sessions := p.engine.Sessions()
			if len(sessions) != 1 {
				done = false
				break
			}
		}
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	for _, p := range parties {
		sessions := p.engine.Sessions()
		if len(sessions) != 1 {
			t.Fatalf("party %s: expected 1 session, got %d", p.peerID, len(sessions))
		}
		s := sessions[0]
		if s.Phase().String() != "COMPLETE" {
			t.Fatalf("party %s: expected COMPLETE, got %s (abort reason: %q)",
				p.peerID, s.Phase().String(), s.AbortReason())
		}
	}

	final0, err := parties[0].engine.Sessions()[0].GetFinalSignature()
	if err != nil {
		t.Fatalf("GetFinalSignature: %v", err)
	}
	for _, p := range parties[1:] {
		final, err := p.engine.Sessions()[0].GetFinalSignature()
		if err != nil {
			t.Fatalf("party %s GetFinalSignature: %v", p.peerID, err)
		}
		if string(final) != string(final0) {
			t.Fatalf("party %s produced a different final signature", p.peerID)
		}
	}
}

func TestElectCoordinatorHashBasedDeterministic(t *testing.T) {
	_, pub1 := testKeyPair(t, 1)
	_, pub2 := testKeyPair(t, 2)
	signers := []*btcec.PublicKey{pub1, pub2}

	idx1, err := ElectCoordinator(ElectionHashBased, "session-a", signers)
	if err != nil {
		t.Fatalf("ElectCoordinator: %v", err)
	}
	idx2, err := ElectCoordinator(ElectionHashBased, "session-a", signers)
	if err != nil {
		t.Fatalf("ElectCoordinator: %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("hash-based election is not deterministic: %d vs %d", idx1, idx2)
	}
}

func TestCoordinatorFailoverRotatesToNextSigner(t *testing.T) {
	net := newMemNetwork()

	type party struct {
		peerID string
		priv   *btcec.PrivateKey
		pub    *btcec.PublicKey
		engine *Engine
	}

	parties := make([]*party, 3)
	pubKeys := make([]*btcec.PublicKey, 3)
	for i := 0; i < 3; i++ {
		priv, pub := testKeyPair(t, byte(i+1))
		parties[i] = &party{peerID: string(rune('A' + i)), priv: priv, pub: pub}
		pubKeys[i] = pub
	}

	cfg := DefaultConfig()
	cfg.EnableCoordinatorFailover = true
	for _, p := range parties {
		sec := security.NewManager(security.DefaultLimits())
		e := New(p.peerID, p.priv, cfg, nil, sec)
		e.SetSender(&memSender{selfID: p.peerID, net: net})
		p.engine = e
		net.register(p.peerID, e)
	}

	message := sha256.Sum256([]byte("lotus failover test message"))
	ctx := context.Background()
	requestID, err := parties[0].engine.CreateSigningRequest(ctx, "lotus-transfer", pubKeys, message, time.Hour, nil)
	if err != nil {
		t.Fatalf("CreateSigningRequest: %v", err)
	}
	_ = requestID

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allJoined := true
		for _, p := range parties {
			if len(p.engine.Sessions()) != 1 {
				allJoined = false
				break
			}
		}
		if allJoined {
			break
		}
		time.Sleep(time.Millisecond)
	}

	sessionID := parties[0].engine.Sessions()[0].ID()
	coordIdx, _, ok := parties[0].engine.Sessions()[0].Coordinator()
	if !ok {
		t.Fatalf("no coordinator established before failover")
	}

	if err := parties[0].engine.AttemptCoordinatorFailover(ctx, sessionID); err != nil {
		t.Fatalf("AttemptCoordinatorFailover: %v", err)
	}

	newIdx, _, ok := parties[0].engine.Sessions()[0].Coordinator()
	if !ok {
		t.Fatalf("no coordinator after failover")
	}
	wantIdx := (coordIdx + 1) % 3
	if newIdx != wantIdx {
		t.Fatalf("expected rotation to signer %d, got %d", wantIdx, newIdx)
	}
}

func TestCoordinatorFailoverDisabledByConfig(t *testing.T) {
	sec := security.NewManager(security.DefaultLimits())
	priv, pub := testKeyPair(t, 9)
	cfg := DefaultConfig()
	cfg.EnableCoordinatorFailover = false
	e := New("solo", priv, cfg, nil, sec)

	message := sha256.Sum256([]byte("solo session"))
	_, err := e.CreateSigningRequest(context.Background(), "lotus-transfer", []*btcec.PublicKey{pub}, message, time.Hour, nil)
	if err != nil {
		t.Fatalf("CreateSigningRequest: %v", err)
	}
	sessionID := e.Sessions()[0].ID()

	if err := e.AttemptCoordinatorFailover(context.Background(), sessionID); err == nil {
		t.Fatalf("expected failover to be rejected when disabled")
	}
}

func TestMarshalPayloadRoundTrip(t *testing.T) {
	p := router.SessionAbortPayload{Reason: "stuck timeout"}
	raw, err := marshalPayload(p)
	if err != nil {
		t.Fatalf("marshalPayload: %v", err)
	}
	var out router.SessionAbortPayload
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Reason != p.Reason {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
