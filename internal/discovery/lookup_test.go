package discovery

import (
	"testing"
	"time"
)

func TestCachePutGetPurge(t *testing.T) {
	c := NewCache()
	now := time.Now()

	live := &Advertisement{ID: "a1", ExpiresAt: now.Add(time.Hour).Unix()}
	dead := &Advertisement{ID: "a2", ExpiresAt: now.Add(-time.Hour).Unix()}
	c.Put(live)
	c.Put(dead)

	if got, ok := c.Get("a1"); !ok || got.ID != "a1" {
		t.Fatalf("expected to find a1")
	}

	removed := c.PurgeExpired(now)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := c.Get("a2"); ok {
		t.Fatalf("expired advertisement a2 should have been purged")
	}
	if _, ok := c.Get("a1"); !ok {
		t.Fatalf("live advertisement a1 should survive purge")
	}
}

func TestMatchesTxKindAndTags(t *testing.T) {
	ad := &Advertisement{
		Criteria: Criteria{TxKinds: []string{"lotus-transfer"}},
		Metadata: map[string]string{"network": "mainnet"},
	}

	if !matches(ad, Criteria{TxKinds: []string{"lotus-transfer"}}) {
		t.Fatalf("expected tx kind match")
	}
	if matches(ad, Criteria{TxKinds: []string{"other-kind"}}) {
		t.Fatalf("expected tx kind mismatch to be rejected")
	}
	if !matches(ad, Criteria{Tags: map[string]string{"network": "mainnet"}}) {
		t.Fatalf("expected tag match")
	}
	if matches(ad, Criteria{Tags: map[string]string{"network": "testnet"}}) {
		t.Fatalf("expected tag mismatch to be rejected")
	}
}

func TestHaversineRadius(t *testing.T) {
	// Two points roughly 111km apart (1 degree of latitude).
	d := haversineKm(0, 0, 1, 0)
	if d < 100 || d > 120 {
		t.Fatalf("expected ~111km, got %f", d)
	}

	ad := &Advertisement{Criteria: Criteria{Latitude: 1, Longitude: 0}}
	if !matches(ad, Criteria{Latitude: 0, Longitude: 0, RadiusKm: 150}) {
		t.Fatalf("expected point within 150km radius to match")
	}
	if matches(ad, Criteria{Latitude: 0, Longitude: 0, RadiusKm: 50}) {
		t.Fatalf("expected point outside 50km radius to be rejected")
	}
}

func TestFindSignersSortsByReputationDescending(t *testing.T) {
	s := &Service{cache: NewCache()}
	now := time.Now()
	s.cache.Put(&Advertisement{ID: "low", PeerID: "peerLow", ExpiresAt: now.Add(time.Hour).Unix(), Criteria: Criteria{TxKinds: []string{"x"}}})
	s.cache.Put(&Advertisement{ID: "high", PeerID: "peerHigh", ExpiresAt: now.Add(time.Hour).Unix(), Criteria: Criteria{TxKinds: []string{"x"}}})

	rep := map[string]int{"peerLow": 1, "peerHigh": 100}
	results, err := s.findSignersWithReputation(nil, Criteria{TxKinds: []string{"x"}}, 0, func(id string) int { return rep[id] })
	if err != nil {
		t.Fatalf("findSignersWithReputation: %v", err)
	}
	if len(results) != 2 || results[0].PeerID != "peerHigh" {
		t.Fatalf("expected peerHigh first, got %+v", results)
	}
}

func TestSeenIDsDedup(t *testing.T) {
	d := newSeenIDs()
	if d.seen("x") {
		t.Fatalf("first observation should not be marked seen")
	}
	if !d.seen("x") {
		t.Fatalf("second observation of the same id should be seen")
	}
}
