// Package discovery implements signer discovery (spec §4.5): periodic
// advertisement publication on a per-transaction-kind topic, a one-shot
// filtered lookup merging a DHT-backed index with a local cache, and a
// live subscription stream with optional cache-priming and
// deduplication by advertisement id.
//
// Grounded on the teacher's SwapHandler (internal/node/swap_handler.go)
// for the join/subscribe/publish/process-loop shape, generalized from
// a single fixed topic pair to one topic per transaction kind.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/lotusia/musigcoord/pkg/logging"
)

// TopicFor builds the discovery topic name for a transaction kind, per
// spec §6: "lotus/discovery/{transaction-kind}".
func TopicFor(txKind string) string {
	return "lotus/discovery/" + txKind
}

// Advertisement mirrors spec §3's Signer Advertisement record.
type Advertisement struct {
	ID           string            `json:"id"`
	PeerID       string            `json:"peer_id"`
	Addresses    []string          `json:"addresses"`
	PubKeyHex    string            `json:"pub_key_hex"`
	Criteria     Criteria          `json:"criteria"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	ExpiresAt    int64             `json:"expires_at"`
	SignatureHex string            `json:"signature_hex"`
}

// Criteria describes what a signer is willing to sign for.
type Criteria struct {
	TxKinds        []string `json:"tx_kinds"`
	MinAmount      int64    `json:"min_amount,omitempty"`
	MaxAmount      int64    `json:"max_amount,omitempty"`
	MinReputation  int      `json:"min_reputation,omitempty"`
	Latitude       float64  `json:"latitude,omitempty"`
	Longitude      float64  `json:"longitude,omitempty"`
	RadiusKm       float64  `json:"radius_km,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// CanonicalBytes produces the deterministic byte encoding an
// advertisement's self-signature is computed over (spec §6).
func (a *Advertisement) CanonicalBytes() []byte {
	buf := []byte(a.PeerID)
	for _, addr := range a.Addresses {
		b := []byte(addr)
		buf = append(buf, byte(len(b)>>8), byte(len(b)))
		buf = append(buf, b...)
	}
	buf = append(buf, []byte(a.PubKeyHex)...)
	crit, _ := json.Marshal(a.Criteria)
	buf = append(buf, crit...)
	buf = append(buf, be64(uint64(a.CreatedAt))...)
	buf = append(buf, be64(uint64(a.ExpiresAt))...)
	return buf
}

func be64(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// Verifier checks an advertisement's self-signature; satisfied by
// internal/security.Manager.VerifySelfSignature adapted to parse the
// hex-encoded pubkey, keeping this package decoupled from the curve
// library's concrete types.
type Verifier func(ad *Advertisement) error

// Cache stores recently seen advertisements, keyed by id, for findSigners
// to merge with the DHT-backed index and for periodic expiry sweeps.
type Cache struct {
	mu    sync.RWMutex
	byID  map[string]*Advertisement
}

// NewCache constructs an empty advertisement cache.
func NewCache() *Cache {
	return &Cache{byID: make(map[string]*Advertisement)}
}

// Put inserts or replaces a cached advertisement.
func (c *Cache) Put(ad *Advertisement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[ad.ID] = ad
}

// Get returns a cached advertisement by id.
func (c *Cache) Get(id string) (*Advertisement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ad, ok := c.byID[id]
	return ad, ok
}

// All returns a snapshot slice of every cached advertisement.
func (c *Cache) All() []*Advertisement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Advertisement, 0, len(c.byID))
	for _, ad := range c.byID {
		out = append(out, ad)
	}
	return out
}

// PurgeExpired removes every advertisement whose expiresAt has passed,
// returning the count removed (used by internal/cleanup's periodic sweep).
func (c *Cache) PurgeExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, ad := range c.byID {
		if now.After(time.Unix(ad.ExpiresAt, 0)) {
			delete(c.byID, id)
			removed++
		}
	}
	return removed
}

// Service manages one pubsub topic per transaction kind for
// advertisement publish/subscribe, plus the shared local cache.
type Service struct {
	host host.Host
	ps   *pubsub.PubSub
	log  *logging.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	cache    *Cache
	verifier Verifier

	repLookup ReputationLookup

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a discovery service bound to a libp2p host and pubsub
// instance already set up by the transport layer.
func New(h host.Host, ps *pubsub.PubSub, verifier Verifier) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		host:     h,
		ps:       ps,
		log:      logging.GetDefault().Component("discovery"),
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		cache:    NewCache(),
		verifier: verifier,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Cache exposes the shared advertisement cache for findSigners and the
// cleanup sweep.
func (s *Service) Cache() *Cache { return s.cache }

func (s *Service) joinLocked(txKind string) (*pubsub.Topic, error) {
	if t, ok := s.topics[txKind]; ok {
		return t, nil
	}
	topic, err := s.ps.Join(TopicFor(txKind))
	if err != nil {
		return nil, fmt.Errorf("discovery: joining topic for %q: %w", txKind, err)
	}
	s.topics[txKind] = topic
	return topic, nil
}

// Publish broadcasts an advertisement on the topic for txKind. A signer advertising multiple kinds calls Publish
// once per kind, per spec §4.5's "topic keyed by {txType}".
func (s *Service) Publish(ctx context.Context, ad *Advertisement, txKind string) error {
	s.mu.Lock()
	topic, err := s.joinLocked(txKind)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := json.Marshal(ad)
	if err != nil {
		return fmt.Errorf("discovery: marshaling advertisement: %w", err)
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("discovery: publishing: %w", err)
	}
	s.cache.Put(ad)
	return nil
}

// Stop tears down every joined topic and subscription.
func (s *Service) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, sub := range s.subs {
		sub.Cancel()
		delete(s.subs, kind)
	}
	for kind, topic := range s.topics {
		topic.Close()
		delete(s.topics, kind)
	}
}
