package security

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

type adRecord struct {
	lastPublished time.Time
	countByTxKind map[string]int
}

type reqRecord struct {
	windowStart time.Time
	count       int
}

type peerState struct {
	score              int
	lastAd             adRecord
	lastRequests       reqRecord
	invalidSignatures  int
	equivocations      int
}

// Manager enforces every inbound-message defense named in spec §4.6. It
// is safe for concurrent use; internally it serializes state updates
// behind a single mutex, mirroring the teacher's Storage type which
// guards its single-writer SQLite handle the same way.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	peers  map[string]*peerState
}

// NewManager constructs a security manager with the given limits.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits: limits,
		peers:  make(map[string]*peerState),
	}
}

func (m *Manager) peer(peerID string) *peerState {
	p, ok := m.peers[peerID]
	if !ok {
		p = &peerState{lastAd: adRecord{countByTxKind: make(map[string]int)}}
		m.peers[peerID] = p
	}
	return p
}

// CheckSize rejects a payload larger than the configured cap.
func (m *Manager) CheckSize(payload []byte) error {
	if len(payload) > m.limits.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes > %d cap", ErrMessageTooLarge, len(payload), m.limits.MaxMessageSize)
	}
	return nil
}

// CheckTimestamp rejects a discovery-style message whose embedded
// timestamp is too far from local time in either direction.
func (m *Manager) CheckTimestamp(ts int64, now time.Time) error {
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > m.limits.MaxTimestampSkew {
		return fmt.Errorf("%w: %s", ErrTimestampSkew, skew)
	}
	return nil
}

// CheckExpiry rejects anything whose expiresAt has already passed.
func (m *Manager) CheckExpiry(expiresAt int64, now time.Time) error {
	if now.After(time.Unix(expiresAt, 0)) {
		return ErrExpired
	}
	return nil
}

// VerifySelfSignature checks the mandatory Schnorr (BIP340) signature
// every advertisement, signing request, and participant-joined message
// carries over its canonical byte encoding. This is intentionally the
// standard single-signer Schnorr scheme, not the Lotus MuSig2 challenge
// used for the aggregated signing output — these are unilateral
// self-attestations, not joint signatures.
func (m *Manager) VerifySelfSignature(pubKey *btcec.PublicKey, canonicalBytes []byte, sigBytes []byte) error {
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	digest := sha256.Sum256(canonicalBytes)
	if !sig.Verify(digest[:], pubKey) {
		return ErrSignatureInvalid
	}
	return nil
}

// CheckAdvertisementRate enforces the minimum inter-advertisement
// interval and the maximum advertisement count per tx kind for a peer.
// On success it records the advertisement as having been accepted.
func (m *Manager) CheckAdvertisementRate(peerID, txKind string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.peer(peerID)
	if !p.lastAd.lastPublished.IsZero() && now.Sub(p.lastAd.lastPublished) < m.limits.MinAdvertisementInterval {
		return fmt.Errorf("%w: advertisement interval too short", ErrRateLimited)
	}
	if p.lastAd.countByTxKind[txKind] >= m.limits.MaxAdsPerPeerPerTxKind {
		return fmt.Errorf("%w: advertisement count cap reached for %q", ErrRateLimited, txKind)
	}

	p.lastAd.lastPublished = now
	p.lastAd.countByTxKind[txKind]++
	return nil
}

// CheckSigningRequestRate enforces the maximum number of signing
// requests a peer may broadcast within the configured rolling window.
func (m *Manager) CheckSigningRequestRate(peerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.peer(peerID)
	if now.Sub(p.lastRequests.windowStart) > m.limits.SigningRequestWindow {
		p.lastRequests.windowStart = now
		p.lastRequests.count = 0
	}
	if p.lastRequests.count >= m.limits.MaxSigningRequestsPerWindow {
		return fmt.Errorf("%w: signing request quota exceeded", ErrRateLimited)
	}
	p.lastRequests.count++
	return nil
}
