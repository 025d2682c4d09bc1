// Package security implements the security manager (spec §4.6): size
// caps, timestamp-skew and expiry checks, mandatory self-signature
// verification, per-peer rate limiting, replay detection, and a
// reputation store with blacklist/graylist tiers. Inbound router
// envelopes are not run through these checks: the daemon's advertisement
// verifier (cmd/lotusmusigd) applies the size, timestamp, expiry and
// self-signature checks to discovery advertisements, and the coordinator
// engine calls only the penalty methods.
//
// Grounded on the teacher's rate-limit error idiom (internal/backend's
// ErrRateLimited) and the sync.RWMutex-guarded in-memory map pattern
// used throughout internal/node for connection and peer bookkeeping.
package security

import "time"

// Limits holds every configurable threshold the security manager
// enforces (spec §6's "Security limits").
type Limits struct {
	MaxMessageSize int // bytes; spec default 100 KB

	MaxTimestampSkew time.Duration // spec default 5 min

	MinAdvertisementInterval time.Duration // spec default 60s
	MaxAdsPerPeerPerTxKind   int           // spec default 20

	MaxSigningRequestsPerWindow int
	SigningRequestWindow        time.Duration

	MaxSequenceGap uint64 // spec default 100

	GraylistThreshold  int // score at/below which a peer is deprioritized
	BlacklistThreshold int // score at/below which a peer is dropped entirely

	InvalidSignaturePenalty int
	MalformedPayloadPenalty int
	EquivocationPenalty     int
	SequenceGapPenalty      int
}

// DefaultLimits mirrors the defaults named throughout spec §4.6 and §6.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize:              100 * 1024,
		MaxTimestampSkew:            5 * time.Minute,
		MinAdvertisementInterval:    60 * time.Second,
		MaxAdsPerPeerPerTxKind:      20,
		MaxSigningRequestsPerWindow: 10,
		SigningRequestWindow:        time.Minute,
		MaxSequenceGap:              100,
		GraylistThreshold:           -20,
		BlacklistThreshold:          -100,
		InvalidSignaturePenalty:     -25,
		MalformedPayloadPenalty:     -10,
		EquivocationPenalty:         -50,
		SequenceGapPenalty:          -15,
	}
}
