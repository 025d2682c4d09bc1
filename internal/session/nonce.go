package session

import (
	"bytes"
	"strconv"

	"github.com/lotusia/musigcoord/internal/musig2"
)

// GenerateNonces implements the generateNonces operation (spec §4.2).
// It is valid only before the local secret nonce has been generated;
// calling it twice returns ErrNonceReuse rather than silently
// regenerating (which would violate the single-use nonce invariant).
func (s *Session) GenerateNonces(extraEntropy *[32]byte) (*musig2.PubNonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInit && s.phase != PhaseNonceExchange {
		return nil, ErrPhaseViolation
	}
	if s.mySecNonce != nil {
		return nil, ErrNonceReuse
	}

	sec, pub, err := musig2.GenerateSecretNonce(s.privKey, s.keyAgg.Q, s.message, extraEntropy)
	if err != nil {
		return nil, err
	}

	s.mySecNonce = sec
	s.myPubNonce = pub
	s.touch()

	s.tryAggregateNonces()

	return pub, nil
}

// ReceiveNonce implements the receiveNonce operation. Repeating the same
// value for an index already on file is a no-op; a conflicting value is
// equivocation and aborts the session, per spec's equivocation guard.
func (s *Session) ReceiveNonce(fromIndex int, pub *musig2.PubNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInit && s.phase != PhaseNonceExchange {
		return ErrPhaseViolation
	}
	if fromIndex == s.myIndex {
		return ErrSelfIndex
	}
	if fromIndex < 0 || fromIndex >= len(s.signers) {
		return ErrNotAParticipant
	}

	if existing, ok := s.receivedPubNonces[fromIndex]; ok {
		if bytes.Equal(existing[:], pub[:]) {
			return nil
		}
		s.abortLocked("equivocation: conflicting public nonce from signer " + strconv.Itoa(fromIndex))
		return ErrEquivocation
	}

	// validate the nonce actually parses to curve points before accepting it
	if _, _, err := pub.Points(); err != nil {
		return err
	}

	s.receivedPubNonces[fromIndex] = pub
	s.touch()

	s.tryAggregateNonces()

	return nil
}

// MyPubNonce returns the local public nonce generated by a prior call to
// GenerateNonces, if any.
func (s *Session) MyPubNonce() (*musig2.PubNonce, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.myPubNonce, s.myPubNonce != nil
}

// tryAggregateNonces assumes s.mu is held. It is idempotent: once
// s.aggregatedNonce is set it never recomputes.
func (s *Session) tryAggregateNonces() {
	if s.aggregatedNonce != nil {
		return
	}
	if s.myPubNonce == nil {
		return
	}
	if len(s.receivedPubNonces) != len(s.signers)-1 {
		return
	}

	ordered := make([]*musig2.PubNonce, len(s.signers))
	ordered[s.myIndex] = s.myPubNonce
	for idx, n := range s.receivedPubNonces {
		ordered[idx] = n
	}

	agg, err := musig2.NonceAgg(ordered)
	if err != nil {
		s.abortLocked("nonce aggregation failed: " + err.Error())
		return
	}

	s.aggregatedNonce = agg
	if s.phase == PhaseInit {
		s.phase = PhaseNonceExchange
	}
}
