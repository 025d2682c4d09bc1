package session

import (
	"strconv"

	"github.com/lotusia/musigcoord/internal/musig2"
)

// CreatePartialSignature implements createPartialSignature. It consumes
// the local secret nonce (PartialSign zeroizes it in place) and clears the
// stored reference, so a second call correctly fails with
// ErrMissingSecretNonce rather than re-signing with a spent nonce.
func (s *Session) CreatePartialSignature() (*musig2.PartialSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseAborted || s.phase == PhaseComplete {
		return nil, ErrPhaseViolation
	}
	if s.aggregatedNonce == nil {
		return nil, ErrMissingAggregatedNonce
	}
	if s.mySecNonce == nil {
		return nil, ErrMissingSecretNonce
	}

	sig, err := musig2.PartialSign(s.mySecNonce, s.privKey, s.keyAgg, s.myIndex,
		s.aggregatedNonce, s.message, s.tweak)
	s.mySecNonce = nil
	if err != nil {
		s.abortLocked("partial signing failed: " + err.Error())
		return nil, err
	}

	s.myPartialSig = sig
	if s.phase != PhasePartialSigExchange {
		s.phase = PhasePartialSigExchange
	}
	s.touch()

	s.tryFinalize()

	return sig, nil
}

// ReceivePartialSig implements receivePartialSig. Every incoming partial
// signature is verified against the sender's public nonce and pubkey
// before acceptance; a failure aborts the session with
// InvalidPartialSignature rather than silently discarding it, since a bad
// partial signature can only mean a faulty or malicious co-signer.
func (s *Session) ReceivePartialSig(fromIndex int, sig *musig2.PartialSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhasePartialSigExchange {
		return ErrPhaseViolation
	}
	if fromIndex == s.myIndex {
		return ErrSelfIndex
	}
	if fromIndex < 0 || fromIndex >= len(s.signers) {
		return ErrNotAParticipant
	}

	if existing, ok := s.receivedPartialSigs[fromIndex]; ok {
		if existing.S.Equals(sig.S) {
			return nil
		}
		s.abortLocked("equivocation: conflicting partial signature from signer " + strconv.Itoa(fromIndex))
		return ErrEquivocation
	}

	pubNonce, ok := s.receivedPubNonces[fromIndex]
	if !ok {
		return ErrMissingAggregatedNonce
	}

	valid, err := musig2.PartialSigVerify(sig, pubNonce, s.signers[fromIndex], s.keyAgg,
		fromIndex, s.aggregatedNonce, s.message, s.tweak)
	if err != nil || !valid {
		s.abortLocked("invalid partial signature from signer " + strconv.Itoa(fromIndex))
		return ErrInvalidPartialSig
	}

	s.receivedPartialSigs[fromIndex] = sig
	s.touch()

	s.tryFinalize()

	return nil
}

// tryFinalize assumes s.mu is held and is idempotent.
func (s *Session) tryFinalize() {
	if s.phase == PhaseComplete || s.phase == PhaseAborted {
		return
	}
	if s.myPartialSig == nil {
		return
	}
	if len(s.receivedPartialSigs) != len(s.signers)-1 {
		return
	}

	ordered := make([]*musig2.PartialSignature, len(s.signers))
	ordered[s.myIndex] = s.myPartialSig
	for idx, ps := range s.receivedPartialSigs {
		ordered[idx] = ps
	}

	var sighashByte *byte
	if v, ok := s.metadata["sighash"]; ok && len(v) == 1 {
		b := v[0]
		sighashByte = &b
	}

	finalSig, err := musig2.SigAgg(ordered, s.aggregatedNonce, s.message, s.keyAgg, s.tweak, sighashByte)
	if err != nil {
		s.abortLocked("signature aggregation failed: " + err.Error())
		return
	}

	s.finalSignature = finalSig
	s.phase = PhaseComplete
}

// GetFinalSignature implements getFinalSignature. It returns
// ErrPhaseViolation until the session has reached COMPLETE.
func (s *Session) GetFinalSignature() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseComplete {
		return nil, ErrPhaseViolation
	}
	return s.finalSignature, nil
}
