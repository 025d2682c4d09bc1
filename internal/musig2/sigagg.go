package musig2

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrFinalSigInvalid is returned by SigAgg when the combined signature
// fails its own sanity-check verification against the aggregated key.
// This should never happen if every partial signature was independently
// verified first; it guards against implementation bugs before release.
var ErrFinalSigInvalid = fmt.Errorf("musig2: aggregated signature failed verification")

// SigAgg implements musigSigAgg. It sums the partial signatures mod n
// (adding the Taproot tweak compensation e·t when tweak is non-nil, since
// the per-signer equations never carry the tweak — aggregation is where
// Q'=Q+t·G is reconciled into the final scalar), serializes the 64-byte
// signature (R.x ‖ s), optionally appends a one-byte sighash flag, and
// verifies the result against the (possibly tweaked) aggregated key as a
// final sanity check.
func SigAgg(partialSigs []*PartialSignature, aggNonce *PubNonce, msg [32]byte,
	ctx *KeyAggContext, tweak *Tweak, sighashByte *byte) ([]byte, error) {

	if len(partialSigs) == 0 {
		return nil, ErrEmptySignerSet
	}

	challengeKey := ctx.Q
	if tweak != nil {
		challengeKey = tweak.Q
	}

	r, _, _, err := effectiveNonce(challengeKey, aggNonce, msg)
	if err != nil {
		return nil, err
	}
	e := lotusChallenge(r, challengeKey, msg)

	var s btcec.ModNScalar
	for _, ps := range partialSigs {
		s.Add(ps.S)
	}

	if tweak != nil {
		et := *e
		et.Mul(tweak.T)
		s.Add(&et)
	}

	rx := r.X().Bytes()
	sBytes := s.Bytes()

	out := make([]byte, 0, 65)
	out = append(out, rx[:]...)
	out = append(out, sBytes[:]...)

	// The sanity check below must use the canonical (quadratic-residue)
	// lift of R.x, not the raw effective nonce computed above: when R's
	// y is non-square the Lotus sign-flip rule (g == -1) means every
	// partial signature actually committed to -R, so checking against
	// the un-flipped r here would fail on a perfectly valid signature
	// about half the time. VerifyFinalSignature re-derives the
	// canonical R the same way a verifying peer would, so reuse it
	// instead of re-deriving the flip ourselves.
	ok, err := VerifyFinalSignature(out, challengeKey, msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFinalSigInvalid
	}

	if sighashByte != nil {
		out = append(out, *sighashByte)
	}

	return out, nil
}

// verifyFinal checks s·G == R + e·Q for the final aggregated signature.
func verifyFinal(s *btcec.ModNScalar, r *btcec.PublicKey, e *btcec.ModNScalar, q *btcec.PublicKey) bool {
	var lhsJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(s, &lhsJ)
	lhsJ.ToAffine()

	var qJ, eqJ, rJ, rhsJ btcec.JacobianPoint
	q.AsJacobian(&qJ)
	btcec.ScalarMultNonConst(e, &qJ, &eqJ)
	r.AsJacobian(&rJ)
	btcec.AddNonConst(&rJ, &eqJ, &rhsJ)
	rhsJ.ToAffine()

	return pointsEqual(&lhsJ, &rhsJ)
}

// VerifyFinalSignature parses a 64 (or 65, with trailing sighash byte)
// byte signature produced by SigAgg and checks it against Q using the
// Lotus challenge, recomputing e from the embedded R.x, Q, and message.
// Unlike verifyFinal this works from serialized bytes alone — it is
// exposed for callers (e.g. on-disk replay, cross-checking a peer's
// claimed signature) that only have the final bytes, not the live R point
// computed during aggregation.
func VerifyFinalSignature(sig []byte, q *btcec.PublicKey, msg [32]byte) (bool, error) {
	if len(sig) != 64 && len(sig) != 65 {
		return false, fmt.Errorf("musig2: invalid signature length %d", len(sig))
	}

	var rx btcec.FieldVal
	rx.SetByteSlice(sig[:32])

	var sArr [32]byte
	copy(sArr[:], sig[32:64])
	var s btcec.ModNScalar
	if overflow := s.SetBytes(&sArr); overflow != 0 {
		return false, fmt.Errorf("musig2: signature scalar overflow")
	}

	r, err := liftX(&rx)
	if err != nil {
		return false, fmt.Errorf("musig2: recovering R from signature: %w", err)
	}

	e := lotusChallenge(r, q, msg)
	return verifyFinal(&s, r, e, q), nil
}
