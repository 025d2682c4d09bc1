package musig2

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// PartialSigVerify implements musigPartialSigVerify. It checks
//
//	s·G == g·(R1ᵢ + b·R2ᵢ) + e·aᵢ·Pᵢ
//
// using the same nonce-coefficient b, effective nonce R, Lotus challenge
// e, and sign-flip g that every participant derives independently from
// public values.
func PartialSigVerify(sig *PartialSignature, pubNonce *PubNonce, pubKey *btcec.PublicKey,
	ctx *KeyAggContext, index int, aggNonce *PubNonce, msg [32]byte, tweak *Tweak) (bool, error) {

	if index < 0 || index >= len(ctx.SignerKeys) {
		return false, ErrIndexOutOfRange
	}

	challengeKey := ctx.Q
	if tweak != nil {
		challengeKey = tweak.Q
	}

	r, g, b, err := effectiveNonce(challengeKey, aggNonce, msg)
	if err != nil {
		return false, err
	}
	e := lotusChallenge(r, challengeKey, msg)
	a := ctx.Coeffs[index]

	r1i, r2i, err := pubNonce.Points()
	if err != nil {
		return false, err
	}

	var r1J, r2J, bR2J, sumJ, gSumJ btcec.JacobianPoint
	r1i.AsJacobian(&r1J)
	r2i.AsJacobian(&r2J)
	btcec.ScalarMultNonConst(b, &r2J, &bR2J)
	btcec.AddNonConst(&r1J, &bR2J, &sumJ)
	btcec.ScalarMultNonConst(g, &sumJ, &gSumJ)

	ea := *e
	ea.Mul(a)

	var pJ, eaPJ, rhsJ btcec.JacobianPoint
	pubKey.AsJacobian(&pJ)
	btcec.ScalarMultNonConst(&ea, &pJ, &eaPJ)
	btcec.AddNonConst(&gSumJ, &eaPJ, &rhsJ)
	rhsJ.ToAffine()

	var lhsJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(sig.S, &lhsJ)
	lhsJ.ToAffine()

	return pointsEqual(&lhsJ, &rhsJ), nil
}

func pointsEqual(p1, p2 *btcec.JacobianPoint) bool {
	return *p1.X.Bytes() == *p2.X.Bytes() && *p1.Y.Bytes() == *p2.Y.Bytes()
}
