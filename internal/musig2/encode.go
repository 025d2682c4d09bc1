package musig2

import (
	"crypto/sha256"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// secp256k1FieldPrime is the prime p of the secp256k1 base field,
// 2^256 - 2^32 - 977. Used for the quadratic-residue check on the
// effective nonce's y-coordinate (the Lotus sign-flip rule) and for the
// big.Int square root in lift.go; all other arithmetic in this package
// stays within btcec's point/scalar types.
var secp256k1FieldPrime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFC2F", 16,
)

// isQuadraticResidue reports whether y is a quadratic residue mod p, via
// Euler's criterion: y is a QR iff y^((p-1)/2) ≡ 1 (mod p).
func isQuadraticResidue(y *btcec.FieldVal) bool {
	yBytes := y.Bytes()
	yInt := new(big.Int).SetBytes(yBytes[:])

	exp := new(big.Int).Rsh(new(big.Int).Sub(secp256k1FieldPrime, big.NewInt(1)), 1)
	result := new(big.Int).Exp(yInt, exp, secp256k1FieldPrime)
	return result.Cmp(big.NewInt(1)) == 0
}

// nonceCoefficient computes b = SHA-256(Q ‖ R1_agg ‖ R2_agg ‖ m) mod n.
func nonceCoefficient(q *btcec.PublicKey, aggNonce *PubNonce, msg [32]byte) *btcec.ModNScalar {
	buf := make([]byte, 0, 33+PubNonceSize+32)
	buf = append(buf, q.SerializeCompressed()...)
	buf = append(buf, aggNonce[:]...)
	buf = append(buf, msg[:]...)
	h := sha256.Sum256(buf)

	var b btcec.ModNScalar
	b.SetByteSlice(h[:])
	return &b
}

// lotusChallenge computes the Lotus Schnorr challenge
// e = SHA-256(R.x (32B) ‖ compressed(Q) (33B) ‖ m (32B)) — 97 bytes total,
// distinct from BIP340's 96-byte x-only tagged-hash form.
func lotusChallenge(r *btcec.PublicKey, q *btcec.PublicKey, msg [32]byte) *btcec.ModNScalar {
	rx := r.X()
	rxBytes := rx.Bytes()

	buf := make([]byte, 0, 32+33+32)
	buf = append(buf, rxBytes[:]...)
	buf = append(buf, q.SerializeCompressed()...)
	buf = append(buf, msg[:]...)
	h := sha256.Sum256(buf)

	var e btcec.ModNScalar
	e.SetByteSlice(h[:])
	return &e
}

// effectiveNonce computes the aggregated nonce coefficient b, the
// effective nonce point R = R1_agg + b·R2_agg, and the sign-flip scalar g
// (1 or -1 mod n) dictated by the Lotus quadratic-residue rule on R.y.
// Every signer derives R and g identically from public values only, so
// all parties reach the same decision.
func effectiveNonce(q *btcec.PublicKey, aggNonce *PubNonce, msg [32]byte) (r *btcec.PublicKey, g, b *btcec.ModNScalar, err error) {
	r1Agg, r2Agg, err := aggNonce.Points()
	if err != nil {
		return nil, nil, nil, err
	}

	b = nonceCoefficient(q, aggNonce, msg)

	var r1J, r2J, rJ btcec.JacobianPoint
	r1Agg.AsJacobian(&r1J)
	r2Agg.AsJacobian(&r2J)

	var bR2J btcec.JacobianPoint
	btcec.ScalarMultNonConst(b, &r2J, &bR2J)
	btcec.AddNonConst(&r1J, &bR2J, &rJ)
	rJ.ToAffine()

	r = btcec.NewPublicKey(&rJ.X, &rJ.Y)

	g = new(btcec.ModNScalar).SetInt(1)
	if !isQuadraticResidue(&rJ.Y) {
		g.Negate()
	}

	return r, g, b, nil
}
