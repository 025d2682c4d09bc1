package musig2

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PartialSignature is one signer's scalar contribution to the aggregated
// Schnorr signature.
type PartialSignature struct {
	S *btcec.ModNScalar
}

// Serialize returns the 32-byte big-endian encoding of the partial
// signature scalar.
func (p *PartialSignature) Serialize() [32]byte {
	return p.S.Bytes()
}

// ParsePartialSignature parses a 32-byte big-endian scalar. Returns
// InvalidInput (via the returned error) if the value overflows the curve
// order.
func ParsePartialSignature(b []byte) (*PartialSignature, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("musig2: invalid partial signature length %d", len(b))
	}
	var arr [32]byte
	copy(arr[:], b)

	var s btcec.ModNScalar
	if overflow := s.SetBytes(&arr); overflow != 0 {
		return nil, fmt.Errorf("musig2: partial signature scalar overflow")
	}
	return &PartialSignature{S: &s}, nil
}

// ErrIndexOutOfRange is returned when myIndex does not refer to a position
// within the key aggregation context's signer set.
var ErrIndexOutOfRange = fmt.Errorf("musig2: signer index out of range")

// PartialSign implements musigPartialSign. It computes the nonce
// coefficient b, the effective nonce R (applying the Lotus quadratic-
// residue sign flip), the Lotus challenge e, and the scalar contribution
// s = g·k1 + g·b·k2 + e·aᵢ·x (mod n), where g is the sign-flip factor.
//
// secNonce is zeroized before this function returns, regardless of
// success or failure, per the "use once" invariant on secret nonces.
func PartialSign(secNonce *SecNonce, privKey *btcec.PrivateKey, ctx *KeyAggContext,
	myIndex int, aggNonce *PubNonce, msg [32]byte, tweak *Tweak) (*PartialSignature, error) {

	defer secNonce.Zero()

	if myIndex < 0 || myIndex >= len(ctx.SignerKeys) {
		return nil, ErrIndexOutOfRange
	}

	challengeKey := ctx.Q
	if tweak != nil {
		challengeKey = tweak.Q
	}

	r, g, b, err := effectiveNonce(challengeKey, aggNonce, msg)
	if err != nil {
		return nil, err
	}
	e := lotusChallenge(r, challengeKey, msg)

	a := ctx.Coeffs[myIndex]
	x := privKey.Key

	k1 := secNonce.K1
	k2 := secNonce.K2

	t1 := k1
	t1.Mul(g)

	t2 := k2
	t2.Mul(b)
	t2.Mul(g)

	t3 := *e
	t3.Mul(a)
	t3.Mul(&x)

	var s btcec.ModNScalar
	s.Set(&t1)
	s.Add(&t2)
	s.Add(&t3)

	k1.Zero()
	k2.Zero()
	x.Zero()

	return &PartialSignature{S: &s}, nil
}
