package musig2

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Tweak carries the data needed to sign and verify against a
// Taproot-tweaked aggregated key Q' = Q + t·G.
type Tweak struct {
	T *btcec.ModNScalar
	Q *btcec.PublicKey
}

// TaprootTweak derives t = SHA-256(compressed(Q) ‖ merkleRoot) mod n and
// computes Q' = Q + t·G. A key-path-only spend uses a 32 zero-byte merkle
// root, per spec.
func TaprootTweak(q *btcec.PublicKey, merkleRoot [32]byte) (*Tweak, error) {
	buf := make([]byte, 0, 33+32)
	buf = append(buf, q.SerializeCompressed()...)
	buf = append(buf, merkleRoot[:]...)
	h := sha256.Sum256(buf)

	var t btcec.ModNScalar
	t.SetByteSlice(h[:])

	var qJ, tGJ, qPrimeJ btcec.JacobianPoint
	q.AsJacobian(&qJ)
	btcec.ScalarBaseMultNonConst(&t, &tGJ)
	btcec.AddNonConst(&qJ, &tGJ, &qPrimeJ)
	qPrimeJ.ToAffine()

	qPrime := btcec.NewPublicKey(&qPrimeJ.X, &qPrimeJ.Y)

	return &Tweak{T: &t, Q: qPrime}, nil
}
