package musig2

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	curveB      = big.NewInt(7)
	sqrtExp     = new(big.Int).Rsh(new(big.Int).Add(secp256k1FieldPrime, big.NewInt(1)), 2)
)

// liftX recovers the secp256k1 point with the given x-coordinate whose
// y-coordinate is a quadratic residue, per the Lotus sign-flip convention
// used when re-deriving R from a serialized final signature. Because
// secp256k1's prime is ≡ 3 (mod 4), every valid x has exactly one QR root
// and one non-QR root among {y, p-y}.
func liftX(x *btcec.FieldVal) (*btcec.PublicKey, error) {
	xBytes := x.Bytes()
	xInt := new(big.Int).SetBytes(xBytes[:])

	rhs := new(big.Int).Exp(xInt, big.NewInt(3), secp256k1FieldPrime)
	rhs.Add(rhs, curveB)
	rhs.Mod(rhs, secp256k1FieldPrime)

	y := new(big.Int).Exp(rhs, sqrtExp, secp256k1FieldPrime)

	check := new(big.Int).Exp(y, big.NewInt(2), secp256k1FieldPrime)
	if check.Cmp(rhs) != 0 {
		return nil, fmt.Errorf("musig2: x is not a valid curve coordinate")
	}

	var yField btcec.FieldVal
	yBytesArr := padTo32(y.Bytes())
	yField.SetByteSlice(yBytesArr[:])

	if !isQuadraticResidue(&yField) {
		y.Sub(secp256k1FieldPrime, y)
		yBytesArr = padTo32(y.Bytes())
		yField.SetByteSlice(yBytesArr[:])
	}

	return btcec.NewPublicKey(x, &yField), nil
}

func padTo32(b []byte) [32]byte {
	var out [32]byte
	copy(out[32-len(b):], b)
	return out
}
