// Package musig2 implements the MuSig2 two-round multi-signature scheme
// over secp256k1 using the Lotus challenge encoding. This deliberately does
// not reuse btcd's schnorr/musig2 package: that package hard-codes BIP340's
// 96-byte tagged-hash challenge over an x-only aggregated key, while Lotus
// uses a 97-byte plain-SHA-256 challenge over the 33-byte compressed
// aggregated key. The two encodings are not interchangeable.
package musig2

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/lotusia/musigcoord/pkg/helpers"
)

// KeyAggContext holds the result of aggregating a set of signer public
// keys: the aggregated key, the per-signer coefficients, and the sorted
// signer set those coefficients were computed against.
type KeyAggContext struct {
	Q          *btcec.PublicKey
	Coeffs     []*btcec.ModNScalar
	SignerKeys []*btcec.PublicKey
}

// sortableKeys sorts public keys lexicographically by 33-byte compressed
// encoding, the normative order for Lotus key aggregation.
type sortableKeys []*btcec.PublicKey

func (s sortableKeys) Len() int      { return len(s) }
func (s sortableKeys) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s sortableKeys) Less(i, j int) bool {
	return helpers.CompareBytes(s[i].SerializeCompressed(), s[j].SerializeCompressed()) < 0
}

// SortKeys returns a new slice containing keys sorted lexicographically by
// compressed encoding. The input slice is not mutated.
func SortKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)
	sort.Sort(sortableKeys(sorted))
	return sorted
}

// keysHash computes L = SHA-256(concat(sortedPubkeys)).
func keysHash(sortedKeys []*btcec.PublicKey) [32]byte {
	buf := make([]byte, 0, 33*len(sortedKeys))
	for _, k := range sortedKeys {
		buf = append(buf, k.SerializeCompressed()...)
	}
	return sha256.Sum256(buf)
}

// aggregationCoefficient computes aᵢ = SHA-256(L ‖ pubkey_i) mod n. Unlike
// BIP340 musig2, there is no "second unique key gets coefficient one"
// shortcut here: every signer's coefficient, including a duplicate key, is
// derived uniformly by this formula.
func aggregationCoefficient(l [32]byte, pubkey *btcec.PublicKey) *btcec.ModNScalar {
	buf := make([]byte, 0, 32+33)
	buf = append(buf, l[:]...)
	buf = append(buf, pubkey.SerializeCompressed()...)
	h := sha256.Sum256(buf)

	var a btcec.ModNScalar
	a.SetByteSlice(h[:])
	return &a
}

// ErrEmptySignerSet is returned when key aggregation is attempted with no
// public keys.
var ErrEmptySignerSet = fmt.Errorf("musig2: empty signer set")

// KeyAgg implements musigKeyAgg: sorts the signer set, derives each
// signer's aggregation coefficient, and sums aᵢ·Pᵢ into the aggregated key
// Q. Returns InvalidInput (ErrEmptySignerSet) if pubkeys is empty.
func KeyAgg(pubkeys []*btcec.PublicKey) (*KeyAggContext, error) {
	if len(pubkeys) == 0 {
		return nil, ErrEmptySignerSet
	}

	sorted := SortKeys(pubkeys)
	l := keysHash(sorted)

	coeffs := make([]*btcec.ModNScalar, len(sorted))

	var finalKeyJ btcec.JacobianPoint
	for i, key := range sorted {
		var keyJ btcec.JacobianPoint
		key.AsJacobian(&keyJ)

		a := aggregationCoefficient(l, key)
		coeffs[i] = a

		var tweakedKeyJ btcec.JacobianPoint
		btcec.ScalarMultNonConst(a, &keyJ, &tweakedKeyJ)

		btcec.AddNonConst(&finalKeyJ, &tweakedKeyJ, &finalKeyJ)
	}

	finalKeyJ.ToAffine()
	Q := btcec.NewPublicKey(&finalKeyJ.X, &finalKeyJ.Y)

	return &KeyAggContext{
		Q:          Q,
		Coeffs:     coeffs,
		SignerKeys: sorted,
	}, nil
}

// IndexOf returns the index of pubkey within the context's sorted signer
// set, or -1 if it is absent.
func (ctx *KeyAggContext) IndexOf(pubkey *btcec.PublicKey) int {
	target := pubkey.SerializeCompressed()
	for i, k := range ctx.SignerKeys {
		if helpers.BytesEqual(k.SerializeCompressed(), target) {
			return i
		}
	}
	return -1
}
