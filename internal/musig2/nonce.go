package musig2

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// PubNonceSize is the length of a serialized public nonce pair
	// (R1 || R2), each point 33-byte compressed.
	PubNonceSize = 66

	// SecNonceSize is the length of a serialized secret nonce pair
	// (k1 || k2), each scalar 32-byte big-endian.
	SecNonceSize = 64
)

// PubNonce is a signer's public nonce pair (R1, R2), each a compressed
// secp256k1 point.
type PubNonce [PubNonceSize]byte

// SecNonce is a signer's secret nonce pair (k1, k2). It must be zeroized
// immediately after producing a partial signature and never persisted.
type SecNonce struct {
	K1 btcec.ModNScalar
	K2 btcec.ModNScalar
}

// Zero overwrites both scalars. Callers must invoke this as soon as the
// secret nonce has been consumed by PartialSign, and again on session
// abort if the nonce was never used.
func (s *SecNonce) Zero() {
	s.K1.Zero()
	s.K2.Zero()
}

// ErrNonceGenFailed is returned on the vanishingly unlikely event that a
// derived nonce scalar is zero after every retry.
var ErrNonceGenFailed = fmt.Errorf("musig2: failed to generate nonzero nonce scalar")

// GenerateSecretNonce implements musigNonceGen. It combines a
// deterministic RFC6979-style derivation (private key, aggregated key,
// message) with 32 bytes of entropy. If extraEntropy is nil, the entropy
// is drawn from crypto/rand as defense in depth against deterministic-
// nonce implementation faults; callers wanting full determinism (e.g. for
// test vectors) pass a 32 zero-byte slice explicitly.
func GenerateSecretNonce(privKey *btcec.PrivateKey, aggKey *btcec.PublicKey,
	message [32]byte, extraEntropy *[32]byte) (*SecNonce, *PubNonce, error) {

	var entropy [32]byte
	if extraEntropy != nil {
		entropy = *extraEntropy
	} else if _, err := rand.Read(entropy[:]); err != nil {
		return nil, nil, fmt.Errorf("musig2: reading entropy: %w", err)
	}

	privBytes := privKey.Serialize()
	defer func() {
		for i := range privBytes {
			privBytes[i] = 0
		}
	}()

	seedInput := make([]byte, 0, len(privBytes)+33+32+32)
	seedInput = append(seedInput, privBytes...)
	seedInput = append(seedInput, aggKey.SerializeCompressed()...)
	seedInput = append(seedInput, message[:]...)
	seedInput = append(seedInput, entropy[:]...)
	seed := sha256.Sum256(seedInput)

	k1, err := deriveNonceScalar(seed, 0)
	if err != nil {
		return nil, nil, err
	}
	k2, err := deriveNonceScalar(seed, 1)
	if err != nil {
		return nil, nil, err
	}

	sec := &SecNonce{K1: *k1, K2: *k2}

	var r1J, r2J btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k1, &r1J)
	btcec.ScalarBaseMultNonConst(k2, &r2J)
	r1J.ToAffine()
	r2J.ToAffine()

	r1 := btcec.NewPublicKey(&r1J.X, &r1J.Y)
	r2 := btcec.NewPublicKey(&r2J.X, &r2J.Y)

	var pub PubNonce
	copy(pub[:33], r1.SerializeCompressed())
	copy(pub[33:], r2.SerializeCompressed())

	return sec, &pub, nil
}

// deriveNonceScalar hashes (tag || counter || seed), incrementing the
// counter byte until a nonzero, non-overflowing scalar in [1, n-1] is
// produced.
func deriveNonceScalar(seed [32]byte, tag byte) (*btcec.ModNScalar, error) {
	for counter := byte(0); counter < 16; counter++ {
		h := sha256.Sum256(append([]byte{tag, counter}, seed[:]...))

		var s btcec.ModNScalar
		overflow := s.SetByteSlice(h[:])
		if overflow || s.IsZero() {
			continue
		}
		return &s, nil
	}
	return nil, ErrNonceGenFailed
}

// parsePoint decompresses a 33-byte compressed point.
func parsePoint(b []byte) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(b)
}

// Points returns the two component public nonce points.
func (p *PubNonce) Points() (*btcec.PublicKey, *btcec.PublicKey, error) {
	r1, err := parsePoint(p[:33])
	if err != nil {
		return nil, nil, fmt.Errorf("musig2: invalid R1 in public nonce: %w", err)
	}
	r2, err := parsePoint(p[33:])
	if err != nil {
		return nil, nil, fmt.Errorf("musig2: invalid R2 in public nonce: %w", err)
	}
	return r1, r2, nil
}

// NonceAgg implements musigNonceAgg: sums the R1 and R2 components across
// all signers, in the signer-index order supplied by the caller. Order is
// normative — every participant must aggregate in the same order to reach
// an identical result.
func NonceAgg(pubNonces []*PubNonce) (*PubNonce, error) {
	if len(pubNonces) == 0 {
		return nil, ErrEmptySignerSet
	}

	var r1AggJ, r2AggJ btcec.JacobianPoint
	for _, pn := range pubNonces {
		r1, r2, err := pn.Points()
		if err != nil {
			return nil, err
		}

		var r1J, r2J btcec.JacobianPoint
		r1.AsJacobian(&r1J)
		r2.AsJacobian(&r2J)

		btcec.AddNonConst(&r1AggJ, &r1J, &r1AggJ)
		btcec.AddNonConst(&r2AggJ, &r2J, &r2AggJ)
	}

	r1AggJ.ToAffine()
	r2AggJ.ToAffine()

	r1Agg := btcec.NewPublicKey(&r1AggJ.X, &r1AggJ.Y)
	r2Agg := btcec.NewPublicKey(&r2AggJ.X, &r2AggJ.Y)

	var agg PubNonce
	copy(agg[:33], r1Agg.SerializeCompressed())
	copy(agg[33:], r2Agg.SerializeCompressed())
	return &agg, nil
}
