package musig2

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func testKey(t *testing.T, seed byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	t.Helper()
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(b[:])
	return priv, priv.PubKey()
}

// signAll runs the full two-round happy path for a fixed signer set and
// entropy, returning the final signature bytes.
func signAll(t *testing.T, privs []*btcec.PrivateKey, pubs []*btcec.PublicKey,
	msg [32]byte, tweak *Tweak, entropy [][32]byte) []byte {
	t.Helper()

	ctx, err := KeyAgg(pubs)
	if err != nil {
		t.Fatalf("KeyAgg: %v", err)
	}

	secNonces := make([]*SecNonce, len(privs))
	pubNonces := make([]*PubNonce, len(privs))
	for i, priv := range privs {
		sec, pub, err := GenerateSecretNonce(priv, ctx.Q, msg, &entropy[i])
		if err != nil {
			t.Fatalf("signer %d: GenerateSecretNonce: %v", i, err)
		}
		secNonces[i] = sec
		pubNonces[i] = pub
	}

	aggNonce, err := NonceAgg(pubNonces)
	if err != nil {
		t.Fatalf("NonceAgg: %v", err)
	}

	partials := make([]*PartialSignature, len(privs))
	for i, priv := range privs {
		idx := ctx.IndexOf(priv.PubKey())
		if idx < 0 {
			t.Fatalf("signer %d: not found in key aggregation context", i)
		}
		ps, err := PartialSign(secNonces[i], priv, ctx, idx, aggNonce, msg, tweak)
		if err != nil {
			t.Fatalf("signer %d: PartialSign: %v", i, err)
		}

		ok, err := PartialSigVerify(ps, pubNonces[i], priv.PubKey(), ctx, idx, aggNonce, msg, tweak)
		if err != nil {
			t.Fatalf("signer %d: PartialSigVerify error: %v", i, err)
		}
		if !ok {
			t.Fatalf("signer %d: partial signature failed verification", i)
		}
		partials[i] = ps
	}

	sig, err := SigAgg(partials, aggNonce, msg, ctx, tweak, nil)
	if err != nil {
		t.Fatalf("SigAgg: %v", err)
	}

	challengeKey := ctx.Q
	if tweak != nil {
		challengeKey = tweak.Q
	}
	ok, err := VerifyFinalSignature(sig, challengeKey, msg)
	if err != nil {
		t.Fatalf("VerifyFinalSignature error: %v", err)
	}
	if !ok {
		t.Fatalf("final signature failed verification")
	}

	return sig
}

// findEntropyForSignFlip brute-forces a one-signer extra-entropy byte
// until the resulting effective nonce lands on the requested side of the
// quadratic-residue sign flip, so both branches of SigAgg's internal
// canonical-R check (the bug fixed for comment 1) get direct coverage
// instead of relying on the ~50% chance of random entropy.
func findEntropyForSignFlip(t *testing.T, priv *btcec.PrivateKey, pub *btcec.PublicKey,
	msg [32]byte, wantQR bool) [32]byte {
	t.Helper()

	ctx, err := KeyAgg([]*btcec.PublicKey{pub})
	if err != nil {
		t.Fatalf("KeyAgg: %v", err)
	}

	for counter := 0; counter < 256; counter++ {
		var entropy [32]byte
		entropy[0] = byte(counter)

		_, pubNonce, err := GenerateSecretNonce(priv, ctx.Q, msg, &entropy)
		if err != nil {
			t.Fatalf("GenerateSecretNonce: %v", err)
		}
		aggNonce, err := NonceAgg([]*PubNonce{pubNonce})
		if err != nil {
			t.Fatalf("NonceAgg: %v", err)
		}
		_, g, _, err := effectiveNonce(ctx.Q, aggNonce, msg)
		if err != nil {
			t.Fatalf("effectiveNonce: %v", err)
		}
		// g is either 1 (R.y already a QR, g.IsOdd() true) or n-1 (the
		// flipped branch; n-1 is even since the curve order n is odd).
		isQR := g.IsOdd()
		if isQR == wantQR {
			return entropy
		}
	}
	t.Fatalf("could not find entropy producing sign-flip QR=%v within 256 tries", wantQR)
	return [32]byte{}
}

// TestSigAggBothSignFlipBranches exercises SigAgg's internal canonical-R
// sanity check (internal/musig2/sigagg.go) on both sides of the Lotus
// quadratic-residue sign flip. Before the fix, SigAgg re-verified against
// the raw un-flipped effective nonce, so a signature landing on the
// non-QR branch (g == -1) failed SigAgg's own check roughly half the
// time despite being perfectly valid.
func TestSigAggBothSignFlipBranches(t *testing.T) {
	priv, pub := testKey(t, 1)
	msg := sha256.Sum256([]byte("sign-flip coverage"))

	for _, wantQR := range []bool{true, false} {
		entropy := findEntropyForSignFlip(t, priv, pub, msg, wantQR)
		signAll(t, []*btcec.PrivateKey{priv}, []*btcec.PublicKey{pub}, msg, nil, [][32]byte{entropy})
	}
}

// TestFullHappyPathThreeSigners exercises the complete two-round flow
// (KeyAgg, nonce generation/aggregation, partial sign/verify, SigAgg,
// VerifyFinalSignature) with deterministic entropy so the result does
// not depend on which sign-flip branch random nonces happen to land on.
func TestFullHappyPathThreeSigners(t *testing.T) {
	privs := make([]*btcec.PrivateKey, 3)
	pubs := make([]*btcec.PublicKey, 3)
	entropy := make([][32]byte, 3)
	for i := 0; i < 3; i++ {
		priv, pub := testKey(t, byte(i+1))
		privs[i] = priv
		pubs[i] = pub
		entropy[i] = [32]byte{byte(i + 1)}
	}
	msg := sha256.Sum256([]byte("lotus three signer round trip"))

	signAll(t, privs, pubs, msg, nil, entropy)
}

// TestTaprootTweakRoundTrip exercises the Taproot-tweaked variant: every
// partial signature is produced and verified against the untweaked
// KeyAggContext (per PartialSign/PartialSigVerify's contract), while
// SigAgg and VerifyFinalSignature are checked against the tweaked key
// Q' = Q + t·G.
func TestTaprootTweakRoundTrip(t *testing.T) {
	privs := make([]*btcec.PrivateKey, 2)
	pubs := make([]*btcec.PublicKey, 2)
	entropy := make([][32]byte, 2)
	for i := 0; i < 2; i++ {
		priv, pub := testKey(t, byte(i+10))
		privs[i] = priv
		pubs[i] = pub
		entropy[i] = [32]byte{byte(i + 10)}
	}
	msg := sha256.Sum256([]byte("lotus taproot key-path spend"))

	ctx, err := KeyAgg(pubs)
	if err != nil {
		t.Fatalf("KeyAgg: %v", err)
	}

	var merkleRoot [32]byte // key-path-only spend
	tweak, err := TaprootTweak(ctx.Q, merkleRoot)
	if err != nil {
		t.Fatalf("TaprootTweak: %v", err)
	}

	sig := signAll(t, privs, pubs, msg, tweak, entropy)

	ok, err := VerifyFinalSignature(sig, ctx.Q, msg)
	if err != nil {
		t.Fatalf("VerifyFinalSignature against untweaked key: %v", err)
	}
	if ok {
		t.Fatalf("final signature should not verify against the untweaked aggregated key")
	}
}

// TestKeyAggSortIndependence checks that KeyAgg produces the same
// aggregated key and per-signer coefficients regardless of the order
// pubkeys are supplied in, since the spec's normative aggregation order
// is the sorted order, not caller-supplied order.
func TestKeyAggSortIndependence(t *testing.T) {
	_, pub1 := testKey(t, 1)
	_, pub2 := testKey(t, 2)
	_, pub3 := testKey(t, 3)

	ctxA, err := KeyAgg([]*btcec.PublicKey{pub1, pub2, pub3})
	if err != nil {
		t.Fatalf("KeyAgg (order A): %v", err)
	}
	ctxB, err := KeyAgg([]*btcec.PublicKey{pub3, pub1, pub2})
	if err != nil {
		t.Fatalf("KeyAgg (order B): %v", err)
	}

	if !bytes.Equal(ctxA.Q.SerializeCompressed(), ctxB.Q.SerializeCompressed()) {
		t.Fatalf("aggregated key depends on input order:\nA: %x\nB: %x",
			ctxA.Q.SerializeCompressed(), ctxB.Q.SerializeCompressed())
	}

	for i := range ctxA.SignerKeys {
		if !bytes.Equal(ctxA.SignerKeys[i].SerializeCompressed(), ctxB.SignerKeys[i].SerializeCompressed()) {
			t.Fatalf("sorted signer set differs at index %d", i)
		}
		if !ctxA.Coeffs[i].Equals(ctxB.Coeffs[i]) {
			t.Fatalf("aggregation coefficient differs at index %d", i)
		}
	}
}

// TestVerifyFinalSignatureRejectsWrongMessage confirms the Lotus
// challenge binds the signature to its message: re-verifying against a
// different digest must fail.
func TestVerifyFinalSignatureRejectsWrongMessage(t *testing.T) {
	priv, pub := testKey(t, 42)
	msg := sha256.Sum256([]byte("original message"))
	entropy := [][32]byte{{42}}

	sig := signAll(t, []*btcec.PrivateKey{priv}, []*btcec.PublicKey{pub}, msg, nil, entropy)

	ctx, err := KeyAgg([]*btcec.PublicKey{pub})
	if err != nil {
		t.Fatalf("KeyAgg: %v", err)
	}

	otherMsg := sha256.Sum256([]byte("tampered message"))
	ok, err := VerifyFinalSignature(sig, ctx.Q, otherMsg)
	if err != nil {
		t.Fatalf("VerifyFinalSignature: %v", err)
	}
	if ok {
		t.Fatalf("signature verified against a different message")
	}
}
