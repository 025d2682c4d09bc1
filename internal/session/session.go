// Package session implements the per-party MuSig2 signing session state
// machine (spec §4.2): phase transitions, nonce and partial-signature
// bookkeeping, equivocation guards, and zeroization of secret nonces.
//
// This is a generalization of the teacher's MuSig2Session wrapper
// (internal/swap/musig2.go) from a fixed 2-chain swap shape to an
// arbitrary n-of-n signer roster, and from btcd's BIP340 musig2 package
// to the Lotus-encoding primitives in internal/musig2.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/lotusia/musigcoord/internal/musig2"
)

// Phase is a position in the session state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseNonceExchange
	PhasePartialSigExchange
	PhaseComplete
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseNonceExchange:
		return "NONCE_EXCHANGE"
	case PhasePartialSigExchange:
		return "PARTIAL_SIG_EXCHANGE"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Error taxonomy for session operations (spec §7).
var (
	ErrNotAParticipant       = errors.New("session: local private key is not among the signers")
	ErrPhaseViolation        = errors.New("session: operation not valid in current phase")
	ErrNonceReuse            = errors.New("session: generateNonces called more than once")
	ErrEquivocation          = errors.New("session: conflicting value received for the same signer index")
	ErrInvalidPartialSig     = errors.New("session: partial signature failed verification")
	ErrSelfIndex             = errors.New("session: message purports to be from our own index")
	ErrMissingAggregatedNonce = errors.New("session: aggregated nonce not yet available")
	ErrMissingSecretNonce    = errors.New("session: no secret nonce available to sign with")
)

// Session is one participant's view of an n-of-n MuSig2 signing round.
type Session struct {
	mu sync.Mutex

	id string

	signers []*btcec.PublicKey // sorted, the normative order
	keyAgg  *musig2.KeyAggContext
	myIndex int
	privKey *btcec.PrivateKey
	message [32]byte
	tweak   *musig2.Tweak
	metadata map[string]string

	roster map[int]string // signer index -> peer id, as set through SetRoster (self included when the caller records it)

	mySecNonce        *musig2.SecNonce
	myPubNonce        *musig2.PubNonce
	receivedPubNonces map[int]*musig2.PubNonce
	aggregatedNonce   *musig2.PubNonce

	myPartialSig        *musig2.PartialSignature
	receivedPartialSigs map[int]*musig2.PartialSignature

	finalSignature []byte

	phase       Phase
	abortReason string

	createdAt time.Time
	updatedAt time.Time

	lastSeq map[int]uint64

	coordinatorIndex  int
	coordinatorPeerID string
	coordinatorSet    bool
	failoverAttempts  int
}

// New implements session creation (spec §4.2 "create"). It aggregates the
// signer set, locates the local participant's index, and derives the
// deterministic session id. metadata["taproot"] == "true" flags a
// Taproot-tweaked session; metadata["merkleRoot"], if present, is a
// 64-char hex string overriding the default all-zero key-path-only root.
func New(signers []*btcec.PublicKey, privKey *btcec.PrivateKey, message [32]byte,
	metadata map[string]string) (*Session, error) {

	keyAgg, err := musig2.KeyAgg(signers)
	if err != nil {
		return nil, fmt.Errorf("session: aggregating keys: %w", err)
	}

	myIndex := keyAgg.IndexOf(privKey.PubKey())
	if myIndex == -1 {
		return nil, ErrNotAParticipant
	}

	var tweak *musig2.Tweak
	if metadata != nil && metadata["taproot"] == "true" {
		var merkleRoot [32]byte
		if mr, ok := metadata["merkleRoot"]; ok && mr != "" {
			b, decErr := hex.DecodeString(mr)
			if decErr != nil || len(b) != 32 {
				return nil, fmt.Errorf("session: invalid merkleRoot metadata")
			}
			copy(merkleRoot[:], b)
		}
		tweak, err = musig2.TaprootTweak(keyAgg.Q, merkleRoot)
		if err != nil {
			return nil, fmt.Errorf("session: deriving taproot tweak: %w", err)
		}
	}

	now := time.Now()
	return &Session{
		id:                  ComputeID(keyAgg.SignerKeys, message),
		signers:             keyAgg.SignerKeys,
		keyAgg:              keyAgg,
		myIndex:             myIndex,
		privKey:             privKey,
		message:             message,
		tweak:               tweak,
		metadata:            metadata,
		roster:              make(map[int]string),
		receivedPubNonces:   make(map[int]*musig2.PubNonce),
		receivedPartialSigs: make(map[int]*musig2.PartialSignature),
		phase:               PhaseInit,
		createdAt:           now,
		updatedAt:           now,
		lastSeq:             make(map[int]uint64),
	}, nil
}

// ComputeID derives the session id: SHA-256(concat(sorted signers) ‖
// SHA-256(message)), lowercase hex truncated to 16 characters. It is
// independent of the order signers were supplied to New, since KeyAgg
// always sorts first.
func ComputeID(sortedSigners []*btcec.PublicKey, message [32]byte) string {
	msgHash := sha256.Sum256(message[:])

	buf := make([]byte, 0, 33*len(sortedSigners)+32)
	for _, k := range sortedSigners {
		buf = append(buf, k.SerializeCompressed()...)
	}
	buf = append(buf, msgHash[:]...)

	h := sha256.Sum256(buf)
	return hex.EncodeToString(h[:])[:16]
}

func (s *Session) ID() string    { return s.id }
func (s *Session) MyIndex() int  { return s.myIndex }
func (s *Session) NumSigners() int { return len(s.signers) }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) AbortReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason
}

// SetRoster records the peer id responsible for a given signer index.
func (s *Session) SetRoster(index int, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster[index] = peerID
}

// PeerForIndex returns the peer id for a signer index, if known.
func (s *Session) PeerForIndex(index int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.roster[index]
	return p, ok
}

// CheckSequence enforces the per-(session, signer) strictly-increasing
// sequence number invariant. A gap beyond maxGap (0 disables the check)
// is reported via the bool return so the security manager can penalize
// the peer; the sequence is still accepted as long as it is increasing.
func (s *Session) CheckSequence(fromIndex int, seq uint64, maxGap uint64) (accepted bool, gapExceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastSeq[fromIndex]
	if seq <= last {
		return false, false
	}
	if maxGap > 0 && seq-last > maxGap {
		gapExceeded = true
	}
	s.lastSeq[fromIndex] = seq
	return true, gapExceeded
}

func (s *Session) touch() {
	s.updatedAt = time.Now()
}

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}
