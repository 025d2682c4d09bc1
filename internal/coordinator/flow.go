package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/lotusia/musigcoord/internal/discovery"
	"github.com/lotusia/musigcoord/internal/musig2"
	"github.com/lotusia/musigcoord/internal/router"
	"github.com/lotusia/musigcoord/internal/session"
)

// flowState tracks the nonce commit/reveal bookkeeping for one session
// that lives outside the cryptographic session object itself, since
// commitments are a protocol-layer concept the primitives know nothing
// about (spec §4.4 step 4: "Nonce commitments MUST precede reveal").
type flowState struct {
	commitments map[int][32]byte
	revealed    bool
	sigSent     bool
}

func (e *Engine) flowFor(sessionID string) *flowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flows == nil {
		e.flows = make(map[string]*flowState)
	}
	f, ok := e.flows[sessionID]
	if !ok {
		f = &flowState{commitments: make(map[int][32]byte)}
		e.flows[sessionID] = f
	}
	return f
}

func (e *Engine) selfSign(canonical []byte) []byte {
	digest := sha256.Sum256(canonical)
	sig, err := schnorr.Sign(e.selfPriv, digest[:])
	if err != nil {
		// selfPriv is always a validly constructed key at this point;
		// schnorr.Sign only fails on a zero/invalid key.
		return nil
	}
	return sig.Serialize()
}

// CreateSigningRequest implements the creator side of the happy-path
// flow's step 1. The creator is, by the invariant creatorPublicKey ∈
// requiredPublicKeys, also a participant — it builds its own session
// immediately rather than waiting for a self-addressed ParticipantJoined.
func (e *Engine) CreateSigningRequest(ctx context.Context, txKind string, requiredPubKeys []*btcec.PublicKey,
	message [32]byte, ttl time.Duration, metadata map[string]string) (string, error) {

	requestID := newMessageID()
	now := time.Now()

	s, err := session.New(requiredPubKeys, e.selfPriv, message, metadata)
	if err != nil {
		return "", fmt.Errorf("coordinator: creating local session: %w", err)
	}
	e.registerSession(s)

	r := &roster{
		joinedByIndex: map[int]string{s.MyIndex(): e.selfPeerID},
		creatorPeerID: e.selfPeerID,
	}
	if e.cfg.EnableCoordinatorElection {
		idx, err := ElectCoordinator(e.cfg.ElectionMethod, s.ID(), requiredPubKeys)
		if err != nil {
			return "", err
		}
		r.coordinatorIdx = idx
	}
	e.mu.Lock()
	e.rosters[s.ID()] = r
	e.mu.Unlock()

	if !e.cfg.EnableCoordinatorElection || r.coordinatorIdx == s.MyIndex() {
		s.SetCoordinator(s.MyIndex(), e.selfPeerID)
	}

	pubKeysHex := make([]string, len(requiredPubKeys))
	for i, k := range requiredPubKeys {
		pubKeysHex[i] = hex.EncodeToString(k.SerializeCompressed())
	}

	payload := router.SigningRequestPayload{
		RequestID:          requestID,
		RequiredPubKeysHex: pubKeysHex,
		MessageHex:         hex.EncodeToString(message[:]),
		CreatorPeerID:      e.selfPeerID,
		CreatorPubKeyHex:   hex.EncodeToString(e.selfPriv.PubKey().SerializeCompressed()),
		CreatedAt:          now.Unix(),
		ExpiresAt:          now.Add(ttl).Unix(),
		Metadata:           metadata,
	}
	payload.SignatureHex = hex.EncodeToString(e.selfSign(signingRequestCanonicalBytes(payload)))

	env, err := e.buildEnvelope(router.KindSigningRequest, s.ID(), payload)
	if err != nil {
		return "", err
	}

	if e.sender != nil {
		if err := e.sender.Broadcast(ctx, discovery.TopicFor(txKind), env); err != nil {
			return "", fmt.Errorf("coordinator: broadcasting signing request: %w", err)
		}
	}

	e.log.Info("signing request created", "session", s.ID(), "signers", len(requiredPubKeys))
	return requestID, nil
}

// signingRequestCanonicalBytes builds the bytes a peer signs over for a
// SigningRequestPayload. Per spec §6 the normative wire form is the raw
// 33-byte compressed pubkeys and 32-byte message digest, not their hex
// string encodings, so a spec-conformant peer can reproduce the same
// preimage from its own decoded fields.
func signingRequestCanonicalBytes(p router.SigningRequestPayload) []byte {
	buf := []byte(p.RequestID)
	for _, k := range p.RequiredPubKeysHex {
		if raw, err := hex.DecodeString(k); err == nil {
			buf = append(buf, raw...)
		}
	}
	if raw, err := hex.DecodeString(p.MessageHex); err == nil {
		buf = append(buf, raw...)
	}
	buf = append(buf, []byte(p.CreatorPeerID)...)
	if raw, err := hex.DecodeString(p.CreatorPubKeyHex); err == nil {
		buf = append(buf, raw...)
	}
	buf = append(buf, be64(uint64(p.CreatedAt))...)
	buf = append(buf, be64(uint64(p.ExpiresAt))...)
	return buf
}

// participantJoinedCanonicalBytes mirrors signingRequestCanonicalBytes's
// raw-bytes rule for the ParticipantJoined payload's pubkey field.
func participantJoinedCanonicalBytes(p router.ParticipantJoinedPayload) []byte {
	buf := []byte(p.RequestID)
	buf = append(buf, byte(p.Index))
	buf = append(buf, []byte(p.ParticipantPeerID)...)
	if raw, err := hex.DecodeString(p.ParticipantPubKeyHex); err == nil {
		buf = append(buf, raw...)
	}
	buf = append(buf, be64(uint64(p.Timestamp))...)
	return buf
}

func be64(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// HandleSigningRequest implements the recipient side of step 2: if the
// local key is among the required keys, build the session and reply
// with a signed ParticipantJoined.
func (e *Engine) HandleSigningRequest(ctx context.Context, payload router.SigningRequestPayload) error {
	requiredPubKeys := make([]*btcec.PublicKey, len(payload.RequiredPubKeysHex))
	for i, h := range payload.RequiredPubKeysHex {
		b, err := hex.DecodeString(h)
		if err != nil {
			return fmt.Errorf("coordinator: decoding required pubkey %d: %w", i, err)
		}
		k, err := btcec.ParsePubKey(b)
		if err != nil {
			return fmt.Errorf("coordinator: parsing required pubkey %d: %w", i, err)
		}
		requiredPubKeys[i] = k
	}

	var message [32]byte
	msgBytes, err := hex.DecodeString(payload.MessageHex)
	if err != nil || len(msgBytes) != 32 {
		return fmt.Errorf("coordinator: invalid message digest in signing request")
	}
	copy(message[:], msgBytes)

	s, err := session.New(requiredPubKeys, e.selfPriv, message, nil)
	if err != nil {
		if err == session.ErrNotAParticipant {
			return ErrNotRequiredSigner
		}
		return err
	}
	e.registerSession(s)

	r := &roster{
		joinedByIndex: map[int]string{s.MyIndex(): e.selfPeerID},
		creatorPeerID: payload.CreatorPeerID,
	}
	if e.cfg.EnableCoordinatorElection {
		idx, err := ElectCoordinator(e.cfg.ElectionMethod, s.ID(), requiredPubKeys)
		if err != nil {
			return err
		}
		r.coordinatorIdx = idx
	}
	e.mu.Lock()
	e.rosters[s.ID()] = r
	e.mu.Unlock()

	joined := router.ParticipantJoinedPayload{
		RequestID:            payload.RequestID,
		Index:                s.MyIndex(),
		ParticipantPeerID:    e.selfPeerID,
		ParticipantPubKeyHex: hex.EncodeToString(e.selfPriv.PubKey().SerializeCompressed()),
		Timestamp:            time.Now().Unix(),
	}
	joined.SignatureHex = hex.EncodeToString(e.selfSign(participantJoinedCanonicalBytes(joined)))

	env, err := e.buildEnvelope(router.KindParticipantJoined, s.ID(), joined)
	if err != nil {
		return err
	}

	if e.sender != nil {
		if err := e.sender.SendDirect(ctx, payload.CreatorPeerID, env); err != nil {
			return fmt.Errorf("coordinator: sending ParticipantJoined: %w", err)
		}
	}
	return nil
}

// HandleParticipantJoined implements step 2's accumulation on the
// coordinator side: duplicates by index are discarded, late joiners
// after roster close are rejected, and SessionReady fires once every
// required index has joined.
func (e *Engine) HandleParticipantJoined(ctx context.Context, sessionID string, index int, peerID string) error {
	e.mu.Lock()
	r, ok := e.rosters[sessionID]
	s, sok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok || !sok {
		return ErrUnknownSession
	}

	e.mu.Lock()
	if r.closed {
		e.mu.Unlock()
		return ErrRosterClosed
	}
	if _, dup := r.joinedByIndex[index]; dup {
		e.mu.Unlock()
		return nil
	}
	r.joinedByIndex[index] = peerID
	complete := len(r.joinedByIndex) == s.NumSigners()
	if complete {
		r.closed = true
	}
	joinedSnapshot := make(map[int]string, len(r.joinedByIndex))
	for idx, pid := range r.joinedByIndex {
		joinedSnapshot[idx] = pid
	}
	e.mu.Unlock()

	for idx, pid := range joinedSnapshot {
		s.SetRoster(idx, pid)
	}

	if !complete {
		return nil
	}
	if !s.IAmCoordinator() {
		return nil
	}

	return e.broadcastSessionReady(ctx, s, r)
}

func (e *Engine) broadcastSessionReady(ctx context.Context, s *session.Session, r *roster) error {
	coordIdx, coordPeerID, _ := s.Coordinator()

	rosterSnapshot := make(map[int]string, len(r.joinedByIndex))
	for idx, peerID := range r.joinedByIndex {
		rosterSnapshot[idx] = peerID
	}
	payload := router.SessionReadyPayload{
		CoordinatorIndex:  coordIdx,
		CoordinatorPeerID: coordPeerID,
		Roster:            rosterSnapshot,
	}
	env, err := e.buildEnvelope(router.KindSessionReady, s.ID(), payload)
	if err != nil {
		return err
	}
	for idx, peerID := range r.joinedByIndex {
		if idx == s.MyIndex() {
			continue
		}
		if e.sender != nil {
			if err := e.sender.SendDirect(ctx, peerID, env); err != nil {
				e.log.Warn("failed sending SessionReady", "peer", peerID, "error", err)
			}
		}
	}
	return e.beginNonceRound(ctx, s, r)
}

// HandleSessionReady implements step 4: record the announced
// coordinator, then generate the local nonce and commit to it before
// revealing, per spec's two-step design decision (see the Open
// Questions note: the spec mandates the commit/reveal form over the
// direct-reveal variant).
func (e *Engine) HandleSessionReady(ctx context.Context, sessionID string, payload router.SessionReadyPayload) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	r, rok := e.rosters[sessionID]
	e.mu.Unlock()
	if !ok || !rok {
		return ErrUnknownSession
	}
	s.SetCoordinator(payload.CoordinatorIndex, payload.CoordinatorPeerID)

	// Only the coordinator's own HandleParticipantJoined loop ever saw
	// every joiner directly; every other participant learns the rest of
	// the index -> peer-id mapping here, for the first time, from the
	// coordinator's broadcast. Without this, every later direct-message
	// round (nonce commit/reveal, partial signature share) would have
	// nothing to fan out to beyond the local node's own entry.
	for idx, peerID := range payload.Roster {
		if _, known := r.joinedByIndex[idx]; !known {
			r.joinedByIndex[idx] = peerID
		}
		s.SetRoster(idx, peerID)
	}
	r.closed = true
	return e.beginNonceRound(ctx, s, r)
}

func (e *Engine) beginNonceRound(ctx context.Context, s *session.Session, r *roster) error {
	pubNonce, err := s.GenerateNonces(nil)
	if err != nil && err != session.ErrNonceReuse {
		return err
	}
	if err == session.ErrNonceReuse {
		return nil
	}

	commitment := sha256.Sum256(pubNonce[:])
	env, err := e.buildIndexedEnvelope(router.KindNonceCommit, s.ID(), s.MyIndex(), router.NonceCommitPayload{
		CommitmentHex: hex.EncodeToString(commitment[:]),
	})
	if err != nil {
		return err
	}

	for idx, peerID := range r.joinedByIndex {
		if idx == s.MyIndex() {
			continue
		}
		if e.sender != nil {
			if err := e.sender.SendDirect(ctx, peerID, env); err != nil {
				e.log.Warn("failed sending NonceCommit", "peer", peerID, "error", err)
			}
		}
	}
	return nil
}

// HandleNonceCommit records a peer's nonce commitment. Once every
// commitment is in hand, the local nonce is revealed via NonceShare.
func (e *Engine) HandleNonceCommit(ctx context.Context, sessionID string, fromIndex int, commitmentHex string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	r, rok := e.rosters[sessionID]
	e.mu.Unlock()
	if !ok || !rok {
		return ErrUnknownSession
	}

	b, err := hex.DecodeString(commitmentHex)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("coordinator: malformed nonce commitment from signer %d", fromIndex)
	}

	f := e.flowFor(sessionID)
	e.mu.Lock()
	var commitment [32]byte
	copy(commitment[:], b)
	f.commitments[fromIndex] = commitment
	ready := len(f.commitments) == s.NumSigners()-1 && !f.revealed
	if ready {
		f.revealed = true
	}
	e.mu.Unlock()

	if !ready {
		return nil
	}
	return e.revealNonce(ctx, s, r)
}

func (e *Engine) revealNonce(ctx context.Context, s *session.Session, r *roster) error {
	pubNonce, ok := s.MyPubNonce()
	if !ok {
		return fmt.Errorf("coordinator: no local nonce to reveal for session %s", s.ID())
	}

	share := router.NonceSharePayload{PublicNonceHex: hex.EncodeToString(pubNonce[:])}
	env, buildErr := e.buildIndexedEnvelope(router.KindNonceShare, s.ID(), s.MyIndex(), share)
	if buildErr != nil {
		return buildErr
	}
	for idx, peerID := range r.joinedByIndex {
		if idx == s.MyIndex() {
			continue
		}
		if e.sender != nil {
			if err := e.sender.SendDirect(ctx, peerID, env); err != nil {
				e.log.Warn("failed sending NonceShare", "peer", peerID, "error", err)
			}
		}
	}
	return nil
}

// HandleNonceShare validates the revealed nonce against its prior
// commitment, feeds it into the session, and — once aggregation
// completes — produces and sends this participant's partial signature.
func (e *Engine) HandleNonceShare(ctx context.Context, sessionID string, fromIndex int, pubNonceHex string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	r, rok := e.rosters[sessionID]
	e.mu.Unlock()
	if !ok || !rok {
		return ErrUnknownSession
	}

	b, err := hex.DecodeString(pubNonceHex)
	if err != nil || len(b) != musig2.PubNonceSize {
		return fmt.Errorf("coordinator: malformed public nonce from signer %d", fromIndex)
	}

	f := e.flowFor(sessionID)
	e.mu.Lock()
	commitment, haveCommitment := f.commitments[fromIndex]
	e.mu.Unlock()
	if haveCommitment {
		actual := sha256.Sum256(b)
		if actual != commitment {
			s.Abort(fmt.Sprintf("revealed nonce from signer %d does not match its commitment", fromIndex))
			if e.security != nil {
				if peerID, ok := s.PeerForIndex(fromIndex); ok {
					e.security.Penalize(peerID, -50)
				}
			}
			return fmt.Errorf("coordinator: nonce commitment mismatch for signer %d", fromIndex)
		}
	}

	var pubNonce musig2.PubNonce
	copy(pubNonce[:], b)

	if err := s.ReceiveNonce(fromIndex, &pubNonce); err != nil {
		if err == session.ErrEquivocation && e.security != nil {
			if peerID, ok := s.PeerForIndex(fromIndex); ok {
				e.security.PenalizeEquivocation(peerID)
			}
		}
		return err
	}

	if s.Phase() != session.PhaseNonceExchange {
		return nil
	}

	e.mu.Lock()
	if f.sigSent {
		e.mu.Unlock()
		return nil
	}
	f.sigSent = true
	e.mu.Unlock()

	return e.createAndSendPartialSig(ctx, s, r)
}

func (e *Engine) createAndSendPartialSig(ctx context.Context, s *session.Session, r *roster) error {
	sig, err := s.CreatePartialSignature()
	if err != nil {
		return err
	}

	sigBytes := sig.Serialize()
	share := router.PartialSigSharePayload{PartialSigHex: hex.EncodeToString(sigBytes[:])}
	env, err := e.buildIndexedEnvelope(router.KindPartialSigShare, s.ID(), s.MyIndex(), share)
	if err != nil {
		return err
	}
	for idx, peerID := range r.joinedByIndex {
		if idx == s.MyIndex() {
			continue
		}
		if e.sender != nil {
			if err := e.sender.SendDirect(ctx, peerID, env); err != nil {
				e.log.Warn("failed sending PartialSigShare", "peer", peerID, "error", err)
			}
		}
	}
	return nil
}

// HandlePartialSigShare implements step 6: feed a received partial
// signature into the session; an invalid one aborts and broadcasts
// SessionAbort to the roster; a complete set finalizes the signature.
func (e *Engine) HandlePartialSigShare(ctx context.Context, sessionID string, fromIndex int, partialSigHex string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	r, rok := e.rosters[sessionID]
	e.mu.Unlock()
	if !ok || !rok {
		return ErrUnknownSession
	}

	b, err := hex.DecodeString(partialSigHex)
	if err != nil {
		return fmt.Errorf("coordinator: malformed partial signature from signer %d", fromIndex)
	}
	sig, err := musig2.ParsePartialSignature(b)
	if err != nil {
		return fmt.Errorf("coordinator: parsing partial signature from signer %d: %w", fromIndex, err)
	}

	recvErr := s.ReceivePartialSig(fromIndex, sig)
	if recvErr != nil {
		if e.security != nil {
			if peerID, ok := s.PeerForIndex(fromIndex); ok {
				switch recvErr {
				case session.ErrEquivocation:
					e.security.PenalizeEquivocation(peerID)
				case session.ErrInvalidPartialSig:
					e.security.PenalizeInvalidSignature(peerID)
				}
			}
		}
		e.broadcastAbort(ctx, s, r, recvErr.Error())
		return recvErr
	}

	if s.Phase() != session.PhaseComplete {
		return nil
	}

	finalSig, err := s.GetFinalSignature()
	if err != nil {
		return err
	}

	if s.IAmCoordinator() {
		env, err := e.buildEnvelope(router.KindSignatureFinalized, s.ID(), struct {
			SignatureHex string `json:"signature_hex"`
		}{hex.EncodeToString(finalSig)})
		if err == nil {
			for idx, peerID := range r.joinedByIndex {
				if idx == s.MyIndex() {
					continue
				}
				if e.sender != nil {
					_ = e.sender.SendDirect(ctx, peerID, env)
				}
			}
		}
	}
	return nil
}

func (e *Engine) broadcastAbort(ctx context.Context, s *session.Session, r *roster, reason string) {
	env, err := e.buildIndexedEnvelope(router.KindSessionAbort, s.ID(), s.MyIndex(), router.SessionAbortPayload{Reason: reason})
	if err != nil {
		return
	}
	for idx, peerID := range r.joinedByIndex {
		if idx == s.MyIndex() {
			continue
		}
		if e.sender != nil {
			_ = e.sender.SendDirect(ctx, peerID, env)
		}
	}
}

// HandleSessionAbort processes an inbound abort from any participant.
func (e *Engine) HandleSessionAbort(sessionID string, reason string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return s.Abort(reason)
}

// AttemptCoordinatorFailover advances a stalled session's coordinator
// to the next signer in rotation order. The rotation is a pure
// function of the current coordinator index, so every participant
// computes the same next coordinator independently — no extra
// consensus round is needed before the handoff is announced. Returns
// ErrFailoverExhausted once the rotation has cycled through every
// signer (spec §4.4's failover bound).
func (e *Engine) AttemptCoordinatorFailover(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	r, rok := e.rosters[sessionID]
	e.mu.Unlock()
	if !ok || !rok {
		return ErrUnknownSession
	}
	if !e.cfg.EnableCoordinatorFailover {
		return fmt.Errorf("coordinator: failover disabled")
	}

	attempt := s.NextFailoverAttempt()
	if attempt > s.NumSigners() {
		return ErrFailoverExhausted
	}

	curIdx, _, _ := s.Coordinator()
	nextIdx := (curIdx + 1) % s.NumSigners()

	e.mu.Lock()
	r.coordinatorIdx = nextIdx
	peerID, known := r.joinedByIndex[nextIdx]
	e.mu.Unlock()
	if !known {
		return fmt.Errorf("coordinator: failover target signer %d has not joined", nextIdx)
	}

	s.SetCoordinator(nextIdx, peerID)
	e.log.Info("coordinator failover", "session", sessionID, "attempt", attempt, "new_coordinator", nextIdx)

	if s.IAmCoordinator() {
		return e.broadcastSessionReady(ctx, s, r)
	}
	return nil
}

func (e *Engine) buildEnvelope(kind router.Kind, sessionID string, payload interface{}) (router.Envelope, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return router.Envelope{}, err
	}
	return router.Envelope{
		Kind:      kind,
		SessionID: sessionID,
		FromPeer:  e.selfPeerID,
		Payload:   data,
		Timestamp: time.Now().Unix(),
		MessageID: newMessageID(),
	}, nil
}

// buildIndexedEnvelope is buildEnvelope plus the sender's signer index,
// for message kinds the receiving handler dispatches by signer index
// (NonceCommit, NonceShare, PartialSigShare, SessionAbort).
func (e *Engine) buildIndexedEnvelope(kind router.Kind, sessionID string, fromIndex int, payload interface{}) (router.Envelope, error) {
	env, err := e.buildEnvelope(kind, sessionID, payload)
	if err != nil {
		return router.Envelope{}, err
	}
	env.FromIndex = fromIndex
	return env, nil
}
