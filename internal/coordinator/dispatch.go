package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lotusia/musigcoord/internal/router"
)

// Dispatch is the engine's single inbound entrypoint (spec §4.4): every
// message, regardless of transport, passes through the router's channel
// check before being unmarshalled and handed to its kind-specific
// handler. viaBroadcast reflects how the transport actually delivered
// the envelope (pubsub topic vs. direct stream) — it is the caller's
// observation, not derived from the kind, since the whole point of the
// check is to catch a kind arriving on the wrong channel. Neither this
// method nor internal/transport runs the security manager's size,
// timestamp, rate-limit or replay checks on the envelope: Dispatch
// enforces routing (channel and authority) only, and uses the security
// manager solely to penalize the sender of a rejected or malformed
// message.
func (e *Engine) Dispatch(ctx context.Context, env router.Envelope, viaBroadcast bool) error {
	if err := router.CheckChannel(env.Kind, viaBroadcast); err != nil {
		e.log.Warn("dropping message with channel violation", "kind", env.Kind, "error", err)
		return nil
	}

	// ParticipantJoined is the message that first establishes a signer's
	// peer-id mapping in the roster — there is no prior roster state to
	// check its claimed authority against. HandleParticipantJoined itself
	// enforces roster bounds (duplicate index, closed roster).
	if env.Kind != router.KindParticipantJoined {
		if isCoord, isPart, known := e.rolesFor(env.SessionID, env.FromPeer); known {
			if err := router.CheckAuthority(env.Kind, isCoord, isPart); err != nil {
				e.log.Warn("dropping message with authority violation", "kind", env.Kind, "from", env.FromPeer, "error", err)
				if e.security != nil {
					e.security.PenalizeInvalidSignature(env.FromPeer)
				}
				return nil
			}
		}
	}

	switch env.Kind {
	case router.KindSigningRequest:
		var p router.SigningRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return e.dropMalformed(env, err)
		}
		if err := e.HandleSigningRequest(ctx, p); err != nil {
			if err == ErrNotRequiredSigner {
				return nil
			}
			e.log.Warn("HandleSigningRequest failed", "error", err)
		}
		return nil

	case router.KindParticipantJoined:
		var p router.ParticipantJoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return e.dropMalformed(env, err)
		}
		if err := e.HandleParticipantJoined(ctx, env.SessionID, p.Index, p.ParticipantPeerID); err != nil {
			e.log.Warn("HandleParticipantJoined failed", "error", err)
		}
		return nil

	case router.KindSessionReady:
		var p router.SessionReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return e.dropMalformed(env, err)
		}
		if err := e.HandleSessionReady(ctx, env.SessionID, p); err != nil {
			e.log.Warn("HandleSessionReady failed", "error", err)
		}
		return nil

	case router.KindNonceCommit:
		var p router.NonceCommitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return e.dropMalformed(env, err)
		}
		if err := e.HandleNonceCommit(ctx, env.SessionID, env.FromIndex, p.CommitmentHex); err != nil {
			e.log.Warn("HandleNonceCommit failed", "error", err)
		}
		return nil

	case router.KindNonceShare:
		var p router.NonceSharePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return e.dropMalformed(env, err)
		}
		if err := e.HandleNonceShare(ctx, env.SessionID, env.FromIndex, p.PublicNonceHex); err != nil {
			e.log.Warn("HandleNonceShare failed", "error", err)
		}
		return nil

	case router.KindPartialSigShare:
		var p router.PartialSigSharePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return e.dropMalformed(env, err)
		}
		if err := e.HandlePartialSigShare(ctx, env.SessionID, env.FromIndex, p.PartialSigHex); err != nil {
			e.log.Warn("HandlePartialSigShare failed", "error", err)
		}
		return nil

	case router.KindSignatureFinalized:
		var p struct {
			SignatureHex string `json:"signature_hex"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return e.dropMalformed(env, err)
		}
		e.log.Info("signature finalized by coordinator", "session", env.SessionID)
		return nil

	case router.KindSessionAbort:
		var p router.SessionAbortPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return e.dropMalformed(env, err)
		}
		if err := e.HandleSessionAbort(env.SessionID, p.Reason); err != nil {
			e.log.Warn("HandleSessionAbort failed", "error", err)
		}
		return nil

	case router.KindSignerAdvertisement, router.KindSignerUnavailable, router.KindSessionJoin,
		router.KindNonceAck, router.KindNoncesComplete, router.KindPartialSigsComplete,
		router.KindPartialSigAck, router.KindValidationError:
		// Handled by internal/discovery or acknowledgement bookkeeping
		// in internal/transport; the engine itself has no state machine
		// transition tied to these kinds.
		return nil

	default:
		return fmt.Errorf("coordinator: %w: %q", router.ErrUnknownKind, env.Kind)
	}
}

// rolesFor reports whether fromPeer is the established coordinator
// and/or a recognized participant of sessionID, derived strictly from
// the session's own roster — never from anything the message itself
// claims. known is false when no local session matches sessionID yet
// (the signing-request bootstrap message, or a stray id), in which
// case the caller skips the authority check: there is no roster yet
// to check a claimed role against.
func (e *Engine) rolesFor(sessionID, fromPeer string) (isCoordinator, isParticipant, known bool) {
	e.mu.Lock()
	s, sok := e.sessions[sessionID]
	r, rok := e.rosters[sessionID]
	e.mu.Unlock()
	if !sok {
		return false, false, false
	}
	known = true

	if _, coordPeerID, set := s.Coordinator(); set && coordPeerID == fromPeer {
		isCoordinator = true
	}
	// SessionReady is the message that establishes s.Coordinator() in
	// the first place, so a node checking its own authority has nothing
	// to compare against yet; fall back to the roster's independently
	// derivable expected coordinator (the request's creator when
	// election is disabled, the elected index's known peer-id otherwise).
	if !isCoordinator && rok {
		if expected, ok := e.expectedCoordinatorPeerID(r); ok && expected == fromPeer {
			isCoordinator = true
		}
	}
	for i := 0; i < s.NumSigners(); i++ {
		if peerID, set := s.PeerForIndex(i); set && peerID == fromPeer {
			isParticipant = true
			break
		}
	}
	// A re-announced SessionReady after AttemptCoordinatorFailover comes
	// from whichever signer rotation handed the role to next, which
	// won't match the stale s.Coordinator()/creator checks above. Every
	// node derives the same rotation target independently (see
	// AttemptCoordinatorFailover), so once failover is enabled any
	// recognized roster member is accepted as a legitimate coordinator
	// claimant — this still rejects an outsider outright, since
	// isParticipant above is never true for a peer absent from the
	// roster.
	if !isCoordinator && isParticipant && e.cfg.EnableCoordinatorFailover {
		isCoordinator = true
	}
	return isCoordinator, isParticipant, known
}

// expectedCoordinatorPeerID derives the roster's expected coordinator
// peer id without waiting on session.SetCoordinator, which only runs
// once this node has already accepted a SessionReady (or is itself the
// coordinator). With election disabled the creator is the coordinator
// by construction; with election enabled, the peer-id is only knowable
// once that signer's index has actually joined the roster.
func (e *Engine) expectedCoordinatorPeerID(r *roster) (string, bool) {
	if !e.cfg.EnableCoordinatorElection {
		if r.creatorPeerID != "" {
			return r.creatorPeerID, true
		}
		return "", false
	}
	peerID, ok := r.joinedByIndex[r.coordinatorIdx]
	return peerID, ok
}

func (e *Engine) dropMalformed(env router.Envelope, err error) error {
	e.log.Warn("dropping malformed payload", "kind", env.Kind, "from", env.FromPeer, "error", err)
	if e.security != nil {
		e.security.PenalizeMalformedPayload(env.FromPeer)
	}
	return nil
}
