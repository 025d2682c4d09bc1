package router

import "encoding/json"

// Envelope is the common wire wrapper for every protocol message,
// generalizing the teacher's SwapMessage (internal/node/swap_handler.go)
// from a fixed swap-message shape to the router's Kind-keyed dispatch.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	FromPeer  string          `json:"from_peer"`
	FromIndex int             `json:"from_index,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`

	MessageID   string `json:"message_id,omitempty"`
	SequenceNum uint64 `json:"sequence_num,omitempty"`
	RequiresAck bool   `json:"requires_ack,omitempty"`
}

// NonceCommitPayload is the hash-commitment preceding a NonceShare,
// per spec §4.4 step 4 ("Nonce commitments MUST precede reveal").
type NonceCommitPayload struct {
	CommitmentHex string `json:"commitment_hex"`
}

// NonceSharePayload carries the revealed 66-byte public nonce.
type NonceSharePayload struct {
	PublicNonceHex string `json:"public_nonce_hex"`
}

// PartialSigSharePayload carries a signer's 32-byte partial signature.
type PartialSigSharePayload struct {
	PartialSigHex string `json:"partial_sig_hex"`
}

// SigningRequestPayload mirrors spec §3's Signing Request record.
type SigningRequestPayload struct {
	RequestID         string   `json:"request_id"`
	RequiredPubKeysHex []string `json:"required_pub_keys_hex"`
	MessageHex        string   `json:"message_hex"`
	CreatorPeerID     string   `json:"creator_peer_id"`
	CreatorPubKeyHex  string   `json:"creator_pub_key_hex"`
	CreatedAt         int64    `json:"created_at"`
	ExpiresAt         int64    `json:"expires_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	SignatureHex      string   `json:"signature_hex"`
}

// ParticipantJoinedPayload mirrors spec §6's canonical ParticipantJoined
// fields.
type ParticipantJoinedPayload struct {
	RequestID        string `json:"request_id"`
	Index            int    `json:"index"`
	ParticipantPeerID string `json:"participant_peer_id"`
	ParticipantPubKeyHex string `json:"participant_pub_key_hex"`
	Timestamp        int64  `json:"timestamp"`
	SignatureHex     string `json:"signature_hex"`
}

// SessionReadyPayload announces a complete roster and its elected (or
// default) coordinator. Roster carries the full signer-index-to-peer-id
// mapping the coordinator accumulated from every ParticipantJoined, so
// every other participant — who otherwise only knows its own peer id —
// learns who to address directly for the nonce and signature rounds.
type SessionReadyPayload struct {
	CoordinatorIndex  int            `json:"coordinator_index"`
	CoordinatorPeerID string         `json:"coordinator_peer_id"`
	Roster            map[int]string `json:"roster"`
}

// SessionAbortPayload explains why a session was aborted.
type SessionAbortPayload struct {
	Reason string `json:"reason"`
}

// ValidationErrorPayload reports a rejected message back to its sender.
type ValidationErrorPayload struct {
	OffendingMessageID string `json:"offending_message_id,omitempty"`
	Reason             string `json:"reason"`
}
