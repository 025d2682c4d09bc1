package session

import (
	"encoding/hex"
	"time"
)

// Snapshot is a storage/introspection-friendly view of a session. It
// deliberately omits the secret nonce and private key — those never
// leave process memory, let alone get persisted to disk. Mirrors the
// teacher's MarshalStorageData convention of hex-encoding binary fields
// for a flat, JSON/SQL-friendly representation.
type Snapshot struct {
	ID                string            `json:"id"`
	Phase             string            `json:"phase"`
	AbortReason       string            `json:"abort_reason,omitempty"`
	MyIndex           int               `json:"my_index"`
	NumSigners        int               `json:"num_signers"`
	AggregatedKeyHex  string            `json:"aggregated_key_hex"`
	MessageHex        string            `json:"message_hex"`
	HaveOwnNonce      bool              `json:"have_own_nonce"`
	NoncesReceived    int               `json:"nonces_received"`
	PartialSigsRecv   int               `json:"partial_sigs_received"`
	FinalSignatureHex string            `json:"final_signature_hex,omitempty"`
	CoordinatorIndex  int               `json:"coordinator_index,omitempty"`
	CoordinatorPeerID string            `json:"coordinator_peer_id,omitempty"`
	FailoverAttempts  int               `json:"failover_attempts,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Snapshot takes a consistent point-in-time copy of session state for
// persistence or introspection logging.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:               s.id,
		Phase:            s.phase.String(),
		AbortReason:      s.abortReason,
		MyIndex:          s.myIndex,
		NumSigners:       len(s.signers),
		AggregatedKeyHex: hex.EncodeToString(s.keyAgg.Q.SerializeCompressed()),
		MessageHex:       hex.EncodeToString(s.message[:]),
		HaveOwnNonce:     s.myPubNonce != nil,
		NoncesReceived:   len(s.receivedPubNonces),
		PartialSigsRecv:  len(s.receivedPartialSigs),
		CoordinatorIndex: s.coordinatorIndex,
		CoordinatorPeerID: s.coordinatorPeerID,
		FailoverAttempts: s.failoverAttempts,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
	if s.finalSignature != nil {
		snap.FinalSignatureHex = hex.EncodeToString(s.finalSignature)
	}
	if len(s.metadata) > 0 {
		snap.Metadata = s.metadata
	}
	return snap
}
