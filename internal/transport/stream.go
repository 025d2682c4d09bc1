package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/lotusia/musigcoord/internal/router"
	"github.com/lotusia/musigcoord/internal/storage"
	"github.com/lotusia/musigcoord/pkg/logging"
)

// DirectProtocol is the protocol ID for direct session messages, per
// spec §6.
const DirectProtocol protocol.ID = "/lotus/musig2/1.0.0"

// SessionEncryptedTopic carries the encrypted-PubSub fallback for
// direct-channel kinds when a peer cannot be reached over a stream.
const SessionEncryptedTopic = "/lotus/musig2/encrypted/1.0.0"

// kindAck is the envelope kind used for stream-level acknowledgements.
// It never passes through the router table or the coordinator's
// Dispatch — it is consumed entirely within this package.
const kindAck router.Kind = "Ack"

// Dispatcher is satisfied by coordinator.Engine: every inbound
// envelope, regardless of which channel delivered it, passes through
// a single entrypoint that enforces the router's channel policy
// before acting on it.
type Dispatcher interface {
	Dispatch(ctx context.Context, env router.Envelope, viaBroadcast bool) error
}

// AckPayload acknowledges receipt of a direct-stream envelope.
type AckPayload struct {
	MessageID   string `json:"message_id"`
	SequenceNum uint64 `json:"sequence_num"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// StreamHandler serves inbound direct streams (DirectProtocol) and
// opens outbound ones, framing every envelope with a 4-byte big-endian
// length prefix, per spec §5's direct-channel framing.
type StreamHandler struct {
	transport  *Transport
	storage    *storage.Storage
	dispatcher Dispatcher
	log        *logging.Logger

	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamHandler constructs a stream handler bound to t's host.
func NewStreamHandler(t *Transport, store *storage.Storage, dispatcher Dispatcher) *StreamHandler {
	ctx, cancel := context.WithCancel(context.Background())

	return &StreamHandler{
		transport:  t,
		storage:    store,
		dispatcher: dispatcher,
		log:        logging.GetDefault().Component("stream-handler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start registers the stream handler with the libp2p host.
func (h *StreamHandler) Start() error {
	h.transport.Host().SetStreamHandler(DirectProtocol, h.handleStream)
	h.log.Info("direct stream handler started", "protocol", DirectProtocol)
	return nil
}

// Stop deregisters the stream handler.
func (h *StreamHandler) Stop() {
	h.cancel()
	h.transport.Host().RemoveStreamHandler(DirectProtocol)
	h.log.Info("direct stream handler stopped")
}

func (h *StreamHandler) handleStream(s network.Stream) {
	defer s.Close()

	remotePeer := s.Conn().RemotePeer()
	h.log.Debug("incoming direct stream", "peer", shortID(remotePeer))

	s.SetReadDeadline(time.Now().Add(60 * time.Second))

	reader := bufio.NewReader(s)
	envBytes, err := readLengthPrefixed(reader)
	if err != nil {
		h.log.Warn("failed to read envelope", "peer", shortID(remotePeer), "error", err)
		return
	}

	var env router.Envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		h.log.Warn("failed to parse envelope", "peer", shortID(remotePeer), "error", err)
		return
	}

	h.log.Debug("received direct envelope",
		"kind", env.Kind,
		"session", env.SessionID,
		"message_id", env.MessageID,
		"from", shortID(remotePeer))

	if env.MessageID != "" && h.storage != nil {
		isDuplicate, err := h.storage.HasReceivedMessage(env.MessageID)
		if err != nil {
			h.log.Warn("failed to check for duplicate", "error", err)
		} else if isDuplicate {
			h.log.Debug("duplicate envelope, re-sending ack", "message_id", env.MessageID)
			h.sendAck(s, env.MessageID, env.SequenceNum, true, "")
			return
		}

		inboxMsg := &storage.InboxMessage{
			MessageID:   env.MessageID,
			SessionID:   env.SessionID,
			PeerID:      remotePeer.String(),
			MessageType: string(env.Kind),
			SequenceNum: env.SequenceNum,
		}
		if err := h.storage.RecordReceivedMessage(inboxMsg); err != nil {
			h.log.Warn("failed to record envelope", "error", err)
		}

		if env.SequenceNum > 0 {
			if err := h.storage.UpdateRemoteSequence(env.SessionID, env.SequenceNum); err != nil {
				h.log.Warn("failed to update remote sequence", "error", err)
			}
		}
	}

	err = h.dispatcher.Dispatch(h.ctx, env, false)

	if env.RequiresAck {
		if err != nil {
			h.log.Debug("envelope dispatch failed", "kind", env.Kind, "error", err)
			h.sendAck(s, env.MessageID, env.SequenceNum, false, err.Error())
		} else {
			h.sendAck(s, env.MessageID, env.SequenceNum, true, "")
		}
	}

	if env.MessageID != "" && h.storage != nil {
		if err := h.storage.MarkMessageProcessed(env.MessageID); err != nil {
			h.log.Warn("failed to mark envelope processed", "error", err)
		}
		if env.RequiresAck {
			if err := h.storage.MarkAckSent(env.MessageID); err != nil {
				h.log.Warn("failed to mark ack sent", "error", err)
			}
		}
	}
}

func (h *StreamHandler) sendAck(s network.Stream, msgID string, seq uint64, success bool, errMsg string) {
	ackPayload := AckPayload{
		MessageID:   msgID,
		SequenceNum: seq,
		Success:     success,
		Error:       errMsg,
	}

	payloadBytes, err := json.Marshal(ackPayload)
	if err != nil {
		h.log.Warn("failed to marshal ack payload", "error", err)
		return
	}

	ack := router.Envelope{
		Kind:        kindAck,
		MessageID:   uuid.NewString(),
		SequenceNum: seq,
		Timestamp:   time.Now().Unix(),
		FromPeer:    h.transport.ID().String(),
		Payload:     payloadBytes,
	}

	ackBytes, err := json.Marshal(ack)
	if err != nil {
		h.log.Warn("failed to marshal ack envelope", "error", err)
		return
	}

	s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := writeLengthPrefixed(s, ackBytes); err != nil {
		h.log.Warn("failed to send ack", "error", err)
	}
}

const maxMessageSize = 1024 * 1024 // 1MB

// readLengthPrefixed reads a 4-byte big-endian length prefix followed
// by that many bytes of body.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	return data, nil
}

// writeLengthPrefixed writes data preceded by a 4-byte big-endian length.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// SendEnvelope opens a direct stream to peerID, sends env, and — if
// env.RequiresAck — blocks until the peer's ack arrives or the
// deadline expires.
func (h *StreamHandler) SendEnvelope(ctx context.Context, peerID peer.ID, env *router.Envelope) error {
	stream, err := h.transport.Host().NewStream(ctx, peerID, DirectProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	stream.SetWriteDeadline(time.Now().Add(30 * time.Second))

	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}
	env.FromPeer = h.transport.ID().String()

	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := writeLengthPrefixed(stream, envBytes); err != nil {
		return fmt.Errorf("failed to send envelope: %w", err)
	}

	if !env.RequiresAck {
		return nil
	}

	stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	reader := bufio.NewReader(stream)
	ackBytes, err := readLengthPrefixed(reader)
	if err != nil {
		return fmt.Errorf("failed to read ack: %w", err)
	}

	var ackEnv router.Envelope
	if err := json.Unmarshal(ackBytes, &ackEnv); err != nil {
		return fmt.Errorf("failed to parse ack: %w", err)
	}
	if ackEnv.Kind != kindAck {
		return fmt.Errorf("unexpected response kind: %s", ackEnv.Kind)
	}

	var ack AckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		return fmt.Errorf("failed to parse ack payload: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("envelope rejected by peer: %s", ack.Error)
	}

	h.log.Debug("envelope delivered",
		"kind", env.Kind,
		"session", env.SessionID,
		"message_id", env.MessageID)

	return nil
}
