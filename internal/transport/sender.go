package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lotusia/musigcoord/internal/router"
	"github.com/lotusia/musigcoord/internal/storage"
	"github.com/lotusia/musigcoord/pkg/logging"
)

// SenderConfig controls retry/backoff behavior for the hybrid delivery
// path (direct stream, falling back to encrypted PubSub, falling back
// to a persisted retry queue).
type SenderConfig struct {
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	BackoffMultiplier    float64
	AckTimeout           time.Duration
	StopBeforeExpiry     time.Duration
	MaxRetries           int
	DHTLookupTimeout     time.Duration
	ConnectTimeout       time.Duration
}

// DefaultSenderConfig returns the sender's default backoff schedule.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		InitialRetryInterval: 10 * time.Second,
		MaxRetryInterval:     10 * time.Minute,
		BackoffMultiplier:    2.0,
		AckTimeout:           30 * time.Second,
		StopBeforeExpiry:     time.Hour,
		MaxRetries:           50,
		DHTLookupTimeout:     30 * time.Second,
		ConnectTimeout:       15 * time.Second,
	}
}

// Sender implements coordinator.Sender on top of a Transport: direct
// envelopes go out over a length-prefixed stream, falling back to an
// encrypted PubSub publish when the peer can't be dialed, with every
// attempt tracked in the persisted outbox so a restart can resume
// delivery. Broadcast envelopes are published in the clear to a topic
// named per transaction kind, joined lazily on first use — mirroring
// how the discovery service joins one topic per signer-advertisement
// kind rather than a single fixed channel.
type Sender struct {
	transport     *Transport
	storage       *storage.Storage
	streamHandler *StreamHandler
	encryptor     *MessageEncryptor
	encTopic      *pubsub.Topic
	encSub        *pubsub.Subscription
	dispatcher    Dispatcher
	config        SenderConfig
	log           *logging.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSender constructs a Sender. encTopic is the single pre-joined
// fallback topic for encrypted direct-channel delivery; broadcast
// topics are joined on demand inside Broadcast.
func NewSender(t *Transport, store *storage.Storage, streamHandler *StreamHandler, encryptor *MessageEncryptor, encTopic *pubsub.Topic, dispatcher Dispatcher, cfg SenderConfig) *Sender {
	ctx, cancel := context.WithCancel(context.Background())

	return &Sender{
		transport:     t,
		storage:       store,
		streamHandler: streamHandler,
		encryptor:     encryptor,
		encTopic:      encTopic,
		dispatcher:    dispatcher,
		config:        cfg,
		log:           logging.GetDefault().Component("sender"),
		topics:        make(map[string]*pubsub.Topic),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start subscribes to the encrypted fallback topic so envelopes
// addressed to us over PubSub are received and dispatched.
func (s *Sender) Start() error {
	sub, err := s.encTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to encrypted topic: %w", err)
	}
	s.encSub = sub

	go s.processEncrypted()
	return nil
}

// Stop cancels background delivery loops.
func (s *Sender) Stop() {
	s.cancel()
	if s.encSub != nil {
		s.encSub.Cancel()
	}
}

// SendDirect enqueues env for peerID and attempts delivery in the
// background, so the caller (coordinator.Engine.Dispatch's callers)
// never blocks on network I/O.
func (s *Sender) SendDirect(ctx context.Context, peerID string, env router.Envelope) error {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}
	env.FromPeer = s.transport.ID().String()

	if env.SequenceNum == 0 && env.SessionID != "" {
		seq, err := s.storage.GetNextLocalSequence(env.SessionID)
		if err == nil {
			env.SequenceNum = seq
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	expiresAt := int64(0)
	if !env.RequiresAck {
		expiresAt = time.Now().Add(s.config.StopBeforeExpiry).Unix()
	} else {
		expiresAt = time.Now().Add(24 * time.Hour).Unix()
	}

	outbox := &storage.OutboxMessage{
		MessageID:   env.MessageID,
		SessionID:   env.SessionID,
		PeerID:      peerID,
		MessageType: string(env.Kind),
		Payload:     payload,
		SequenceNum: env.SequenceNum,
		ExpiresAt:   expiresAt,
	}
	if err := s.storage.EnqueueMessage(outbox); err != nil {
		return fmt.Errorf("failed to enqueue envelope: %w", err)
	}

	go s.attemptDelivery(context.Background(), peerID, env)
	return nil
}

func (s *Sender) attemptDelivery(ctx context.Context, peerIDStr string, env router.Envelope) {
	peerID, err := peer.Decode(peerIDStr)
	if err != nil {
		s.log.Warn("invalid peer id, marking failed", "peer", peerIDStr, "error", err)
		s.storage.MarkMessageFailed(env.MessageID, "invalid peer id")
		return
	}

	if err := s.storage.MarkMessageSent(env.MessageID); err != nil {
		s.log.Debug("failed to mark message sent", "error", err)
	}

	if s.transport.Host().Network().Connectedness(peerID) != network.Connected {
		s.tryConnectViaDHT(ctx, peerID)
	}

	if s.transport.Host().Network().Connectedness(peerID) == network.Connected {
		sendCtx, cancel := context.WithTimeout(ctx, s.config.AckTimeout)
		defer cancel()

		envCopy := env
		if err := s.streamHandler.SendEnvelope(sendCtx, peerID, &envCopy); err == nil {
			s.storage.MarkMessageAcked(env.MessageID)
			return
		} else {
			s.log.Debug("direct stream delivery failed, falling back", "peer", shortID(peerID), "error", err)
		}
	}

	if s.encryptor != nil {
		if err := s.sendViaEncryptedPubSub(ctx, peerID, env); err == nil {
			s.scheduleRetry(env.MessageID, 0)
			return
		} else {
			s.log.Debug("encrypted pubsub fallback failed", "error", err)
		}
	}

	s.scheduleRetry(env.MessageID, 0)
}

func (s *Sender) tryConnectViaDHT(ctx context.Context, peerID peer.ID) {
	dhtHandle := s.transport.DHT()
	if dhtHandle == nil {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.config.DHTLookupTimeout)
	addrInfo, err := dhtHandle.FindPeer(lookupCtx, peerID)
	cancel()
	if err != nil {
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()
	s.transport.Host().Connect(connectCtx, addrInfo)
}

func (s *Sender) sendViaEncryptedPubSub(ctx context.Context, peerID peer.ID, env router.Envelope) error {
	envelope, err := s.encryptor.Encrypt(peerID, &env)
	if err != nil {
		return fmt.Errorf("failed to encrypt envelope: %w", err)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal encrypted envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.encTopic.Publish(pubCtx, data)
}

func (s *Sender) scheduleRetry(messageID string, currentRetryCount int) {
	interval := s.config.InitialRetryInterval
	for i := 0; i < currentRetryCount; i++ {
		interval = time.Duration(float64(interval) * s.config.BackoffMultiplier)
		if interval > s.config.MaxRetryInterval {
			interval = s.config.MaxRetryInterval
			break
		}
	}

	nextRetry := time.Now().Add(interval).Unix()
	if err := s.storage.ScheduleRetry(messageID, nextRetry); err != nil {
		s.log.Warn("failed to schedule retry", "message_id", messageID, "error", err)
	}
}

// RetryMessage re-attempts delivery of a message pulled from the
// persisted outbox by the retry worker.
func (s *Sender) RetryMessage(ctx context.Context, msg *storage.OutboxMessage) {
	if msg.RetryCount >= s.config.MaxRetries {
		s.storage.MarkMessageFailed(msg.MessageID, "max retries exceeded")
		return
	}

	if msg.ExpiresAt > 0 && time.Now().Unix() > msg.ExpiresAt {
		s.storage.MarkMessageExpired(msg.MessageID)
		return
	}

	var env router.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		s.log.Warn("failed to reconstruct envelope for retry", "message_id", msg.MessageID, "error", err)
		s.storage.MarkMessageFailed(msg.MessageID, "corrupt payload")
		return
	}

	s.attemptDelivery(ctx, msg.PeerID, env)
}

// FlushPendingForPeer retries every pending message addressed to
// peerID, called when that peer reconnects.
func (s *Sender) FlushPendingForPeer(ctx context.Context, peerID string) {
	pending, err := s.storage.GetPendingForPeer(peerID)
	if err != nil {
		s.log.Warn("failed to load pending messages", "peer", peerID, "error", err)
		return
	}

	for _, msg := range pending {
		s.RetryMessage(ctx, msg)
	}
}

// GetPendingCount returns the number of undelivered messages for a
// session.
func (s *Sender) GetPendingCount(sessionID string) (int, error) {
	pending, err := s.storage.GetPendingForSession(sessionID)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Broadcast publishes env in the clear to topic, joining it lazily if
// this is the first broadcast (or receive) on that name. Broadcast
// kinds are public by router-table design (signer advertisements,
// signing requests), so no encryption is applied — consistent with
// discovery's advertisement topics.
func (s *Sender) Broadcast(ctx context.Context, topic string, env router.Envelope) error {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}
	env.FromPeer = s.transport.ID().String()

	t, err := s.joinTopic(topic)
	if err != nil {
		return fmt.Errorf("failed to join broadcast topic %s: %w", topic, err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return t.Publish(ctx, data)
}

// joinTopic returns the cached *pubsub.Topic for name, joining it (and
// starting its receive loop) on first use.
func (s *Sender) joinTopic(name string) (*pubsub.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.topics[name]; ok {
		return t, nil
	}

	t, err := s.transport.PubSub().Join(name)
	if err != nil {
		return nil, err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}

	s.topics[name] = t
	go s.processBroadcast(name, sub)

	return t, nil
}

// processBroadcast reads envelopes off a joined broadcast topic and
// hands well-formed ones to the dispatcher. Messages that don't carry
// a router.Kind (e.g. discovery advertisements sharing the same
// namespace) are silently skipped rather than forwarded as malformed.
func (s *Sender) processBroadcast(topic string, sub *pubsub.Subscription) {
	selfID := s.transport.ID()

	for {
		msg, err := sub.Next(s.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == selfID {
			continue
		}

		var env router.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			continue
		}
		if env.Kind == "" {
			continue
		}

		if err := s.dispatcher.Dispatch(s.ctx, env, true); err != nil {
			s.log.Debug("broadcast dispatch failed", "topic", topic, "kind", env.Kind, "error", err)
		}
	}
}

// processEncrypted reads envelopes off the encrypted fallback topic,
// decrypting only those addressed to us.
func (s *Sender) processEncrypted() {
	selfID := s.transport.ID()

	for {
		msg, err := s.encSub.Next(s.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == selfID {
			continue
		}

		var envelope EncryptedEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			continue
		}
		if s.encryptor == nil || !s.encryptor.IsForUs(&envelope) {
			continue
		}

		env, err := s.encryptor.Decrypt(&envelope)
		if err != nil {
			s.log.Debug("failed to decrypt pubsub envelope", "error", err)
			continue
		}

		if err := s.dispatcher.Dispatch(s.ctx, *env, false); err != nil {
			s.log.Debug("encrypted envelope dispatch failed", "kind", env.Kind, "error", err)
		}
	}
}
