package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/lotusia/musigcoord/internal/router"
	"github.com/lotusia/musigcoord/internal/security"
	"github.com/lotusia/musigcoord/internal/session"
	"github.com/lotusia/musigcoord/pkg/logging"
)

// Sender abstracts the transport layer's delivery so the engine never
// depends on a concrete libp2p type. internal/transport implements
// this against direct streams with PubSub and retry-queue fallback.
type Sender interface {
	SendDirect(ctx context.Context, peerID string, env router.Envelope) error
	Broadcast(ctx context.Context, topic string, env router.Envelope) error
}

// Config holds the engine's tunables, per spec §6.
type Config struct {
	SessionTimeout            time.Duration
	StuckSessionTimeout       time.Duration
	CleanupInterval           time.Duration
	EnableReplayProtection    bool
	MaxSequenceGap            uint64
	EnableCoordinatorElection bool
	ElectionMethod            ElectionMethod
	EnableCoordinatorFailover bool
	BroadcastTimeout          time.Duration
}

// DefaultConfig mirrors spec §6's named defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:            10 * time.Minute,
		StuckSessionTimeout:       10 * time.Minute,
		CleanupInterval:           time.Minute,
		EnableReplayProtection:    true,
		MaxSequenceGap:            100,
		EnableCoordinatorElection: false,
		EnableCoordinatorFailover: true,
		BroadcastTimeout:          5 * time.Minute,
	}
}

// roster tracks the happy-path join accumulation for one request before
// its session object exists in full (a session needs every participant
// known up front via KeyAgg, but joins trickle in one at a time).
type roster struct {
	request        *router.SigningRequestPayload
	joinedByIndex  map[int]string // index -> peer id
	closed         bool
	coordinatorIdx int

	// creatorPeerID is known to every participant from the moment the
	// SigningRequest arrives (it's one of the payload fields), unlike
	// coordinatorIdx's peer-id mapping, which may still be unresolved
	// until that signer's ParticipantJoined lands. With coordinator
	// election disabled the creator IS the coordinator by construction,
	// so this alone is enough to authenticate the bootstrap SessionReady.
	creatorPeerID string
}

// Engine is the per-node coordinator/peer event loop (spec §4.4).
type Engine struct {
	mu sync.Mutex

	selfPeerID string
	selfPriv   *btcec.PrivateKey

	cfg Config

	sessions map[string]*session.Session
	rosters  map[string]*roster // keyed by request id == session id
	flows    map[string]*flowState

	sender   Sender
	security *security.Manager

	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Engine. sender may be nil until the transport layer
// finishes setup; the engine will simply fail outbound sends until set.
func New(selfPeerID string, selfPriv *btcec.PrivateKey, cfg Config, sender Sender, sec *security.Manager) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		selfPeerID: selfPeerID,
		selfPriv:   selfPriv,
		cfg:        cfg,
		sessions:   make(map[string]*session.Session),
		rosters:    make(map[string]*roster),
		flows:      make(map[string]*flowState),
		sender:     sender,
		security:   sec,
		log:        logging.GetDefault().Component("coordinator"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetSender wires the transport layer in after construction, for the
// common bootstrap order of "build engine, build transport with engine
// as handler, wire transport back into engine."
func (e *Engine) SetSender(sender Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sender = sender
}

// Session returns a registered session by id.
func (e *Engine) Session(id string) (*session.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Sessions returns a snapshot slice of every registered session.
func (e *Engine) Sessions() []*session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (e *Engine) registerSession(s *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.ID()] = s
}

// RemoveSession drops a session (and its roster/flow bookkeeping) from
// the engine's registry, for the cleanup sweeper's post-timeout reap.
func (e *Engine) RemoveSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
	delete(e.rosters, id)
	delete(e.flows, id)
}

// Stop cancels the engine's context. Nothing in this package waits on
// that context; the cleanup sweeper is stopped through its own Stop.
func (e *Engine) Stop() {
	e.cancel()
}

func newMessageID() string {
	return uuid.NewString()
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
