package transport

import (
	"context"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lotusia/musigcoord/internal/storage"
	"github.com/lotusia/musigcoord/pkg/logging"
)

// PeerMonitor watches libp2p connectedness events and flushes a
// reconnected peer's pending outbox on reconnect, so delivery resumes
// without waiting for the retry worker's next poll.
type PeerMonitor struct {
	transport *Transport
	storage   *storage.Storage
	sender    *Sender
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeerMonitor constructs a peer monitor.
func NewPeerMonitor(t *Transport, store *storage.Storage, sender *Sender) *PeerMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &PeerMonitor{
		transport: t,
		storage:   store,
		sender:    sender,
		log:       logging.GetDefault().Component("peer-monitor"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to connectedness-change events.
func (m *PeerMonitor) Start() error {
	sub, err := m.transport.Host().EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return err
	}

	go m.run(sub)
	return nil
}

// Stop halts the monitor.
func (m *PeerMonitor) Stop() {
	m.cancel()
}

func (m *PeerMonitor) run(sub event.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-m.ctx.Done():
			return
		case evt, ok := <-sub.Out():
			if !ok {
				return
			}
			m.handleConnectednessChange(evt.(event.EvtPeerConnectednessChanged))
		}
	}
}

func (m *PeerMonitor) handleConnectednessChange(e event.EvtPeerConnectednessChanged) {
	switch e.Connectedness {
	case network.Connected:
		m.handlePeerConnected(e.Peer)
	case network.NotConnected:
		m.handlePeerDisconnected(e.Peer)
	}
}

func (m *PeerMonitor) handlePeerConnected(peerID peer.ID) {
	pending, err := m.storage.GetPendingForPeer(peerID.String())
	if err != nil || len(pending) == 0 {
		return
	}

	m.log.Debug("peer reconnected, flushing pending messages", "peer", shortID(peerID), "count", len(pending))
	go m.sender.FlushPendingForPeer(m.ctx, peerID.String())
}

func (m *PeerMonitor) handlePeerDisconnected(peerID peer.ID) {
	pending, err := m.storage.GetPendingForPeer(peerID.String())
	if err != nil || len(pending) == 0 {
		return
	}
	m.log.Debug("peer disconnected with pending messages", "peer", shortID(peerID), "count", len(pending))
}
