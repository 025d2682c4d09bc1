package transport

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/lotusia/musigcoord/internal/storage"
)

// PeerStoreAdapter bridges the libp2p peerstore and persistent peer
// records, so peers seen across restarts don't need rediscovery.
type PeerStoreAdapter struct {
	store *storage.Storage
}

// NewPeerStoreAdapter constructs a peer store adapter over store.
func NewPeerStoreAdapter(store *storage.Storage) *PeerStoreAdapter {
	return &PeerStoreAdapter{store: store}
}

// SavePeer persists a peer's known addresses.
func (a *PeerStoreAdapter) SavePeer(peerID peer.ID, addrs []multiaddr.Multiaddr, isBootstrap bool) error {
	addrStrs := make([]string, len(addrs))
	for i, addr := range addrs {
		addrStrs[i] = addr.String()
	}

	now := time.Now()
	record := &storage.PeerRecord{
		PeerID:      peerID.String(),
		Addresses:   addrStrs,
		FirstSeen:   now,
		LastSeen:    now,
		IsBootstrap: isBootstrap,
	}

	return a.store.SavePeer(record)
}

// UpdatePeerConnected records a fresh connection to peerID.
func (a *PeerStoreAdapter) UpdatePeerConnected(peerID peer.ID) error {
	return a.store.UpdatePeerConnected(peerID.String())
}

// UpdatePeerSeen records that peerID was seen without necessarily connecting.
func (a *PeerStoreAdapter) UpdatePeerSeen(peerID peer.ID) error {
	return a.store.UpdatePeerSeen(peerID.String())
}

// LoadPeers loads all known peers from storage.
func (a *PeerStoreAdapter) LoadPeers(limit int) ([]*storage.PeerRecord, error) {
	return a.store.ListPeers(limit)
}

// LoadRecentPeers loads peers seen within the given duration.
func (a *PeerStoreAdapter) LoadRecentPeers(since time.Duration, limit int) ([]*storage.PeerRecord, error) {
	return a.store.ListRecentPeers(since, limit)
}

// PeerCount returns the number of known peers.
func (a *PeerStoreAdapter) PeerCount() (int, error) {
	return a.store.PeerCount()
}

// LoadPersistedPeers seeds the libp2p peerstore with peers seen in the
// last 7 days (capped at 100), so reconnect attempts have addresses to
// try before any fresh discovery completes.
func (t *Transport) LoadPersistedPeers() error {
	t.mu.RLock()
	adapter := t.peerStoreAdapter
	t.mu.RUnlock()

	if adapter == nil {
		return nil
	}

	records, err := adapter.LoadRecentPeers(7*24*time.Hour, 100)
	if err != nil {
		return err
	}

	loaded := 0
	for _, record := range records {
		peerID, err := peer.Decode(record.PeerID)
		if err != nil {
			t.log.Debug("invalid peer ID in storage", "peer", record.PeerID, "error", err)
			continue
		}
		if peerID == t.host.ID() {
			continue
		}

		addrs := make([]multiaddr.Multiaddr, 0, len(record.Addresses))
		for _, addrStr := range record.Addresses {
			addr, err := multiaddr.NewMultiaddr(addrStr)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		if len(addrs) == 0 {
			continue
		}

		t.host.Peerstore().AddAddrs(peerID, addrs, peerstore.TempAddrTTL)
		loaded++
	}

	if loaded > 0 {
		t.log.Info("loaded persisted peers", "count", loaded)
	}

	return nil
}

// SavePeerCache persists the current libp2p peerstore contents.
func (t *Transport) SavePeerCache() error {
	t.mu.RLock()
	adapter := t.peerStoreAdapter
	t.mu.RUnlock()

	if adapter == nil {
		return nil
	}

	peers := t.host.Peerstore().Peers()
	saved := 0

	for _, peerID := range peers {
		if peerID == t.host.ID() {
			continue
		}

		addrs := t.host.Peerstore().Addrs(peerID)
		if len(addrs) == 0 {
			continue
		}

		if err := adapter.SavePeer(peerID, addrs, false); err != nil {
			t.log.Debug("failed to save peer", "peer", shortID(peerID), "error", err)
			continue
		}
		saved++
	}

	if saved > 0 {
		t.log.Info("saved peer cache", "count", saved)
	}

	return nil
}

func (t *Transport) savePeerOnConnect(peerID peer.ID) {
	t.mu.RLock()
	adapter := t.peerStoreAdapter
	t.mu.RUnlock()

	if adapter == nil {
		return
	}

	addrs := t.host.Peerstore().Addrs(peerID)
	if len(addrs) == 0 {
		return
	}

	if err := adapter.SavePeer(peerID, addrs, false); err != nil {
		t.log.Debug("failed to save connected peer", "error", err)
	}
	adapter.UpdatePeerConnected(peerID)
}
