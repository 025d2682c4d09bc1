package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/lotusia/musigcoord/internal/storage"
	"github.com/lotusia/musigcoord/pkg/logging"
)

// Transport is a libp2p-backed coordinator node: it owns the host, the
// Kademlia DHT, GossipSub, and mDNS local discovery, and is the base
// every direct-stream/retry/encryption piece in this package builds on.
type Transport struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *Config
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	peerStoreAdapter *PeerStoreAdapter

	streamHandler *StreamHandler
	sender        *Sender
	retryWorker   *RetryWorker
	peerMonitor   *PeerMonitor

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	onPeerConnected    func(peer.ID)
	onPeerDisconnected func(peer.ID)

	mu sync.RWMutex
}

// New builds a Transport: loads or generates the node's identity key,
// constructs the libp2p host with the configured transports/muxers/
// security, and brings up the DHT, GossipSub, and (if enabled) mDNS.
func New(ctx context.Context, cfg *Config) (*Transport, error) {
	ctx, cancel := context.WithCancel(ctx)

	t := &Transport{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("transport"),
	}

	privKey, err := t.loadOrCreateKey()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load/create key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.ListenAddrs))
	for _, addr := range cfg.Network.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Network.ConnMgr.LowWater,
		cfg.Network.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.Network.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}

	if cfg.Network.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.Network.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.Network.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	t.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			t.mu.RLock()
			cb := t.onPeerConnected
			adapter := t.peerStoreAdapter
			t.mu.RUnlock()

			if cb != nil {
				go cb(conn.RemotePeer())
			}
			if adapter != nil {
				go t.savePeerOnConnect(conn.RemotePeer())
			}
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			t.mu.RLock()
			cb := t.onPeerDisconnected
			t.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
	})

	if cfg.Network.EnableDHT {
		if err := t.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize DHT: %w", err)
		}
	}

	if err := t.initPubSub(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	if cfg.Network.EnableMDNS {
		if err := t.initMDNS(); err != nil {
			t.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	return t, nil
}

func (t *Transport) loadOrCreateKey() (crypto.PrivKey, error) {
	keyPath := t.config.Identity.KeyFile
	if !filepath.IsAbs(keyPath) {
		dataDir := expandPath(t.config.Storage.DataDir)
		keyPath = filepath.Join(dataDir, keyPath)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	t.log.Info("generated new node identity")
	return privKey, nil
}

func (t *Transport) initDHT(ctx context.Context) error {
	var err error
	t.dht, err = dht.New(ctx, t.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(DHTPrefix)),
	)
	if err != nil {
		return err
	}

	if err := t.dht.Bootstrap(ctx); err != nil {
		return err
	}

	t.routingDisc = drouting.NewRoutingDiscovery(t.dht)
	return nil
}

func (t *Transport) initPubSub(ctx context.Context) error {
	var err error
	t.pubsub, err = pubsub.NewGossipSub(ctx, t.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	return err
}

func (t *Transport) initMDNS() error {
	t.mdnsService = mdns.NewMdnsService(t.host, DiscoveryNamespace, t)
	return t.mdnsService.Start()
}

// HandlePeerFound is invoked by mDNS when a local-network peer appears.
func (t *Transport) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == t.host.ID() {
		return
	}

	t.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
		defer cancel()
		if err := t.host.Connect(ctx, pi); err != nil {
			t.log.Debug("failed to connect to mDNS peer", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Start connects to configured bootstrap peers and begins rendezvous
// advertisement/discovery via the DHT.
func (t *Transport) Start() error {
	t.startTime = time.Now()

	for _, addrStr := range t.config.Network.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			t.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}

		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			t.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}

		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(t.ctx, 30*time.Second)
			defer cancel()
			if err := t.host.Connect(ctx, pi); err != nil {
				t.log.Warn("failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
			} else {
				t.log.Info("connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if t.routingDisc != nil {
		go func() {
			dutil.Advertise(t.ctx, t.routingDisc, DiscoveryNamespace)
		}()
		go t.discoverPeers()
	}

	return nil
}

// discoverPeers periodically looks up the shared rendezvous namespace
// in the DHT and connects to any peer not already connected.
func (t *Transport) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(t.ctx, t.routingDisc, DiscoveryNamespace)
			if err != nil {
				continue
			}

			for _, pi := range peers {
				if pi.ID == t.host.ID() {
					continue
				}
				if t.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}

				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
					defer cancel()
					t.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// SetupMessaging wires the direct-stream handler, hybrid sender, retry
// worker, and peer-reconnect monitor on top of the host/DHT/PubSub
// already constructed by New. It must be called before Start and
// returns the Sender that satisfies coordinator.Sender.
func (t *Transport) SetupMessaging(store *storage.Storage, dispatcher Dispatcher) (*Sender, error) {
	t.streamHandler = NewStreamHandler(t, store, dispatcher)
	if err := t.streamHandler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start stream handler: %w", err)
	}

	encryptor, err := NewMessageEncryptor(t.host.Peerstore().PrivKey(t.host.ID()), t.host.ID())
	if err != nil {
		t.log.Warn("failed to create message encryptor, encrypted PubSub fallback disabled", "error", err)
	}

	encTopic, err := t.pubsub.Join(SessionEncryptedTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join encrypted session topic: %w", err)
	}

	t.sender = NewSender(t, store, t.streamHandler, encryptor, encTopic, dispatcher, DefaultSenderConfig())
	if err := t.sender.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sender: %w", err)
	}

	t.retryWorker = NewRetryWorker(t, store, t.sender, DefaultRetryWorkerConfig())
	t.retryWorker.Start()

	t.peerMonitor = NewPeerMonitor(t, store, t.sender)
	if err := t.peerMonitor.Start(); err != nil {
		t.log.Warn("failed to start peer monitor", "error", err)
	}

	t.log.Info("messaging layer initialized")
	return t.sender, nil
}

// Stop tears the transport down in dependency order: retry/monitor
// loops, direct-stream handler, discovery services, then the host.
func (t *Transport) Stop() error {
	t.cancel()

	if t.retryWorker != nil {
		t.retryWorker.Stop()
	}
	if t.peerMonitor != nil {
		t.peerMonitor.Stop()
	}
	if t.streamHandler != nil {
		t.streamHandler.Stop()
	}
	if t.mdnsService != nil {
		t.mdnsService.Close()
	}
	if t.dht != nil {
		t.dht.Close()
	}

	return t.host.Close()
}

// ID returns the transport's peer ID.
func (t *Transport) ID() peer.ID { return t.host.ID() }

// Addrs returns the node's listen addresses.
func (t *Transport) Addrs() []multiaddr.Multiaddr { return t.host.Addrs() }

// Host returns the underlying libp2p host.
func (t *Transport) Host() host.Host { return t.host }

// DHT returns the Kademlia DHT, or nil if disabled.
func (t *Transport) DHT() *dht.IpfsDHT { return t.dht }

// PubSub returns the GossipSub instance.
func (t *Transport) PubSub() *pubsub.PubSub { return t.pubsub }

// Peers returns the list of currently connected peers.
func (t *Transport) Peers() []peer.ID { return t.host.Network().Peers() }

// PeerCount returns the number of currently connected peers.
func (t *Transport) PeerCount() int { return len(t.host.Network().Peers()) }

// Connect dials a peer directly.
func (t *Transport) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return t.host.Connect(ctx, pi)
}

// ConnectByAddr connects to a peer given as a /p2p/ multiaddr string.
func (t *Transport) ConnectByAddr(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}

	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("invalid peer addr info: %w", err)
	}

	return t.host.Connect(ctx, *pi)
}

// OnPeerConnected sets the callback invoked when any peer connects.
func (t *Transport) OnPeerConnected(cb func(peer.ID)) {
	t.mu.Lock()
	t.onPeerConnected = cb
	t.mu.Unlock()
}

// OnPeerDisconnected sets the callback invoked when any peer disconnects.
func (t *Transport) OnPeerDisconnected(cb func(peer.ID)) {
	t.mu.Lock()
	t.onPeerDisconnected = cb
	t.mu.Unlock()
}

// Uptime returns how long the transport has been running.
func (t *Transport) Uptime() time.Duration { return time.Since(t.startTime) }

// Config returns the transport's configuration.
func (t *Transport) Config() *Config { return t.config }

// SetPeerStoreAdapter wires in persistent peer-cache storage.
func (t *Transport) SetPeerStoreAdapter(adapter *PeerStoreAdapter) {
	t.mu.Lock()
	t.peerStoreAdapter = adapter
	t.mu.Unlock()
}

// shortID truncates a peer ID for compact log lines.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
