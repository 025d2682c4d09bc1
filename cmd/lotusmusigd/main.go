// Package main provides the lotusmusigd daemon: a coordinator node
// that discovers other signers, joins MuSig2 signing sessions, and
// produces aggregated Schnorr signatures under the Lotus challenge
// encoding.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lotusia/musigcoord/internal/cleanup"
	"github.com/lotusia/musigcoord/internal/coordinator"
	"github.com/lotusia/musigcoord/internal/discovery"
	"github.com/lotusia/musigcoord/internal/security"
	"github.com/lotusia/musigcoord/internal/storage"
	"github.com/lotusia/musigcoord/internal/transport"
	"github.com/lotusia/musigcoord/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.lotusmusigd", "Data directory")
		configFile     = flag.String("config", "", "Config file path; only its directory is used, and config.yaml there is loaded (default: <data-dir>/config.yaml)")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT discovery")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("lotusmusigd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var cfg *transport.Config
	var err error
	if *configFile != "" {
		cfg, err = transport.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = transport.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	configPath := transport.ConfigPath(*dataDir)
	if *configFile != "" {
		configPath = transport.ConfigPath(filepath.Dir(*configFile))
	}
	log.Info("config loaded", "path", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("storage initialized", "path", dataPath)

	signingKey, err := loadOrCreateSigningKey(dataPath)
	if err != nil {
		log.Fatal("failed to load signing identity", "error", err)
	}
	log.Info("signing identity loaded", "pubkey", hex.EncodeToString(signingKey.PubKey().SerializeCompressed()))

	t, err := transport.New(ctx, cfg)
	if err != nil {
		log.Fatal("failed to create transport", "error", err)
	}

	peerStoreAdapter := transport.NewPeerStoreAdapter(store)
	t.SetPeerStoreAdapter(peerStoreAdapter)
	if err := t.LoadPersistedPeers(); err != nil {
		log.Warn("failed to load persisted peers", "error", err)
	}

	sec := security.NewManager(security.DefaultLimits())

	disco := discovery.New(t.Host(), t.PubSub(), selfSignatureVerifier(sec))

	engineCfg := coordinator.DefaultConfig()
	engine := coordinator.New(t.ID().String(), signingKey, engineCfg, nil, sec)

	sender, err := t.SetupMessaging(store, engine)
	if err != nil {
		log.Fatal("failed to set up messaging", "error", err)
	}
	engine.SetSender(sender)

	sweeper := cleanup.New(engine, disco.Cache(), cleanup.DefaultConfig())
	sweeper.Start()

	if err := t.Start(); err != nil {
		log.Fatal("failed to start transport", "error", err)
	}

	printBanner(log, t, cfg)

	p2pLog := log.Component("p2p")
	t.OnPeerConnected(func(p peer.ID) {
		p2pLog.Info("peer connected", "peer", shortID(p), "total", t.PeerCount())
	})
	t.OnPeerDisconnected(func(p peer.ID) {
		p2pLog.Info("peer disconnected", "peer", shortID(p), "total", t.PeerCount())
	})

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("status", "peers", t.PeerCount(), "sessions", len(engine.Sessions()), "uptime", t.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	if err := t.SavePeerCache(); err != nil {
		log.Error("error saving peer cache", "error", err)
	}

	cancel()
	sweeper.Stop()
	engine.Stop()
	disco.Stop()
	if err := t.Stop(); err != nil {
		log.Error("error during shutdown", "error", err)
	}

	log.Info("goodbye!")
}

// loadOrCreateSigningKey loads the node's secp256k1 MuSig2 signing
// identity from <dataDir>/signing.key, generating one on first run.
// This key is distinct from the transport's libp2p Ed25519 identity.
func loadOrCreateSigningKey(dataDir string) (*btcec.PrivateKey, error) {
	keyPath := filepath.Join(dataDir, "signing.key")

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, err
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	encoded := hex.EncodeToString(priv.Serialize())
	if err := os.WriteFile(keyPath, []byte(encoded+"\n"), 0600); err != nil {
		return nil, err
	}

	return priv, nil
}

// selfSignatureVerifier builds a discovery.Verifier enforcing the
// security manager's size, timestamp, expiry, and BIP340 self-signature
// checks on every advertisement before it enters the cache.
func selfSignatureVerifier(sec *security.Manager) discovery.Verifier {
	return func(ad *discovery.Advertisement) error {
		now := time.Now()

		raw, err := json.Marshal(ad)
		if err != nil {
			return err
		}
		if err := sec.CheckSize(raw); err != nil {
			return err
		}
		if err := sec.CheckTimestamp(ad.CreatedAt, now); err != nil {
			return err
		}
		if err := sec.CheckExpiry(ad.ExpiresAt, now); err != nil {
			return err
		}

		pubKeyBytes, err := hex.DecodeString(ad.PubKeyHex)
		if err != nil {
			return err
		}
		pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
		if err != nil {
			return err
		}

		sigBytes, err := hex.DecodeString(ad.SignatureHex)
		if err != nil {
			return err
		}

		return sec.VerifySelfSignature(pubKey, ad.CanonicalBytes(), sigBytes)
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, t *transport.Transport, cfg *transport.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Lotus MuSig2 Coordinator")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", t.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range t.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), t.ID().String())
	}
	log.Info("")
	log.Infof("  mDNS: %v | DHT: %v", cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
