package transport

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lotusia/musigcoord/internal/storage"
	"github.com/lotusia/musigcoord/pkg/logging"
)

// RetryWorkerConfig controls the background poll/cleanup cadence for
// undelivered outbox messages.
type RetryWorkerConfig struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	BufferDuration  time.Duration
	RetentionPeriod time.Duration
}

// DefaultRetryWorkerConfig returns the worker's default schedule.
func DefaultRetryWorkerConfig() RetryWorkerConfig {
	return RetryWorkerConfig{
		PollInterval:    5 * time.Second,
		CleanupInterval: time.Hour,
		BatchSize:       50,
		BufferDuration:  time.Hour,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// RetryWorker periodically retries due outbox messages and prunes
// terminal ones older than the retention period.
type RetryWorker struct {
	transport *Transport
	storage   *storage.Storage
	sender    *Sender
	config    RetryWorkerConfig
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRetryWorker constructs a retry worker. Call Start to begin its loop.
func NewRetryWorker(t *Transport, store *storage.Storage, sender *Sender, cfg RetryWorkerConfig) *RetryWorker {
	ctx, cancel := context.WithCancel(context.Background())

	return &RetryWorker{
		transport: t,
		storage:   store,
		sender:    sender,
		config:    cfg,
		log:       logging.GetDefault().Component("retry-worker"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the worker's poll/cleanup loop in the background.
func (w *RetryWorker) Start() {
	go w.run()
}

// Stop halts the worker.
func (w *RetryWorker) Stop() {
	w.cancel()
}

func (w *RetryWorker) run() {
	retryTicker := time.NewTicker(w.config.PollInterval)
	defer retryTicker.Stop()

	cleanupTicker := time.NewTicker(w.config.CleanupInterval)
	defer cleanupTicker.Stop()

	w.cleanupOldMessages()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-retryTicker.C:
			w.processRetries()
		case <-cleanupTicker.C:
			w.cleanupOldMessages()
		}
	}
}

func (w *RetryWorker) cleanupOldMessages() {
	olderThan := time.Now().Add(-w.config.RetentionPeriod).Unix()

	if n, err := w.storage.CleanupOldMessages(olderThan); err != nil {
		w.log.Warn("failed to clean up outbox", "error", err)
	} else if n > 0 {
		w.log.Info("cleaned up old outbox messages", "count", n)
	}

	if n, err := w.storage.CleanupOldInboxMessages(olderThan); err != nil {
		w.log.Warn("failed to clean up inbox", "error", err)
	} else if n > 0 {
		w.log.Info("cleaned up old inbox messages", "count", n)
	}
}

// CleanupOldMessages exposes a one-shot outbox cleanup for callers
// outside the worker's own loop (e.g. a CLI maintenance command).
func (w *RetryWorker) CleanupOldMessages() (int64, error) {
	olderThan := time.Now().Add(-w.config.RetentionPeriod).Unix()
	return w.storage.CleanupOldMessages(olderThan)
}

func (w *RetryWorker) processRetries() {
	now := time.Now().Unix()

	if err := w.storage.ExpireOldMessages(now, int64(w.config.BufferDuration.Seconds())); err != nil {
		w.log.Warn("failed to expire old messages", "error", err)
	}

	pending, err := w.storage.GetPendingMessages(now)
	if err != nil {
		w.log.Warn("failed to load pending messages", "error", err)
		return
	}

	for _, msg := range pending {
		peerID, err := peer.Decode(msg.PeerID)
		if err != nil {
			w.storage.MarkMessageFailed(msg.MessageID, "invalid peer id")
			continue
		}

		if w.transport.Host().Network().Connectedness(peerID) != network.Connected {
			ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
			if addrInfo, err := w.transport.DHT().FindPeer(ctx, peerID); err == nil {
				w.transport.Host().Connect(ctx, addrInfo)
			}
			cancel()
		}

		if w.transport.Host().Network().Connectedness(peerID) != network.Connected {
			w.scheduleRetry(msg.MessageID, msg.RetryCount)
			continue
		}

		w.sender.RetryMessage(w.ctx, msg)
	}
}

func (w *RetryWorker) scheduleRetry(messageID string, retryCount int) {
	next := w.calculateNextRetry(retryCount)
	if err := w.storage.ScheduleRetry(messageID, time.Now().Add(next).Unix()); err != nil {
		w.log.Warn("failed to schedule retry", "message_id", messageID, "error", err)
	}
}

func (w *RetryWorker) calculateNextRetry(retryCount int) time.Duration {
	interval := 10 * time.Second
	for i := 0; i < retryCount; i++ {
		interval *= 2
		if interval > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return interval
}
