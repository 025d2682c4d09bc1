package discovery

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Callback receives advertisements matching a subscription's criteria.
type Callback func(ad *Advertisement)

// Subscription is a handle returned by Subscribe; Unsubscribe tears
// down the underlying processing goroutine.
type Subscription struct {
	cancel context.CancelFunc
}

// Unsubscribe stops delivering further matches to the callback.
func (s *Subscription) Unsubscribe() {
	s.cancel()
}

// Subscribe joins (if not already joined) the topic for each kind named
// in criteria and streams matching advertisements to callback as they
// arrive. When fetchExisting is true, the subscriber first calls
// FindSigners to prime callback with the current cached/DHT view before
// streaming new arrivals, per spec §4.5.
func (s *Service) Subscribe(ctx context.Context, criteria Criteria, fetchExisting bool, callback Callback) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	if fetchExisting {
		existing, err := s.FindSigners(ctx, criteria, 0)
		if err != nil {
			cancel()
			return nil, err
		}
		for _, ad := range existing {
			callback(ad)
		}
	}

	txKinds := criteria.TxKinds
	if len(txKinds) == 0 {
		txKinds = []string{"*"}
	}

	dedup := newSeenIDs()

	for _, kind := range txKinds {
		s.mu.Lock()
		topic, err := s.joinLocked(kind)
		if err != nil {
			s.mu.Unlock()
			cancel()
			return nil, err
		}
		sub, err := topic.Subscribe()
		if err != nil {
			s.mu.Unlock()
			cancel()
			return nil, err
		}
		s.subs[kind] = sub
		s.mu.Unlock()

		go s.processLoop(subCtx, sub, criteria, dedup, callback)
	}

	return &Subscription{cancel: cancel}, nil
}

// processLoop mirrors the teacher's SwapHandler.processMessages loop
// (internal/node/swap_handler.go): read, skip our own publishes,
// unmarshal, filter, dedup, deliver.
func (s *Service) processLoop(ctx context.Context, sub *pubsub.Subscription, criteria Criteria, dedup *seenIDs, callback Callback) {
	selfID := s.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("error receiving discovery message", "error", err)
			continue
		}
		if msg.ReceivedFrom == selfID {
			continue
		}

		var ad Advertisement
		if jsonErr := json.Unmarshal(msg.Data, &ad); jsonErr != nil {
			s.log.Warn("failed to parse advertisement", "error", jsonErr)
			continue
		}

		if s.verifier != nil {
			if err := s.verifier(&ad); err != nil {
				s.log.Warn("advertisement failed verification", "peer", ad.PeerID, "error", err)
				continue
			}
		}

		if dedup.seen(ad.ID) {
			continue
		}

		if !matches(&ad, criteria) {
			continue
		}

		s.cache.Put(&ad)
		callback(&ad)
	}
}

// seenIDs deduplicates advertisements observed via pubsub by
// advertisement id. Every subscription applies it; Subscribe has no
// option to turn it off.
type seenIDs struct {
	ids map[string]struct{}
}

func newSeenIDs() *seenIDs { return &seenIDs{ids: make(map[string]struct{})} }

func (d *seenIDs) seen(id string) bool {
	if _, ok := d.ids[id]; ok {
		return true
	}
	d.ids[id] = struct{}{}
	return false
}
