package discovery

import (
	"context"
	"math"
	"sort"
	"time"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two
// lat/lon points in kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// ReputationLookup resolves a peer's current reputation score, so
// FindSigners can filter and sort without importing internal/security
// directly (kept decoupled — discovery only needs a score, not the
// whole manager).
type ReputationLookup func(peerID string) int

// noopReputation stands in while no lookup has been set through
// SetReputationLookup: every peer then scores 0, so a positive
// MinReputation excludes every advertisement, and the sort leaves results
// in cache order.
var noopReputation ReputationLookup = func(string) int { return 0 }

// FindSigners implements musigFindSigners / the spec §4.5 "Lookup"
// one-shot query. It filters the local cache by criteria (a live
// deployment merges in results from a DHT provider-record query; this
// implementation queries the cache, which is kept warm by Publish and
// Subscribe, and is where a DHT-backed provider lookup would feed its
// results in before this filtering step). Results are sorted by
// reputation descending, cache order as tie-break, then truncated to
// maxResults (0 means unlimited).
func (s *Service) FindSigners(ctx context.Context, criteria Criteria, maxResults int) ([]*Advertisement, error) {
	return s.findSignersWithReputation(ctx, criteria, maxResults, s.reputationOf)
}

func (s *Service) reputationOf(peerID string) int {
	if s.repLookup != nil {
		return s.repLookup(peerID)
	}
	return noopReputation(peerID)
}

// SetReputationLookup wires a reputation source (typically
// internal/security.Manager.Score) for sorting FindSigners results.
func (s *Service) SetReputationLookup(fn ReputationLookup) {
	s.repLookup = fn
}

func (s *Service) findSignersWithReputation(_ context.Context, criteria Criteria, maxResults int, repOf ReputationLookup) ([]*Advertisement, error) {
	now := time.Now()
	candidates := s.cache.All()

	matched := make([]*Advertisement, 0, len(candidates))
	for _, ad := range candidates {
		if now.After(time.Unix(ad.ExpiresAt, 0)) {
			continue
		}
		if !matches(ad, criteria) {
			continue
		}
		if criteria.MinReputation != 0 && repOf(ad.PeerID) < criteria.MinReputation {
			continue
		}
		matched = append(matched, ad)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return repOf(matched[i].PeerID) > repOf(matched[j].PeerID)
	})

	if maxResults > 0 && len(matched) > maxResults {
		matched = matched[:maxResults]
	}
	return matched, nil
}

func matches(ad *Advertisement, criteria Criteria) bool {
	if len(criteria.TxKinds) > 0 && criteria.TxKinds[0] != "*" {
		found := false
		for _, want := range criteria.TxKinds {
			for _, have := range ad.Criteria.TxKinds {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}

	if criteria.MinAmount > 0 && ad.Criteria.MaxAmount > 0 && ad.Criteria.MaxAmount < criteria.MinAmount {
		return false
	}
	if criteria.MaxAmount > 0 && ad.Criteria.MinAmount > 0 && ad.Criteria.MinAmount > criteria.MaxAmount {
		return false
	}

	if criteria.RadiusKm > 0 {
		d := haversineKm(criteria.Latitude, criteria.Longitude, ad.Criteria.Latitude, ad.Criteria.Longitude)
		if d > criteria.RadiusKm {
			return false
		}
	}

	for k, v := range criteria.Tags {
		if ad.Metadata[k] != v {
			return false
		}
	}

	return true
}
