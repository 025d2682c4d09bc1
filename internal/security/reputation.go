package security

// Penalize subtracts amount from a peer's reputation score. Negative
// amounts are expected (callers pass the named penalty constants); a
// positive amount would raise the score, which no caller currently does
// since the protocol has no positive-reputation events beyond absence
// of misbehavior.
func (m *Manager) Penalize(peerID string, amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peer(peerID).score += amount
}

// PenalizeInvalidSignature penalizes and counts an invalid self-signature.
func (m *Manager) PenalizeInvalidSignature(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.peer(peerID)
	p.score += m.limits.InvalidSignaturePenalty
	p.invalidSignatures++
}

// PenalizeEquivocation penalizes and counts a detected equivocation.
func (m *Manager) PenalizeEquivocation(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.peer(peerID)
	p.score += m.limits.EquivocationPenalty
	p.equivocations++
}

// PenalizeMalformedPayload penalizes a structurally invalid message.
func (m *Manager) PenalizeMalformedPayload(peerID string) {
	m.Penalize(peerID, m.limits.MalformedPayloadPenalty)
}

// PenalizeSequenceGap penalizes a peer whose sequence number jumped by
// more than the configured maximum gap.
func (m *Manager) PenalizeSequenceGap(peerID string) {
	m.Penalize(peerID, m.limits.SequenceGapPenalty)
}

// Score returns a peer's current reputation score (0 if never seen).
func (m *Manager) Score(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		return p.score
	}
	return 0
}

// IsBlacklisted reports whether a peer's score has fallen at or below
// the blacklist threshold; such peers are silently dropped.
func (m *Manager) IsBlacklisted(peerID string) bool {
	return m.Score(peerID) <= m.limits.BlacklistThreshold
}

// IsGraylisted reports whether a peer's score is between the graylist
// and blacklist thresholds; such peers are accepted but deprioritized.
func (m *Manager) IsGraylisted(peerID string) bool {
	score := m.Score(peerID)
	return score <= m.limits.GraylistThreshold && score > m.limits.BlacklistThreshold
}

// InvalidSignatureCount returns how many invalid self-signatures a peer
// has produced, for diagnostics and the "Malformed advertisement"
// testable scenario (spec §8).
func (m *Manager) InvalidSignatureCount(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		return p.invalidSignatures
	}
	return 0
}
