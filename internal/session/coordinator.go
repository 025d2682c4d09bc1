package session

// SetCoordinator records which signer index (and its peer id) acts as
// coordinator for this session. It is idempotent on repeated calls with
// the same index, and overwrites on failover.
func (s *Session) SetCoordinator(index int, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coordinatorIndex = index
	s.coordinatorPeerID = peerID
	s.coordinatorSet = true
}

// Coordinator returns the current coordinator's signer index and peer id.
// ok is false if no coordinator has been established yet.
func (s *Session) Coordinator() (index int, peerID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinatorIndex, s.coordinatorPeerID, s.coordinatorSet
}

// IAmCoordinator reports whether the local participant is the current
// coordinator for this session.
func (s *Session) IAmCoordinator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinatorSet && s.coordinatorIndex == s.myIndex
}

// NextFailoverAttempt increments and returns the failover attempt
// counter. Callers compare the result against their configured maximum
// to decide whether to raise FailoverExhausted.
func (s *Session) NextFailoverAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failoverAttempts++
	return s.failoverAttempts
}

// FailoverAttempts returns the current failover attempt count.
func (s *Session) FailoverAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failoverAttempts
}
