package security

import "errors"

var (
	ErrMessageTooLarge   = errors.New("security: message exceeds size cap")
	ErrTimestampSkew     = errors.New("security: timestamp outside allowed skew")
	ErrExpired           = errors.New("security: message has expired")
	ErrSignatureInvalid  = errors.New("security: self-signature verification failed")
	ErrRateLimited       = errors.New("security: per-peer rate limit exceeded")
	ErrReplayDetected    = errors.New("security: sequence number not strictly increasing")
	ErrBlacklisted       = errors.New("security: peer is blacklisted")
)
