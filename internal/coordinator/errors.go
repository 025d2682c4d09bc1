package coordinator

import "errors"

var (
	ErrUnknownSession    = errors.New("coordinator: no session with that id")
	ErrFailoverExhausted = errors.New("coordinator: failover attempts exceeded participant count")
	ErrRosterClosed      = errors.New("coordinator: roster already closed, late joiner rejected")
	ErrNotRequiredSigner = errors.New("coordinator: local key is not among the signing request's required keys")
	ErrAborted           = errors.New("coordinator: remote peer sent abort")
)
