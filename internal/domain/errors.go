package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidOrder   = errors.New("invalid order parameters")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrContextDone    = errors.New("context cancelled")
	ErrReconciliation = errors.New("reconciliation divergence")
	ErrEntriesHalted  = errors.New("new entries halted for symbol")
	ErrPersistence    = errors.New("persistence failure")
	ErrLockHeld       = errors.New("lock already held")
)
