package graph

import "errors"

// Sentinel errors for graph operations.
var (
	ErrNotFound        = errors.New("node not found")
	ErrInvalidMutation = errors.New("invalid mutation")
	ErrCommitFailed    = errors.New("commit failed")
	ErrClosed          = errors.New("graph closed")
)
