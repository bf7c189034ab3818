package store

import (
	"context"
	"errors"
	"time"

	"github.com/rmax-ai/graphkit/pkg/graph"
)

// Commit is one persisted change log with the sequence number the store
// assigned to it.
type Commit struct {
	Seq int64            `json:"seq"`
	Log *graph.ChangeLog `json:"log"`
}

// Membership namespaces in the memberships table.
const (
	namespaceTag   = "tag"
	namespaceGroup = "group"
)

var _ graph.Storage = (*Store)(nil)

// Lease is a named, time-limited claim held by one daemon.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	// Epoch increases every time the lease changes hands.
	Epoch int64 `json:"epoch"`
	// Version increases on every acquire or renew.
	Version int64 `json:"version"`
}

// LeaseStore defines the interface for acquiring and renewing leases.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of a lease held by holderID. It returns
	// ErrLeaseLost if the lease expired and was taken by another holder.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release gives the lease up if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// GetLease returns the current lease, or nil if nobody holds it.
	GetLease(ctx context.Context, name string) (*Lease, error)
}

// ErrLeaseLost is returned by Renew when holderID no longer holds the lease.
var ErrLeaseLost = errors.New("lease lost or stolen")

var _ LeaseStore = (*Store)(nil)
