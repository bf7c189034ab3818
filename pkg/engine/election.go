package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/graphkit/pkg/store"
)

// ArchiveLease is the lease that picks the single daemon allowed to archive
// the commit log of a shared store.
const ArchiveLease = "graphkit-archiver"

// ElectionManager keeps trying to hold a named lease and reports whether this
// instance currently holds it.
type ElectionManager struct {
	store     store.LeaseStore
	holderID  string
	leaseName string
	ttl       time.Duration
	logger    *slog.Logger

	onPromote func()
	onDemote  func()

	mu       sync.RWMutex
	isLeader bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewElectionManager creates a new ElectionManager instance. The lease is
// attempted every ttl/2; onPromote and onDemote run on leadership changes
// and may be nil.
func NewElectionManager(
	store store.LeaseStore,
	holderID string,
	leaseName string,
	ttl time.Duration,
	onPromote func(),
	onDemote func(),
) *ElectionManager {
	return &ElectionManager{
		store:     store,
		holderID:  holderID,
		leaseName: leaseName,
		ttl:       ttl,
		logger:    slog.Default(),
		onPromote: onPromote,
		onDemote:  onDemote,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetLogger replaces the default logger. Call it before Start.
func (em *ElectionManager) SetLogger(l *slog.Logger) { em.logger = l }

// Start runs the first attempt right away and keeps the election loop going
// in the background until Stop or ctx cancellation.
func (em *ElectionManager) Start(ctx context.Context) {
	em.logger.Info("election started", "holder", em.holderID, "lease", em.leaseName, "ttl", em.ttl)
	go func() {
		defer close(em.done)
		ticker := time.NewTicker(em.ttl / 2)
		defer ticker.Stop()

		em.attemptElection(ctx)
		for {
			select {
			case <-ticker.C:
				em.attemptElection(ctx)
			case <-em.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop started by Start and releases the lease if this instance holds it.
// onDemote is not called.
func (em *ElectionManager) Stop(ctx context.Context) {
	em.stopOnce.Do(func() { close(em.stopCh) })
	<-em.done

	em.mu.Lock()
	wasLeader := em.isLeader
	em.isLeader = false
	em.mu.Unlock()
	GraphkitLeader.WithLabelValues(em.leaseName).Set(0)

	if wasLeader {
		if err := em.store.Release(ctx, em.leaseName, em.holderID); err != nil {
			em.logger.Error("failed to release lease", "error", err, "holder", em.holderID, "lease", em.leaseName)
		} else {
			em.logger.Info("lease released", "holder", em.holderID, "lease", em.leaseName)
		}
	}
	em.logger.Info("election stopped", "holder", em.holderID, "lease", em.leaseName)
}

// IsLeader returns true if this instance is currently the leader.
func (em *ElectionManager) IsLeader() bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.isLeader
}

func (em *ElectionManager) attemptElection(ctx context.Context) {
	em.mu.RLock()
	wasLeader := em.isLeader
	em.mu.RUnlock()

	var leader bool
	if wasLeader {
		if err := em.store.Renew(ctx, em.leaseName, em.holderID, em.ttl); err != nil {
			em.logger.Warn("failed to renew lease", "error", err, "holder", em.holderID, "lease", em.leaseName)
		} else {
			leader = true
		}
	} else {
		ok, err := em.store.Acquire(ctx, em.leaseName, em.holderID, em.ttl)
		switch {
		case err != nil:
			em.logger.Warn("failed to acquire lease", "error", err, "holder", em.holderID, "lease", em.leaseName)
		case ok:
			leader = true
		default:
			em.logger.Debug("lease held by another instance", "holder", em.holderID, "lease", em.leaseName)
		}
	}

	em.mu.Lock()
	em.isLeader = leader
	em.mu.Unlock()

	switch {
	case !wasLeader && leader:
		GraphkitLeader.WithLabelValues(em.leaseName).Set(1)
		em.logger.Info("promoted to leader", "holder", em.holderID, "lease", em.leaseName)
		if em.onPromote != nil {
			em.onPromote()
		}
	case wasLeader && !leader:
		GraphkitLeader.WithLabelValues(em.leaseName).Set(0)
		em.logger.Info("demoted from leader", "holder", em.holderID, "lease", em.leaseName)
		if em.onDemote != nil {
			em.onDemote()
		}
	}
}
