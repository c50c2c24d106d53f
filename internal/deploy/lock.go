package deploy

import (
	"context"
	"sync"

	"github.com/more-free/marathon-core/internal/coreerr"
)

// LockManager holds per-app advisory locks: a deployment must acquire
// every affected app id before it may act, and a forced deployment
// may steal locks already held, canceling whatever deployment held
// them.
type LockManager struct {
	mu      sync.Mutex
	holders map[string]string // appID -> deploymentID
	cancels map[string]context.CancelFunc
}

func NewLockManager() *LockManager {
	return &LockManager{holders: make(map[string]string), cancels: make(map[string]context.CancelFunc)}
}

// Acquire locks every id in appIDs for deploymentID. Without force, a
// single already-held id fails the whole acquisition with AppLocked.
// With force, held ids are reassigned to deploymentID and their prior
// holders are returned so the caller can cancel them.
func (lm *LockManager) Acquire(deploymentID string, appIDs []string, force bool) (superseded []string, err error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !force {
		for _, id := range appIDs {
			if holder, held := lm.holders[id]; held && holder != deploymentID {
				return nil, coreerr.Locked(id, holder)
			}
		}
	}

	seen := make(map[string]struct{})
	for _, id := range appIDs {
		if holder, held := lm.holders[id]; held && holder != deploymentID {
			if _, already := seen[holder]; !already {
				seen[holder] = struct{}{}
				superseded = append(superseded, holder)
			}
		}
		lm.holders[id] = deploymentID
	}
	return superseded, nil
}

// Release drops deploymentID's hold on every id it still owns.
func (lm *LockManager) Release(deploymentID string, appIDs []string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, id := range appIDs {
		if lm.holders[id] == deploymentID {
			delete(lm.holders, id)
		}
	}
}

// RegisterCancel associates a cancel func with a running deployment so
// a superseding forced deployment can stop it.
func (lm *LockManager) RegisterCancel(deploymentID string, cancel context.CancelFunc) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.cancels[deploymentID] = cancel
}

func (lm *LockManager) UnregisterCancel(deploymentID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.cancels, deploymentID)
}

// Cancel invokes deploymentID's registered cancel func, if any.
func (lm *LockManager) Cancel(deploymentID string) bool {
	lm.mu.Lock()
	cancel, ok := lm.cancels[deploymentID]
	lm.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
