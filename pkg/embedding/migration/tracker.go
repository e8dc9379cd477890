package migration

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

// terminalRetention is how long finished progress records stay visible
const terminalRetention = 5 * time.Minute

// tracker is the in-memory registry of migration progress. It enforces
// the one-active-migration-per-tenant rule and the global concurrency
// cap, and expires terminal records after a retention window.
type tracker struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]*state
	byTenant   map[uuid.UUID]uuid.UUID
	maxActive  int
	activeNow  int
	retention  time.Duration
	cancelFlag map[uuid.UUID]bool
}

type state struct {
	progress Progress
	rollback *RollbackInfo
}

func newTracker(maxActive int) *tracker {
	if maxActive <= 0 {
		maxActive = 3
	}
	return &tracker{
		byID:       make(map[uuid.UUID]*state),
		byTenant:   make(map[uuid.UUID]uuid.UUID),
		maxActive:  maxActive,
		retention:  terminalRetention,
		cancelFlag: make(map[uuid.UUID]bool),
	}
}

// register admits a new migration, enforcing both concurrency invariants
func (t *tracker) register(progress Progress) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existingID, ok := t.byTenant[progress.TenantID]; ok {
		if existing, found := t.byID[existingID]; found && !existing.progress.Status.IsTerminal() {
			return apperrors.Conflict("tenant %s already has migration %s in status %s",
				progress.TenantID, existingID, existing.progress.Status)
		}
	}
	if t.activeNow >= t.maxActive {
		return apperrors.Conflict("migration concurrency cap (%d) reached", t.maxActive)
	}

	t.byID[progress.MigrationID] = &state{progress: progress}
	t.byTenant[progress.TenantID] = progress.MigrationID
	t.activeNow++
	return nil
}

// update applies fn to the stored progress under the lock
func (t *tracker) update(id uuid.UUID, fn func(*Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		return
	}
	wasTerminal := st.progress.Status.IsTerminal()
	fn(&st.progress)
	st.progress.UpdatedAt = time.Now()

	if !wasTerminal && st.progress.Status.IsTerminal() {
		t.activeNow--
		now := time.Now()
		if st.progress.CompletedAt == nil {
			st.progress.CompletedAt = &now
		}
		delete(t.cancelFlag, id)
		time.AfterFunc(t.retention, func() { t.remove(id) })
	}
}

func (t *tracker) remove(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if t.byTenant[st.progress.TenantID] == id {
		delete(t.byTenant, st.progress.TenantID)
	}
}

// get returns a copy of the progress record
func (t *tracker) get(id uuid.UUID) (*Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	copied := st.progress
	return &copied, true
}

// getByTenant returns the tenant's most recent tracked migration
func (t *tracker) getByTenant(tenantID uuid.UUID) (*Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byTenant[tenantID]
	if !ok {
		return nil, false
	}
	st, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	copied := st.progress
	return &copied, true
}

func (t *tracker) setRollback(id uuid.UUID, info *RollbackInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byID[id]; ok {
		st.rollback = info
	}
}

func (t *tracker) getRollback(id uuid.UUID) *RollbackInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byID[id]; ok {
		return st.rollback
	}
	return nil
}

// requestCancel flags a cancellable migration. Returns false when the
// migration is unknown or past the point of cancellation.
func (t *tracker) requestCancel(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		return false
	}
	switch st.progress.Status {
	case StatusPending, StatusPreparing, StatusInProgress:
		t.cancelFlag[id] = true
		return true
	}
	return false
}

func (t *tracker) cancelled(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelFlag[id]
}

// activeCount reports currently non-terminal migrations
func (t *tracker) activeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeNow
}
