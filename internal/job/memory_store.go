package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Put inserts or replaces a job directly, bypassing transition guards.
// Test helper.
func (m *MemoryStore) Put(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
}

// Touch backdates a job's updated_at. Test helper.
func (m *MemoryStore) Touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.UpdatedAt = at
	}
}

// SetReservation attaches or clears a deposit reference. Test helper.
func (m *MemoryStore) SetReservation(id, depositID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.EscrowDepositID = depositID
	}
}

func (m *MemoryStore) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ClaimPending(_ context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	var due []*Job
	for _, j := range m.jobs {
		if j.Status == StatusPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusProcessing
		j.Attempts++
		j.UpdatedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusPending {
		return nil, ErrStaleTransition
	}
	j.Status = StatusProcessing
	j.Attempts++
	j.UpdatedAt = time.Now()
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string) error {
	return m.transition(id, StatusProcessing, func(j *Job) {
		now := time.Now()
		j.Status = StatusSucceeded
		j.ProcessedAt = &now
		j.ErrorMessage = ""
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, message string) error {
	return m.transition(id, StatusProcessing, func(j *Job) {
		now := time.Now()
		j.Status = StatusFailed
		j.ProcessedAt = &now
		j.ErrorMessage = message
	})
}

func (m *MemoryStore) Reschedule(_ context.Context, id string, runAt time.Time, message string) error {
	return m.transition(id, StatusProcessing, func(j *Job) {
		j.Status = StatusPending
		j.RunAt = runAt
		j.ErrorMessage = message
	})
}

func (m *MemoryStore) transition(id string, require Status, apply func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != require {
		return ErrStaleTransition
	}
	apply(j)
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return m.filter(limit, func(j *Job) bool {
		return j.Status == StatusProcessing && j.UpdatedAt.Before(cutoff)
	})
}

func (m *MemoryStore) FailIfStillStuck(_ context.Context, id string, cutoff time.Time, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusProcessing || !j.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	now := time.Now()
	j.Status = StatusFailed
	j.ProcessedAt = &now
	j.ErrorMessage = message
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ListFailedWithReservation(_ context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return m.filter(limit, func(j *Job) bool {
		return j.Status == StatusFailed && j.EscrowDepositID != "" && j.UpdatedAt.Before(cutoff)
	})
}

func (m *MemoryStore) ListPendingWithReservation(_ context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return m.filter(limit, func(j *Job) bool {
		return j.Status == StatusPending && j.EscrowDepositID != "" && j.UpdatedAt.Before(cutoff)
	})
}

func (m *MemoryStore) ListOrphanedSucceeded(_ context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return m.filter(limit, func(j *Job) bool {
		return j.Status == StatusSucceeded && j.EscrowDepositID != "" && j.UpdatedAt.Before(cutoff)
	})
}

func (m *MemoryStore) filter(limit int, keep func(*Job) bool) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if keep(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
