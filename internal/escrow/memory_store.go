package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/zamopay/settle/internal/idgen"
	"github.com/zamopay/settle/internal/money"
)

// MemoryStore is an in-memory Store for tests and development. It mirrors
// the Postgres store's semantics, including the jobs-table reservation
// bookkeeping, under a single mutex (the moral equivalent of the business
// row lock).
type MemoryStore struct {
	mu         sync.Mutex
	businesses map[string]*Business
	deposits   map[string]*Deposit
	jobs       map[string]*memJob
}

type memJob struct {
	businessID string
	amount     string
	status     string
	depositID  string // "" means no active reservation
	updatedAt  time.Time
}

// NewMemoryStore creates an empty in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		businesses: make(map[string]*Business),
		deposits:   make(map[string]*Deposit),
		jobs:       make(map[string]*memJob),
	}
}

// PutJob seeds a job row for reservation bookkeeping (tests only).
func (m *MemoryStore) PutJob(jobID, businessID, amount, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = &memJob{businessID: businessID, amount: amount, status: status, updatedAt: time.Now()}
}

// SetJobStatus updates a seeded job's status (tests only).
func (m *MemoryStore) SetJobStatus(jobID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.status = status
		j.updatedAt = time.Now()
	}
}

// TouchJob backdates or refreshes a seeded job's update time (tests only).
func (m *MemoryStore) TouchJob(jobID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.updatedAt = at
	}
}

// SetBalance overwrites a cached balance, simulating drift (tests only).
func (m *MemoryStore) SetBalance(businessID, amount string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.businesses[businessID]; ok {
		b.EscrowBalance = amount
	}
}

// JobReservation returns the deposit reference attached to a job.
func (m *MemoryStore) JobReservation(jobID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.depositID == "" {
		return "", false
	}
	return j.depositID, true
}

func (m *MemoryStore) CreateBusiness(_ context.Context, b *Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = idgen.WithPrefix("biz_")
	}
	cp := *b
	m.businesses[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBusiness(_ context.Context, id string) (*Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[id]
	if !ok {
		return nil, ErrBusinessNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBusinessIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id := range m.businesses {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) IncrementBalance(_ context.Context, businessID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[businessID]
	if !ok {
		return ErrBusinessNotFound
	}
	b.EscrowBalance = money.Add(b.EscrowBalance, amount)
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordDeposit(_ context.Context, d *Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[d.BusinessID]
	if !ok {
		return ErrBusinessNotFound
	}
	if d.ID == "" {
		d.ID = idgen.WithPrefix("dep_")
	}
	cp := *d
	m.deposits[d.ID] = &cp
	b.EscrowBalance = money.Add(b.EscrowBalance, d.AuthorizedAmount)
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, businessID, jobID, amount string) (*Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.businesses[businessID]
	if !ok {
		return nil, ErrBusinessNotFound
	}
	if money.Cmp(b.EscrowBalance, amount) < 0 {
		return nil, ErrInsufficientFunds
	}

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.depositID != "" {
		return nil, ErrAlreadyReserved
	}

	var backing *Deposit
	for _, d := range m.deposits {
		if d.BusinessID != businessID || d.Status != "active" {
			continue
		}
		if backing == nil || d.CreatedAt.After(backing.CreatedAt) {
			backing = d
		}
	}
	if backing == nil {
		return nil, ErrNoActiveDeposit
	}

	b.EscrowBalance = money.Sub(b.EscrowBalance, amount)
	b.UpdatedAt = time.Now()
	j.amount = amount
	j.depositID = backing.ID
	j.updatedAt = time.Now()

	cp := *backing
	return &cp, nil
}

func (m *MemoryStore) Settle(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.depositID == "" {
		return false, nil
	}
	j.depositID = ""
	j.updatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, jobID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(jobID, nil)
}

func (m *MemoryStore) ReleaseStale(_ context.Context, jobID, status string, cutoff time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(jobID, &staleGuard{status: status, cutoff: cutoff})
}

func (m *MemoryStore) releaseLocked(jobID string, guard *staleGuard) (string, bool, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return "", false, ErrJobNotFound
	}
	if j.depositID == "" {
		return "", false, nil
	}
	if guard != nil && (j.status != guard.status || j.updatedAt.After(guard.cutoff)) {
		return "", false, nil
	}
	j.depositID = ""
	j.updatedAt = time.Now()

	b, ok := m.businesses[j.businessID]
	if !ok {
		return "", false, ErrBusinessNotFound
	}
	b.EscrowBalance = money.Add(b.EscrowBalance, j.amount)
	b.UpdatedAt = time.Now()
	return j.amount, true, nil
}

func (m *MemoryStore) Recalculate(_ context.Context, businessID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.businesses[businessID]
	if !ok {
		return "", ErrBusinessNotFound
	}

	total := big.NewInt(0)
	for _, d := range m.deposits {
		if d.BusinessID == businessID && d.Status == "active" {
			amt, _ := money.Parse(d.AuthorizedAmount)
			total.Add(total, amt)
		}
	}
	for _, j := range m.jobs {
		if j.businessID != businessID {
			continue
		}
		amt, _ := money.Parse(j.amount)
		if j.status == "succeeded" {
			total.Sub(total, amt)
		}
		if j.depositID != "" {
			total.Sub(total, amt)
		}
	}

	b.EscrowBalance = money.Format(total)
	b.UpdatedAt = time.Now()
	return b.EscrowBalance, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
