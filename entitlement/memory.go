package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. Used by tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[int]Record
	payments map[string]int
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int]Record), payments: make(map[string]int), now: time.Now}
}

// Put stores r as is.
func (m *MemoryStore) Put(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.UserID] = r
}

func (m *MemoryStore) Get(_ context.Context, userID int) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) FindByCorrelationKey(_ context.Context, correlationKey string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if correlationKey == "" {
		return nil, ErrNotFound
	}
	for _, r := range m.records {
		if r.CorrelationKey == correlationKey {
			r := r
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateIfNewer(_ context.Context, userID int, u Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownedByOther(userID, u.CorrelationKey) {
		return false, ErrCorrelationConflict
	}
	var current *Record
	if r, ok := m.records[userID]; ok {
		current = &r
	}
	if !Supersedes(current, u) {
		return false, nil
	}
	m.records[userID] = u.Apply(userID, m.now())
	return true, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, userID int, prevTransactionID string, u Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownedByOther(userID, u.CorrelationKey) {
		return false, ErrCorrelationConflict
	}
	if r, ok := m.records[userID]; ok {
		if r.LatestTransactionID != prevTransactionID {
			return false, nil
		}
	} else if prevTransactionID != "" {
		return false, nil
	}
	if u.TransactionID != "" {
		if _, ok := m.payments[u.TransactionID]; ok {
			return false, ErrPaymentApplied
		}
		m.payments[u.TransactionID] = userID
	}
	m.records[userID] = u.Apply(userID, m.now())
	return true, nil
}

func (m *MemoryStore) FindDirectPayment(_ context.Context, paymentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.payments[paymentID]
	if !ok {
		return 0, ErrNotFound
	}
	return userID, nil
}

func (m *MemoryStore) ListExpiredCandidates(_ context.Context, now time.Time, limit int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Record
	for _, r := range m.records {
		if r.Status == StatusActive && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]int, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}

func (m *MemoryStore) ExpireIfDue(_ context.Context, userID int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok || r.Status != StatusActive || r.ExpiresAt == nil || r.ExpiresAt.After(now) {
		return false, nil
	}
	r.Status = StatusExpired
	r.IsActive = false
	r.UpdatedAt = m.now()
	m.records[userID] = r
	return true, nil
}

func (m *MemoryStore) CreateEmpty(_ context.Context, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[userID]; !ok {
		m.records[userID] = Record{UserID: userID, Status: StatusExpired, UpdatedAt: m.now()}
	}
	return nil
}

func (m *MemoryStore) ownedByOther(userID int, correlationKey string) bool {
	if correlationKey == "" {
		return false
	}
	for id, r := range m.records {
		if id != userID && r.CorrelationKey == correlationKey {
			return true
		}
	}
	return false
}
