package ledger

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process memory. It is safe for concurrent
// use and is the default store for tests and single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	expenses    map[uuid.UUID]Expense
	households  map[uuid.UUID][]uuid.UUID
	settlements map[uuid.UUID][]Settlement
	adjustments map[uuid.UUID][]Adjustment
	adjExpense  map[uuid.UUID]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		expenses:    make(map[uuid.UUID]Expense),
		households:  make(map[uuid.UUID][]uuid.UUID),
		settlements: make(map[uuid.UUID][]Settlement),
		adjustments: make(map[uuid.UUID][]Adjustment),
		adjExpense:  make(map[uuid.UUID]uuid.UUID),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateExpense(_ context.Context, e Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.expenses[e.ID]; ok {
		return ErrConcurrentModification
	}
	m.expenses[e.ID] = cloneExpense(e)
	m.households[e.HouseholdID] = append(m.households[e.HouseholdID], e.ID)
	return nil
}

func (m *MemoryStore) UpdateExpense(_ context.Context, e Expense, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.current(e.ID, expectedVersion); err != nil {
		return err
	}
	m.expenses[e.ID] = cloneExpense(e)
	return nil
}

func (m *MemoryStore) DeleteExpense(_ context.Context, id uuid.UUID, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.current(id, expectedVersion)
	if err != nil {
		return err
	}
	if len(m.settlements[id]) > 0 || len(m.adjustments[id]) > 0 {
		return ErrConcurrentModification
	}
	delete(m.expenses, id)
	m.households[cur.HouseholdID] = slices.DeleteFunc(m.households[cur.HouseholdID], func(x uuid.UUID) bool {
		return x == id
	})
	return nil
}

func (m *MemoryStore) AppendSettlement(_ context.Context, s Settlement, e Expense, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.current(e.ID, expectedVersion)
	if err != nil {
		return err
	}
	m.settlements[e.ID] = append(m.settlements[e.ID], cloneSettlement(s))
	m.expenses[e.ID] = withState(cur, e)
	return nil
}

func (m *MemoryStore) AppendAdjustment(_ context.Context, a Adjustment, e Expense, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.current(e.ID, expectedVersion)
	if err != nil {
		return err
	}
	m.adjustments[e.ID] = append(m.adjustments[e.ID], cloneAdjustment(a))
	m.adjExpense[a.ID] = e.ID
	m.expenses[e.ID] = withState(cur, e)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, expenseID uuid.UUID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.record(expenseID)
}

func (m *MemoryStore) LoadAdjustment(_ context.Context, adjustmentID uuid.UUID) (Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	expenseID, ok := m.adjExpense[adjustmentID]
	if !ok {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	for _, a := range m.adjustments[expenseID] {
		if a.ID == adjustmentID {
			return cloneAdjustment(a), nil
		}
	}
	return Adjustment{}, ErrAdjustmentNotFound
}

func (m *MemoryStore) Snapshot(_ context.Context, householdID uuid.UUID) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.households[householdID]
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := m.record(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *MemoryStore) current(id uuid.UUID, expectedVersion int64) (Expense, error) {
	cur, ok := m.expenses[id]
	if !ok {
		return Expense{}, ErrExpenseNotFound
	}
	if cur.Version != expectedVersion {
		return Expense{}, ErrConcurrentModification
	}
	return cur, nil
}

func (m *MemoryStore) record(id uuid.UUID) (Record, error) {
	e, ok := m.expenses[id]
	if !ok {
		return Record{}, ErrExpenseNotFound
	}
	rec := Record{Expense: cloneExpense(e)}
	for _, s := range m.settlements[id] {
		rec.Settlements = append(rec.Settlements, cloneSettlement(s))
	}
	for _, a := range m.adjustments[id] {
		rec.Adjustments = append(rec.Adjustments, cloneAdjustment(a))
	}
	return rec, nil
}

// withState copies only the mutable bookkeeping fields of next onto cur.
func withState(cur, next Expense) Expense {
	cur.Status = next.Status
	cur.Version = next.Version
	cur.UpdatedAt = next.UpdatedAt
	return cur
}

func cloneExpense(e Expense) Expense {
	e.Contributions = slices.Clone(e.Contributions)
	e.Shares = slices.Clone(e.Shares)
	return e
}

func cloneSettlement(s Settlement) Settlement {
	s.Payees = slices.Clone(s.Payees)
	return s
}

func cloneAdjustment(a Adjustment) Adjustment {
	a.DeltaContributions = slices.Clone(a.DeltaContributions)
	a.DeltaShares = slices.Clone(a.DeltaShares)
	return a
}
