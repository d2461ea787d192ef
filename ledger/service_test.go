package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIndexer struct {
	mu       sync.Mutex
	requests []IndexRequest
}

func (r *recordingIndexer) Enqueue(req IndexRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
}

type publishedEvent struct {
	eventType string
	household uuid.UUID
	payload   any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (r *recordingNotifier) Publish(_ context.Context, eventType string, household uuid.UUID, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, publishedEvent{eventType: eventType, household: household, payload: payload})
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.eventType)
	}
	return out
}

// flakyStore reports a concurrent modification on the first n appends.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) AppendSettlement(ctx context.Context, s Settlement, e Expense, expectedVersion int64) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return ErrConcurrentModification
	}
	return f.MemoryStore.AppendSettlement(ctx, s, e, expectedVersion)
}

// racingStore lands a settlement by settler right before the first
// adjustment is appended, so that append hits a stale version.
type racingStore struct {
	*MemoryStore
	settler  uuid.UUID
	amount   money.Money
	raced    bool
	attempts int
}

func (r *racingStore) AppendAdjustment(ctx context.Context, a Adjustment, e Expense, expectedVersion int64) error {
	r.attempts++
	if !r.raced {
		r.raced = true
		rec, err := r.MemoryStore.Load(ctx, a.ExpenseID)
		if err != nil {
			return err
		}
		st, err := rec.NewSettlement(r.settler, r.amount, testNow)
		if err != nil {
			return err
		}
		next := rec.Expense
		next.Version++
		if err := r.MemoryStore.AppendSettlement(ctx, st, next, rec.Expense.Version); err != nil {
			return err
		}
	}
	return r.MemoryStore.AppendAdjustment(ctx, a, e, expectedVersion)
}

type fixture struct {
	svc       *Service
	store     *MemoryStore
	indexer   *recordingIndexer
	notifier  *recordingNotifier
	household uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := NewMemoryStore()
	f := fixture{
		store:     store,
		indexer:   &recordingIndexer{},
		notifier:  &recordingNotifier{},
		household: uuid.New(),
	}
	f.svc = NewService(store,
		WithIndexer(f.indexer),
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return testNow }),
	)
	return f
}

func (f fixture) create(t *testing.T, total int64, payer uuid.UUID, participants []uuid.UUID) Expense {
	t.Helper()
	e, err := f.svc.CreateExpense(context.Background(), CreateExpenseInput{
		HouseholdID: f.household,
		Description: "groceries",
		CreatedBy:   payer,
		SplitInput:  SplitInput{Total: eur(total), PaidBy: payer, SplitEqually: participants},
	})
	require.NoError(t, err)
	return e
}

func (f fixture) balances(t *testing.T) BalanceSheet {
	t.Helper()
	sheet, err := f.svc.HouseholdBalances(context.Background(), f.household)
	require.NoError(t, err)
	assertZeroSum(t, sheet)
	return sheet
}

func TestCreateExpense(t *testing.T) {
	f := newFixture(t)
	m := members(3)

	e := f.create(t, 100, m[0], m)
	assert.Equal(t, StatusActive, e.Status)
	assert.Equal(t, []int64{34, 33, 33}, shareAmounts(e.Shares))

	rec, err := f.svc.GetExpense(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, rec.Expense)

	require.Len(t, f.indexer.requests, 1)
	assert.Equal(t, e.ID, f.indexer.requests[0].ExpenseID)
	assert.Equal(t, "groceries", f.indexer.requests[0].Description)
	assert.Equal(t, "1.00", f.indexer.requests[0].Metadata["total"])
	assert.Equal(t, []string{EventExpenseCreated}, f.notifier.types())

	sheet := f.balances(t)
	assert.Equal(t, eur(33), sheet.Between(m[1], m[0]))
	assert.Equal(t, eur(66), sheet.Position(m[0]))
}

func TestCreateExpenseValidation(t *testing.T) {
	m := members(2)
	tests := []struct {
		name    string
		in      SplitInput
		wantErr error
	}{
		{
			name:    "shares short of total",
			in:      SplitInput{Total: eur(100), PaidBy: m[0], Shares: []Share{{MemberID: m[0], Amount: eur(50)}, {MemberID: m[1], Amount: eur(45)}}},
			wantErr: ErrAmountMismatch,
		},
		{
			name:    "no participants",
			in:      SplitInput{Total: eur(100), PaidBy: m[0]},
			wantErr: ErrEmptyParticipants,
		},
		{
			name:    "no payer",
			in:      SplitInput{Total: eur(100), SplitEqually: m},
			wantErr: ErrEmptyParticipants,
		},
		{
			name:    "zero total",
			in:      SplitInput{Total: eur(0), PaidBy: m[0], SplitEqually: m},
			wantErr: ErrNonPositiveAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateExpense(context.Background(), CreateExpenseInput{
				HouseholdID: f.household,
				Description: "rent",
				SplitInput:  tt.in,
			})
			require.ErrorIs(t, err, tt.wantErr)

			records, err := f.store.Snapshot(context.Background(), f.household)
			require.NoError(t, err)
			assert.Empty(t, records, "nothing is persisted on validation failure")
			assert.Empty(t, f.indexer.requests)
			assert.Empty(t, f.notifier.events)
		})
	}
}

func TestCreateMultiPayerExpense(t *testing.T) {
	f := newFixture(t)
	m := members(2)
	a, b := m[0], m[1]

	_, err := f.svc.CreateMultiPayerExpense(context.Background(), CreateExpenseInput{
		HouseholdID: f.household,
		Description: "weekend trip",
		SplitInput:  SplitInput{Total: eur(100), PaidBy: a, SplitEqually: m},
	})
	require.ErrorIs(t, err, ErrEmptyParticipants)

	_, err = f.svc.CreateMultiPayerExpense(context.Background(), CreateExpenseInput{
		HouseholdID: f.household,
		Description: "weekend trip",
		SplitInput: SplitInput{
			Total:         eur(100),
			Contributions: []Contribution{{MemberID: a, Amount: eur(60)}, {MemberID: b, Amount: eur(40)}},
			SplitEqually:  m,
		},
	})
	require.NoError(t, err)

	sheet := f.balances(t)
	assert.Equal(t, eur(10), sheet.Between(b, a))
}

func TestRecordSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	m := members(3)
	e := f.create(t, 90, payer, m)

	t.Run("over settlement persists nothing", func(t *testing.T) {
		_, err := f.svc.RecordSettlement(ctx, e.ID, m[0], eur(31))
		require.ErrorIs(t, err, ErrOverSettlement)

		rec, err := f.svc.GetExpense(ctx, e.ID)
		require.NoError(t, err)
		assert.Empty(t, rec.Settlements)
		assert.Equal(t, e.Version, rec.Expense.Version)
	})

	t.Run("unknown share", func(t *testing.T) {
		_, err := f.svc.RecordSettlement(ctx, e.ID, payer, eur(10))
		assert.ErrorIs(t, err, ErrUnknownShare)

		_, err = f.svc.RecordSettlement(ctx, e.ID, uuid.New(), eur(10))
		assert.ErrorIs(t, err, ErrUnknownShare)
	})

	t.Run("unknown expense", func(t *testing.T) {
		_, err := f.svc.RecordSettlement(ctx, uuid.New(), m[0], eur(10))
		assert.ErrorIs(t, err, ErrExpenseNotFound)
	})

	t.Run("partial then full", func(t *testing.T) {
		st, err := f.svc.RecordSettlement(ctx, e.ID, m[0], eur(10))
		require.NoError(t, err)
		assert.Equal(t, []Transfer{{MemberID: payer, Amount: eur(10)}}, st.Payees)

		out, err := f.svc.Outstanding(ctx, e.ID, m[0])
		require.NoError(t, err)
		assert.Equal(t, eur(20), out)

		for _, member := range m {
			out, err := f.svc.Outstanding(ctx, e.ID, member)
			require.NoError(t, err)
			_, err = f.svc.RecordSettlement(ctx, e.ID, member, out)
			require.NoError(t, err)
		}

		rec, err := f.svc.GetExpense(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSettled, rec.Expense.Status)
		assert.Len(t, rec.Settlements, 4)

		sheet := f.balances(t)
		assert.Empty(t, sheet.Debts())
	})
}

func TestConcurrentSettlementsStayConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	m := members(3)
	e := f.create(t, 90, payer, m)

	var wg sync.WaitGroup
	for _, member := range m {
		for range 3 {
			wg.Go(func() {
				_, err := f.svc.RecordSettlement(ctx, e.ID, member, eur(10))
				assert.NoError(t, err)
			})
		}
	}
	wg.Wait()

	rec, err := f.svc.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Settlements, 9)
	assert.Equal(t, StatusSettled, rec.Expense.Status)
	assert.Equal(t, int64(10), rec.Expense.Version)

	sheet := f.balances(t)
	assert.Empty(t, sheet.Debts())
}

func TestHouseholdBalancesIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := members(3)
	f.create(t, 100, m[0], m)
	f.create(t, 45, m[1], m[1:])

	first := f.balances(t)
	second := f.balances(t)
	assert.True(t, first.Equal(second))
}

func TestEditExpenseWithoutSettlementsRewrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := members(2)
	e := f.create(t, 100, m[0], m)

	res, err := f.svc.EditExpense(ctx, EditExpenseInput{
		ExpenseID:   e.ID,
		Description: "groceries and wine",
		SplitInput:  SplitInput{Total: eur(120), PaidBy: m[0], SplitEqually: m},
		EditedBy:    m[0],
	})
	require.NoError(t, err)
	assert.Nil(t, res.Adjustment)
	assert.Equal(t, StatusEdited, res.Expense.Status)
	assert.Equal(t, eur(120), res.Expense.Total)

	rec, err := f.svc.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, rec.Adjustments)
	assert.Equal(t, "groceries and wine", rec.Expense.Description)
	assert.Equal(t, int64(2), rec.Expense.Version)

	assert.Equal(t, eur(60), res.Balances.Between(m[1], m[0]))
	require.Len(t, res.Impacts, 2)
	assert.Equal(t, eur(50), res.Impacts[0].Before)
	assert.Equal(t, eur(60), res.Impacts[0].After)
	assert.Equal(t, []string{EventExpenseCreated, EventExpenseEdited}, f.notifier.types())
	assert.Equal(t, "groceries and wine", f.indexer.requests[1].Description)
}

func TestEditSettledExpenseLeavesCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	m := members(3)
	a := m[0]
	e := f.create(t, 90, payer, m)

	_, err := f.svc.RecordSettlement(ctx, e.ID, a, eur(30))
	require.NoError(t, err)
	before := f.balances(t)

	edit := EditExpenseInput{
		ExpenseID:  e.ID,
		SplitInput: SplitInput{Total: eur(60), PaidBy: payer, SplitEqually: m},
		Reason:     "returned an item",
		EditedBy:   payer,
	}

	_, err = f.svc.EditExpense(ctx, edit)
	require.ErrorIs(t, err, ErrSettledExpenseRequiresConfirmation)
	var confirm *ConfirmationError
	require.True(t, errors.As(err, &confirm))
	assert.Equal(t, []Credit{{MemberID: a, Amount: eur(10)}}, confirm.Preview.Credits)
	assert.Equal(t, eur(-30), confirm.Preview.Adjustment.DeltaTotal("EUR"))

	rec, err := f.svc.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, rec.Adjustments, "preview does not persist")
	assert.True(t, before.Equal(f.balances(t)))

	edit.Confirm = true
	res, err := f.svc.EditExpense(ctx, edit)
	require.NoError(t, err)
	require.NotNil(t, res.Adjustment)
	assert.Equal(t, AdjustmentEdit, res.Adjustment.Kind)
	assert.Equal(t, []Credit{{MemberID: a, Amount: eur(10)}}, res.Credits)
	assert.Equal(t, StatusEdited, res.Expense.Status)

	rec, err = f.svc.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(90), rec.Expense.Total, "the expense row is never rewritten once settled")
	require.Len(t, rec.Adjustments, 1)

	pos, err := rec.Position(a)
	require.NoError(t, err)
	assert.Equal(t, eur(10), pos.Credit)
	assert.True(t, pos.Outstanding.IsZero())

	sheet := f.balances(t)
	assert.Equal(t, eur(-10), sheet.Between(a, payer))
	assert.Equal(t, eur(20), sheet.Between(m[1], payer))
	assert.Equal(t, eur(30), sheet.Position(payer))
	assert.Equal(t, eur(10), sheet.Position(a))
	assert.True(t, res.Balances.Equal(sheet))

	for _, impact := range confirm.Preview.Impacts {
		if impact.MemberID == a {
			assert.Equal(t, eur(10), impact.Change())
		}
	}
}

func TestRevertAdjustmentRestoresBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	m := members(3)
	e := f.create(t, 90, payer, m)

	_, err := f.svc.RecordSettlement(ctx, e.ID, m[0], eur(30))
	require.NoError(t, err)
	before := f.balances(t)

	res, err := f.svc.EditExpense(ctx, EditExpenseInput{
		ExpenseID:  e.ID,
		SplitInput: SplitInput{Total: eur(60), PaidBy: payer, SplitEqually: m},
		EditedBy:   payer,
		Confirm:    true,
	})
	require.NoError(t, err)
	assert.False(t, before.Equal(f.balances(t)))

	inverse, err := f.svc.RevertAdjustment(ctx, res.Adjustment.ID, payer, "typo")
	require.NoError(t, err)
	assert.Equal(t, AdjustmentRevert, inverse.Kind)
	assert.Equal(t, uuid.NullUUID{UUID: res.Adjustment.ID, Valid: true}, inverse.RevertsID)

	assert.True(t, before.Equal(f.balances(t)))

	_, err = f.svc.RevertAdjustment(ctx, res.Adjustment.ID, payer, "again")
	assert.ErrorIs(t, err, ErrAlreadyReverted)

	_, err = f.svc.RevertAdjustment(ctx, uuid.New(), payer, "")
	assert.ErrorIs(t, err, ErrAdjustmentNotFound)

	assert.Contains(t, f.notifier.types(), EventAdjustmentApplied)
}

func TestVoidExpense(t *testing.T) {
	ctx := context.Background()
	payer := uuid.New()
	m := members(3)

	t.Run("without history deletes", func(t *testing.T) {
		f := newFixture(t)
		e := f.create(t, 90, payer, m)

		require.NoError(t, f.svc.VoidExpense(ctx, e.ID, payer, "duplicate"))
		_, err := f.svc.GetExpense(ctx, e.ID)
		assert.ErrorIs(t, err, ErrExpenseNotFound)
		assert.Empty(t, f.balances(t).Members())
	})

	t.Run("with settlements keeps history", func(t *testing.T) {
		f := newFixture(t)
		e := f.create(t, 90, payer, m)
		_, err := f.svc.RecordSettlement(ctx, e.ID, m[0], eur(30))
		require.NoError(t, err)

		require.NoError(t, f.svc.VoidExpense(ctx, e.ID, payer, "cancelled"))

		rec, err := f.svc.GetExpense(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusVoided, rec.Expense.Status)
		require.Len(t, rec.Adjustments, 1)
		assert.Equal(t, AdjustmentVoid, rec.Adjustments[0].Kind)

		sheet := f.balances(t)
		assert.Equal(t, eur(-30), sheet.Between(m[0], payer), "the settlement turns into a credit")
		assert.True(t, sheet.Between(m[1], payer).IsZero())

		_, err = f.svc.RecordSettlement(ctx, e.ID, m[1], eur(10))
		assert.ErrorIs(t, err, ErrExpenseVoided)
		assert.ErrorIs(t, f.svc.VoidExpense(ctx, e.ID, payer, ""), ErrExpenseVoided)

		// reverting the void brings the expense back
		_, err = f.svc.RevertAdjustment(ctx, rec.Adjustments[0].ID, payer, "not cancelled after all")
		require.NoError(t, err)
		rec, err = f.svc.GetExpense(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusEdited, rec.Expense.Status)
		assert.Equal(t, eur(30), f.balances(t).Between(m[1], payer))
	})
}

func TestRetriesConcurrentModification(t *testing.T) {
	ctx := context.Background()
	payer := uuid.New()
	m := members(2)

	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	svc := NewService(store)
	e, err := svc.CreateExpense(ctx, CreateExpenseInput{
		HouseholdID: uuid.New(),
		Description: "power bill",
		SplitInput:  SplitInput{Total: eur(80), PaidBy: payer, SplitEqually: m},
	})
	require.NoError(t, err)

	_, err = svc.RecordSettlement(ctx, e.ID, m[0], eur(40))
	require.NoError(t, err)
	assert.Equal(t, 2, store.attempts)

	store.failures = 10
	store.attempts = 0
	_, err = svc.RecordSettlement(ctx, e.ID, m[1], eur(40))
	require.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, defaultMaxAttempts, store.attempts)
}

func TestOutstandingUnknownMember(t *testing.T) {
	f := newFixture(t)
	m := members(2)
	e := f.create(t, 10, m[0], m)

	_, err := f.svc.Outstanding(context.Background(), e.ID, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownShare)

	out, err := f.svc.Outstanding(context.Background(), e.ID, m[0])
	require.NoError(t, err)
	assert.Equal(t, money.Zero("EUR"), out)
}

func TestCreateExpenseRejectsSecondCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := members(2)
	f.create(t, 100, m[0], m)

	_, err := f.svc.CreateExpense(ctx, CreateExpenseInput{
		HouseholdID: f.household,
		Description: "souvenirs",
		SplitInput:  SplitInput{Total: money.New(500, "BRL"), PaidBy: m[1], SplitEqually: m},
	})
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	records, err := f.store.Snapshot(ctx, f.household)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	sheet := f.balances(t)
	assert.Equal(t, "EUR", sheet.Currency)
	assert.Equal(t, eur(50), sheet.Between(m[1], m[0]))

	_, err = f.svc.CreateExpense(ctx, CreateExpenseInput{
		HouseholdID: uuid.New(),
		Description: "souvenirs",
		SplitInput:  SplitInput{Total: money.New(500, "BRL"), PaidBy: m[1], SplitEqually: m},
	})
	assert.NoError(t, err, "other households pick their own currency")
}

func TestCreateMultiPayerExpenseRejectsWrappingContributions(t *testing.T) {
	f := newFixture(t)
	payers := members(5)
	b := uuid.New()

	huge := money.New(1<<62, "EUR")
	contributions := []Contribution{
		{MemberID: payers[0], Amount: huge},
		{MemberID: payers[1], Amount: huge},
		{MemberID: payers[2], Amount: huge},
		{MemberID: payers[3], Amount: huge},
		{MemberID: payers[4], Amount: eur(100)},
	}
	_, err := f.svc.CreateMultiPayerExpense(context.Background(), CreateExpenseInput{
		HouseholdID: f.household,
		Description: "overflow",
		SplitInput: SplitInput{
			Total:         eur(100),
			Contributions: contributions,
			Shares:        []Share{{MemberID: b, Amount: eur(100)}},
		},
	})
	require.ErrorIs(t, err, ErrUnbalancedSplit)
	assert.ErrorIs(t, err, money.ErrOverflow)

	records, err := f.store.Snapshot(context.Background(), f.household)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEditRetriesWithSettlementLandedMidway(t *testing.T) {
	ctx := context.Background()
	payer := uuid.New()
	m := members(3)
	household := uuid.New()

	store := &racingStore{MemoryStore: NewMemoryStore(), settler: m[1], amount: eur(30)}
	svc := NewService(store, WithClock(func() time.Time { return testNow }))
	e, err := svc.CreateExpense(ctx, CreateExpenseInput{
		HouseholdID: household,
		Description: "dinner",
		SplitInput:  SplitInput{Total: eur(90), PaidBy: payer, SplitEqually: m},
	})
	require.NoError(t, err)
	_, err = svc.RecordSettlement(ctx, e.ID, m[0], eur(30))
	require.NoError(t, err)

	res, err := svc.EditExpense(ctx, EditExpenseInput{
		ExpenseID:  e.ID,
		SplitInput: SplitInput{Total: eur(60), PaidBy: payer, SplitEqually: m},
		EditedBy:   payer,
		Confirm:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.attempts)

	// the retry saw the second settlement, so both settlers end up with a credit
	assert.ElementsMatch(t, []Credit{{MemberID: m[0], Amount: eur(10)}, {MemberID: m[1], Amount: eur(10)}}, res.Credits)

	rec, err := svc.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, rec.Settlements, 2)
	require.Len(t, rec.Adjustments, 1)
	assert.Equal(t, []Contribution{{MemberID: payer, Amount: eur(-30)}}, rec.Adjustments[0].DeltaContributions)
	assert.Equal(t, []int64{-10, -10, -10}, shareAmounts(rec.Adjustments[0].DeltaShares))
	assert.Equal(t, StatusEdited, rec.Expense.Status)

	for _, member := range m[:2] {
		pos, err := rec.Position(member)
		require.NoError(t, err)
		assert.Equal(t, eur(10), pos.Credit)
	}

	sheet, err := svc.HouseholdBalances(ctx, household)
	require.NoError(t, err)
	assertZeroSum(t, sheet)
	assert.Equal(t, eur(-10), sheet.Between(m[0], payer))
	assert.Equal(t, eur(-10), sheet.Between(m[1], payer))
	assert.Equal(t, eur(20), sheet.Between(m[2], payer))
}
