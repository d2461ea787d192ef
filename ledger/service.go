package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/billbatista/acasinha-ledger/lock"
	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// Service is the transactional front door of the ledger. Every write to a
// household runs under that household's lock; index requests and events are
// emitted only after the lock is released.
type Service struct {
	store       Store
	locker      Locker
	indexer     Indexer
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

type Option func(*Service)

func WithLocker(l Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithIndexer(i Indexer) Option {
	return func(s *Service) {
		if i != nil {
			s.indexer = i
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxAttempts bounds how often a write is retried after ErrConcurrentModification.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		locker:      lock.NewLocal(),
		indexer:     nopIndexer{},
		notifier:    nopNotifier{},
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateExpenseInput struct {
	SplitInput
	HouseholdID uuid.UUID
	Description string
	CreatedBy   uuid.UUID
}

type EditExpenseInput struct {
	SplitInput
	ExpenseID   uuid.UUID
	Description string // empty keeps the current description
	Reason      string
	EditedBy    uuid.UUID
	// Confirm applies an adjustment to an expense with settlements. Without
	// it such edits return a *ConfirmationError carrying the preview.
	Confirm bool
}

type EditResult struct {
	Expense    Expense        `json:"expense"`
	Adjustment *Adjustment    `json:"adjustment,omitempty"`
	Credits    []Credit       `json:"credits,omitempty"`
	Impacts    []MemberImpact `json:"impacts"`
	Balances   BalanceSheet   `json:"-"`
}

// CreateExpense records an expense with one payer (PaidBy) or explicit contributions.
func (s *Service) CreateExpense(ctx context.Context, in CreateExpenseInput) (Expense, error) {
	return s.create(ctx, in)
}

// CreateMultiPayerExpense records an expense paid by several members; the
// contributions must be given explicitly.
func (s *Service) CreateMultiPayerExpense(ctx context.Context, in CreateExpenseInput) (Expense, error) {
	if len(in.Contributions) == 0 {
		return Expense{}, ErrEmptyParticipants
	}
	return s.create(ctx, in)
}

func (s *Service) create(ctx context.Context, in CreateExpenseInput) (Expense, error) {
	split, err := in.Build()
	if err != nil {
		return Expense{}, err
	}
	expense, err := NewExpense(in.HouseholdID, in.Description, split, in.CreatedBy, s.now())
	if err != nil {
		return Expense{}, err
	}

	err = s.locker.WithLock(ctx, lockKey(expense.HouseholdID), func(ctx context.Context) error {
		records, err := s.store.Snapshot(ctx, expense.HouseholdID)
		if err != nil {
			return fmt.Errorf("loading snapshot: %w", err)
		}
		// a household keeps a single-currency ledger
		if len(records) > 0 && !records[0].Expense.Total.SameCurrency(expense.Total) {
			return fmt.Errorf("%w: household ledger is in %s, expense is in %s",
				ErrCurrencyMismatch, records[0].Expense.Total.Currency, expense.Total.Currency)
		}
		if err := s.store.CreateExpense(ctx, expense); err != nil {
			return fmt.Errorf("saving expense: %w", err)
		}
		return nil
	})
	if err != nil {
		return Expense{}, err
	}

	s.logger.InfoContext(ctx, "expense created",
		"expense_id", expense.ID,
		"household_id", expense.HouseholdID,
		"total", expense.Total.String(),
		"payers", len(expense.Contributions),
		"participants", len(expense.Shares))

	s.index(expense.ID, expense.HouseholdID, expense.Description, expense.Total)
	s.notifier.Publish(ctx, EventExpenseCreated, expense.HouseholdID, ExpenseAddedEvent{
		ExpenseID:     expense.ID,
		CreatedBy:     expense.CreatedBy,
		Description:   expense.Description,
		Total:         expense.Total,
		Contributions: expense.Contributions,
		Shares:        expense.Shares,
	})
	return expense, nil
}

// RecordSettlement appends a settlement of amount by member on the expense.
// The expense moves to settled once nobody owes anything on it.
func (s *Service) RecordSettlement(ctx context.Context, expenseID, memberID uuid.UUID, amount money.Money) (Settlement, error) {
	householdID, err := s.householdOf(ctx, expenseID)
	if err != nil {
		return Settlement{}, err
	}

	var settlement Settlement
	var status Status
	err = s.mutate(ctx, householdID, func(ctx context.Context) error {
		rec, err := s.store.Load(ctx, expenseID)
		if err != nil {
			return err
		}
		now := s.now()
		st, err := rec.NewSettlement(memberID, amount, now)
		if err != nil {
			return err
		}

		full, err := rec.withSettlement(st).FullySettled()
		if err != nil {
			return err
		}
		next := rec.Expense
		next.Version++
		next.UpdatedAt = now
		if full {
			next.Status = StatusSettled
		}
		if err := s.store.AppendSettlement(ctx, st, next, rec.Expense.Version); err != nil {
			return err
		}
		settlement, status = st, next.Status
		return nil
	})
	if err != nil {
		return Settlement{}, s.fail(ctx, "record settlement", expenseID, err)
	}

	s.logger.InfoContext(ctx, "settlement recorded",
		"expense_id", expenseID,
		"member_id", memberID,
		"amount", amount.String(),
		"status", status)

	s.notifier.Publish(ctx, EventSettlementRecorded, householdID, SettlementRecordedEvent{
		SettlementID: settlement.ID,
		ExpenseID:    expenseID,
		MemberID:     memberID,
		Amount:       amount,
		Payees:       settlement.Payees,
		Status:       status,
	})
	return settlement, nil
}

// EditExpense replaces the split of an expense. Without settlements the
// expense is rewritten in place; with settlements an adjustment is appended
// instead, after the caller confirmed the preview.
func (s *Service) EditExpense(ctx context.Context, in EditExpenseInput) (EditResult, error) {
	householdID, err := s.householdOf(ctx, in.ExpenseID)
	if err != nil {
		return EditResult{}, err
	}
	split, err := in.Build()
	if err != nil {
		return EditResult{}, err
	}

	var result EditResult
	var indexed string
	err = s.mutate(ctx, householdID, func(ctx context.Context) error {
		rec, err := s.store.Load(ctx, in.ExpenseID)
		if err != nil {
			return err
		}
		if rec.Expense.Status == StatusVoided {
			return ErrExpenseVoided
		}
		if !split.Total.SameCurrency(rec.Expense.Total) {
			return fmt.Errorf("%w: %s expense edited in %s", ErrCurrencyMismatch, rec.Expense.Total.Currency, split.Total.Currency)
		}
		description := strings.TrimSpace(in.Description)

		before, err := s.balances(ctx, householdID)
		if err != nil {
			return err
		}

		now := s.now()
		next := rec.Expense
		next.Version++
		next.UpdatedAt = now

		if !rec.hasHistory() {
			next.Total, next.Contributions, next.Shares = split.Total, split.Contributions, split.Shares
			if description != "" {
				next.Description = description
			}
			next.Status = StatusEdited
			if err := s.store.UpdateExpense(ctx, next, rec.Expense.Version); err != nil {
				return err
			}
			result, indexed = EditResult{Expense: next}, next.Description
		} else {
			adj, err := NewAdjustment(rec, split, AdjustmentEdit, in.Reason, in.EditedBy, now)
			if err != nil {
				return err
			}
			if description != rec.Description() {
				adj.Description = description
			}
			after := rec.with(adj)
			credits, err := creditsOf(after)
			if err != nil {
				return err
			}

			if !in.Confirm {
				records, err := s.store.Snapshot(ctx, householdID)
				if err != nil {
					return fmt.Errorf("loading snapshot: %w", err)
				}
				projected, err := ComputeBalances(householdID, replace(records, after))
				if err != nil {
					return err
				}
				return &ConfirmationError{Preview: AdjustmentPreview{
					ExpenseID:  rec.Expense.ID,
					Adjustment: adj,
					Credits:    credits,
					Impacts:    impactsOf(before, projected, involved(rec, split)),
				}}
			}

			next.Status, err = statusAfter(rec.Expense.Status, after)
			if err != nil {
				return err
			}
			if err := s.store.AppendAdjustment(ctx, adj, next, rec.Expense.Version); err != nil {
				return err
			}
			result = EditResult{Expense: next, Adjustment: &adj, Credits: credits}
			indexed = after.Description()
		}

		sheet, err := s.balances(ctx, householdID)
		if err != nil {
			return err
		}
		result.Balances = sheet
		result.Impacts = impactsOf(before, sheet, involved(rec, split))
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSettledExpenseRequiresConfirmation) {
			return EditResult{}, err
		}
		return EditResult{}, s.fail(ctx, "edit expense", in.ExpenseID, err)
	}

	s.logger.InfoContext(ctx, "expense edited",
		"expense_id", in.ExpenseID,
		"household_id", householdID,
		"adjusted", result.Adjustment != nil,
		"status", result.Expense.Status)

	if result.Adjustment != nil {
		s.publishAdjustment(ctx, *result.Adjustment, result.Expense.Total.Currency)
	} else {
		s.notifier.Publish(ctx, EventExpenseEdited, householdID, ExpenseEditedEvent{
			ExpenseID:     result.Expense.ID,
			EditedBy:      in.EditedBy,
			Description:   result.Expense.Description,
			Total:         result.Expense.Total,
			Contributions: result.Expense.Contributions,
			Shares:        result.Expense.Shares,
		})
	}
	s.index(result.Expense.ID, householdID, indexed, split.Total)
	return result, nil
}

// VoidExpense removes an expense from the household balances. An expense
// without settlements or adjustments is deleted; otherwise it is kept and a
// void adjustment zeroes its effect, turning any settlements into credits.
func (s *Service) VoidExpense(ctx context.Context, expenseID, by uuid.UUID, reason string) error {
	householdID, err := s.householdOf(ctx, expenseID)
	if err != nil {
		return err
	}

	var voided *Adjustment
	err = s.mutate(ctx, householdID, func(ctx context.Context) error {
		rec, err := s.store.Load(ctx, expenseID)
		if err != nil {
			return err
		}
		if rec.Expense.Status == StatusVoided {
			return ErrExpenseVoided
		}
		if !rec.hasHistory() {
			voided = nil
			return s.store.DeleteExpense(ctx, expenseID, rec.Expense.Version)
		}

		now := s.now()
		zero := Split{Total: money.Zero(rec.Expense.Total.Currency)}
		adj, err := NewAdjustment(rec, zero, AdjustmentVoid, reason, by, now)
		if err != nil {
			return err
		}
		next := rec.Expense
		next.Version++
		next.UpdatedAt = now
		next.Status = StatusVoided
		if err := s.store.AppendAdjustment(ctx, adj, next, rec.Expense.Version); err != nil {
			return err
		}
		voided = &adj
		return nil
	})
	if err != nil {
		return s.fail(ctx, "void expense", expenseID, err)
	}

	s.logger.InfoContext(ctx, "expense voided", "expense_id", expenseID, "household_id", householdID, "soft", voided != nil)
	s.notifier.Publish(ctx, EventExpenseVoided, householdID, ExpenseVoidedEvent{
		ExpenseID: expenseID,
		VoidedBy:  by,
		Reason:    reason,
		Deleted:   voided == nil,
	})
	return nil
}

// RevertAdjustment appends the inverse of an adjustment, restoring the
// balances from before it was applied.
func (s *Service) RevertAdjustment(ctx context.Context, adjustmentID, by uuid.UUID, reason string) (Adjustment, error) {
	original, err := s.store.LoadAdjustment(ctx, adjustmentID)
	if err != nil {
		return Adjustment{}, err
	}

	var inverse Adjustment
	var currency string
	err = s.mutate(ctx, original.HouseholdID, func(ctx context.Context) error {
		rec, err := s.store.Load(ctx, original.ExpenseID)
		if err != nil {
			return err
		}
		for _, a := range rec.Adjustments {
			if a.RevertsID.Valid && a.RevertsID.UUID == adjustmentID {
				return ErrAlreadyReverted
			}
		}
		if rec.Expense.Status == StatusVoided && original.Kind != AdjustmentVoid {
			return ErrExpenseVoided
		}

		now := s.now()
		inv := original.Inverse(reason, by, now)
		after := rec.with(inv)
		if _, err := after.Effective(); err != nil {
			return fmt.Errorf("%w: reverting %s would leave negative amounts", ErrUnbalancedSplit, adjustmentID)
		}

		next := rec.Expense
		next.Version++
		next.UpdatedAt = now
		prev := rec.Expense.Status
		if prev == StatusVoided {
			prev = StatusEdited
		}
		if next.Status, err = statusAfter(prev, after); err != nil {
			return err
		}
		if err := s.store.AppendAdjustment(ctx, inv, next, rec.Expense.Version); err != nil {
			return err
		}
		inverse, currency = inv, rec.Expense.Total.Currency
		return nil
	})
	if err != nil {
		return Adjustment{}, s.fail(ctx, "revert adjustment", original.ExpenseID, err)
	}

	s.publishAdjustment(ctx, inverse, currency)
	return inverse, nil
}

// HouseholdBalances folds a consistent snapshot of the household into a
// balance sheet. It fails closed on any invariant violation.
func (s *Service) HouseholdBalances(ctx context.Context, householdID uuid.UUID) (BalanceSheet, error) {
	sheet, err := s.balances(ctx, householdID)
	if err != nil {
		return BalanceSheet{}, s.fail(ctx, "compute balances", uuid.Nil, err)
	}
	return sheet, nil
}

// GetExpense returns the full history of an expense.
func (s *Service) GetExpense(ctx context.Context, expenseID uuid.UUID) (Record, error) {
	return s.store.Load(ctx, expenseID)
}

// Outstanding returns what member still owes on the expense.
func (s *Service) Outstanding(ctx context.Context, expenseID, memberID uuid.UUID) (money.Money, error) {
	rec, err := s.store.Load(ctx, expenseID)
	if err != nil {
		return money.Money{}, err
	}
	pos, err := rec.Position(memberID)
	if err != nil {
		return money.Money{}, s.fail(ctx, "outstanding", expenseID, err)
	}
	return pos.Outstanding, nil
}

func (s *Service) balances(ctx context.Context, householdID uuid.UUID) (BalanceSheet, error) {
	records, err := s.store.Snapshot(ctx, householdID)
	if err != nil {
		return BalanceSheet{}, fmt.Errorf("loading snapshot: %w", err)
	}
	return ComputeBalances(householdID, records)
}

// mutate runs fn under the household lock and retries a bounded number of
// times when a concurrent write invalidated what fn read.
func (s *Service) mutate(ctx context.Context, householdID uuid.UUID, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := s.locker.WithLock(ctx, lockKey(householdID), fn)
		if !errors.Is(err, ErrConcurrentModification) || attempt >= s.maxAttempts {
			return err
		}
		s.logger.WarnContext(ctx, "concurrent modification, retrying",
			"household_id", householdID,
			"attempt", attempt)
	}
}

func (s *Service) householdOf(ctx context.Context, expenseID uuid.UUID) (uuid.UUID, error) {
	rec, err := s.store.Load(ctx, expenseID)
	if err != nil {
		return uuid.Nil, err
	}
	return rec.Expense.HouseholdID, nil
}

// fail logs corruption loudly and passes every error through unchanged.
func (s *Service) fail(ctx context.Context, op string, expenseID uuid.UUID, err error) error {
	if errors.Is(err, ErrLedgerCorruption) {
		s.logger.ErrorContext(ctx, "ledger corruption detected",
			"operation", op,
			"expense_id", expenseID,
			"error", err)
	}
	return err
}

func (s *Service) index(expenseID, householdID uuid.UUID, description string, total money.Money) {
	s.indexer.Enqueue(IndexRequest{
		ExpenseID:   expenseID,
		HouseholdID: householdID,
		Description: description,
		Metadata: map[string]string{
			"total":    total.Format(),
			"currency": total.Currency,
		},
	})
}

func (s *Service) publishAdjustment(ctx context.Context, adj Adjustment, currency string) {
	s.logger.InfoContext(ctx, "adjustment applied",
		"adjustment_id", adj.ID,
		"expense_id", adj.ExpenseID,
		"kind", adj.Kind,
		"delta_total", adj.DeltaTotal(currency).String())
	s.notifier.Publish(ctx, EventAdjustmentApplied, adj.HouseholdID, AdjustmentAppliedEvent{
		AdjustmentID: adj.ID,
		ExpenseID:    adj.ExpenseID,
		Kind:         adj.Kind,
		MadeBy:       adj.CreatedBy,
		Reason:       adj.Reason,
		DeltaTotal:   adj.DeltaTotal(currency),
	})
}

// statusAfter decides the status once an adjustment is applied: a settled
// expense stays settled, anything else becomes settled only when nothing is
// outstanding.
func statusAfter(prev Status, after Record) (Status, error) {
	if prev == StatusSettled {
		return StatusSettled, nil
	}
	full, err := after.FullySettled()
	if err != nil {
		return "", err
	}
	if full {
		return StatusSettled, nil
	}
	return StatusEdited, nil
}

// involved lists members of the current record and of the new split.
func involved(rec Record, next Split) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if cur, err := rec.Effective(); err == nil {
		for _, c := range cur.Contributions {
			add(c.MemberID)
		}
		for _, sh := range cur.Shares {
			add(sh.MemberID)
		}
	}
	for _, c := range next.Contributions {
		add(c.MemberID)
	}
	for _, sh := range next.Shares {
		add(sh.MemberID)
	}
	for _, st := range rec.Settlements {
		add(st.MemberID)
	}
	return out
}

// replace swaps the record with the same expense id into records.
func replace(records []Record, rec Record) []Record {
	out := make([]Record, 0, len(records))
	found := false
	for _, r := range records {
		if r.Expense.ID == rec.Expense.ID {
			out = append(out, rec)
			found = true
			continue
		}
		out = append(out, r)
	}
	if !found {
		out = append(out, rec)
	}
	return out
}

func lockKey(householdID uuid.UUID) string {
	return "household:" + householdID.String()
}
