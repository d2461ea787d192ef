package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/billbatista/acasinha-ledger/money"
	"github.com/google/uuid"
)

// PostgresStore persists the ledger in Postgres. Expense rows carry a version
// column used for optimistic concurrency; settlements and adjustments are
// append-only.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (r *PostgresStore) CreateExpense(ctx context.Context, e Expense) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO ledger_expenses (id, household_id, description, amount, currency, status, version, created_by, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = tx.ExecContext(
		ctx,
		query,
		e.ID,
		e.HouseholdID,
		e.Description,
		e.Total.Amount,
		e.Total.Currency,
		e.Status,
		e.Version,
		e.CreatedBy,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting expense: %w", err)
	}

	if err := insertLines(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresStore) UpdateExpense(ctx context.Context, e Expense, expectedVersion int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE ledger_expenses
              SET description = $1, amount = $2, currency = $3, status = $4, version = $5, updated_at = $6
              WHERE id = $7 AND version = $8`
	res, err := tx.ExecContext(ctx, query, e.Description, e.Total.Amount, e.Total.Currency, e.Status, e.Version, e.UpdatedAt, e.ID, expectedVersion)
	if err := checkVersion(ctx, tx, e.ID, res, err); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_expense_contributions WHERE expense_id = $1`, e.ID); err != nil {
		return fmt.Errorf("clearing contributions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_expense_shares WHERE expense_id = $1`, e.ID); err != nil {
		return fmt.Errorf("clearing shares: %w", err)
	}
	if err := insertLines(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresStore) DeleteExpense(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Bump the version first so a concurrent append loses the race cleanly.
	res, err := tx.ExecContext(ctx, `UPDATE ledger_expenses SET version = version + 1 WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err := checkVersion(ctx, tx, id, res, err); err != nil {
		return err
	}

	var history int
	query := `SELECT (SELECT COUNT(*) FROM ledger_settlements WHERE expense_id = $1)
                   + (SELECT COUNT(*) FROM ledger_adjustments WHERE expense_id = $1)`
	if err := tx.QueryRowContext(ctx, query, id).Scan(&history); err != nil {
		return fmt.Errorf("counting history: %w", err)
	}
	if history > 0 {
		return ErrConcurrentModification
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_expenses WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting expense: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresStore) AppendSettlement(ctx context.Context, s Settlement, e Expense, expectedVersion int64) error {
	payees, err := json.Marshal(s.Payees)
	if err != nil {
		return fmt.Errorf("encoding payees: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := touch(ctx, tx, e, expectedVersion); err != nil {
		return err
	}

	query := `INSERT INTO ledger_settlements (id, expense_id, household_id, member_id, amount, currency, payees, settled_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = tx.ExecContext(ctx, query, s.ID, s.ExpenseID, s.HouseholdID, s.MemberID, s.Amount.Amount, s.Amount.Currency, payees, s.SettledAt)
	if err != nil {
		return fmt.Errorf("inserting settlement: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresStore) AppendAdjustment(ctx context.Context, a Adjustment, e Expense, expectedVersion int64) error {
	contributions, err := json.Marshal(a.DeltaContributions)
	if err != nil {
		return fmt.Errorf("encoding delta contributions: %w", err)
	}
	shares, err := json.Marshal(a.DeltaShares)
	if err != nil {
		return fmt.Errorf("encoding delta shares: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := touch(ctx, tx, e, expectedVersion); err != nil {
		return err
	}

	query := `INSERT INTO ledger_adjustments (id, expense_id, household_id, kind, description, delta_contributions, delta_shares, reason, reverts_id, created_by, created_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = tx.ExecContext(
		ctx,
		query,
		a.ID,
		a.ExpenseID,
		a.HouseholdID,
		a.Kind,
		a.Description,
		contributions,
		shares,
		a.Reason,
		a.RevertsID,
		a.CreatedBy,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting adjustment: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresStore) Load(ctx context.Context, expenseID uuid.UUID) (Record, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	records, err := loadRecords(ctx, tx, "e.id = $1", expenseID)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrExpenseNotFound
	}
	return records[0], tx.Commit()
}

func (r *PostgresStore) LoadAdjustment(ctx context.Context, adjustmentID uuid.UUID) (Adjustment, error) {
	query := `SELECT ` + adjustmentColumns + ` FROM ledger_adjustments a WHERE a.id = $1`
	a, err := scanAdjustment(r.db.QueryRowContext(ctx, query, adjustmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	return a, err
}

func (r *PostgresStore) Snapshot(ctx context.Context, householdID uuid.UUID) ([]Record, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	records, err := loadRecords(ctx, tx, "e.household_id = $1", householdID)
	if err != nil {
		return nil, err
	}
	return records, tx.Commit()
}

// loadRecords reads every expense matching where, together with its lines
// and history. where is one of a fixed set of predicates on alias e.
func loadRecords(ctx context.Context, tx *sql.Tx, where string, arg uuid.UUID) ([]Record, error) {
	query := `SELECT e.id, e.household_id, e.description, e.amount, e.currency, e.status, e.version, e.created_by, e.created_at, e.updated_at
              FROM ledger_expenses e
              WHERE ` + where + `
              ORDER BY e.created_at, e.id`
	rows, err := tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying expenses: %w", err)
	}
	defer rows.Close()

	var records []Record
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var e Expense
		var amount int64
		var currency string
		err := rows.Scan(&e.ID, &e.HouseholdID, &e.Description, &amount, &currency, &e.Status, &e.Version, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, err
		}
		e.Total = money.New(amount, currency)
		index[e.ID] = len(records)
		records = append(records, Record{Expense: e})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	lines := `SELECT l.expense_id, l.member_id, l.amount, e.currency
              FROM %s l
              INNER JOIN ledger_expenses e ON l.expense_id = e.id
              WHERE ` + where + `
              ORDER BY l.expense_id, l.position`

	err = eachRow(ctx, tx, fmt.Sprintf(lines, "ledger_expense_contributions"), arg, func(rows *sql.Rows) error {
		var expenseID, memberID uuid.UUID
		var amount int64
		var currency string
		if err := rows.Scan(&expenseID, &memberID, &amount, &currency); err != nil {
			return err
		}
		rec := &records[index[expenseID]]
		rec.Expense.Contributions = append(rec.Expense.Contributions, Contribution{MemberID: memberID, Amount: money.New(amount, currency)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying contributions: %w", err)
	}

	err = eachRow(ctx, tx, fmt.Sprintf(lines, "ledger_expense_shares"), arg, func(rows *sql.Rows) error {
		var expenseID, memberID uuid.UUID
		var amount int64
		var currency string
		if err := rows.Scan(&expenseID, &memberID, &amount, &currency); err != nil {
			return err
		}
		rec := &records[index[expenseID]]
		rec.Expense.Shares = append(rec.Expense.Shares, Share{MemberID: memberID, Amount: money.New(amount, currency)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying shares: %w", err)
	}

	settlements := `SELECT s.id, s.expense_id, s.household_id, s.member_id, s.amount, s.currency, s.payees, s.settled_at
                    FROM ledger_settlements s
                    INNER JOIN ledger_expenses e ON s.expense_id = e.id
                    WHERE ` + where + `
                    ORDER BY s.seq`
	err = eachRow(ctx, tx, settlements, arg, func(rows *sql.Rows) error {
		var s Settlement
		var amount int64
		var currency string
		var payees []byte
		if err := rows.Scan(&s.ID, &s.ExpenseID, &s.HouseholdID, &s.MemberID, &amount, &currency, &payees, &s.SettledAt); err != nil {
			return err
		}
		s.Amount = money.New(amount, currency)
		if err := json.Unmarshal(payees, &s.Payees); err != nil {
			return fmt.Errorf("%w: settlement %s payees: %w", ErrLedgerCorruption, s.ID, err)
		}
		rec := &records[index[s.ExpenseID]]
		rec.Settlements = append(rec.Settlements, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying settlements: %w", err)
	}

	adjustments := `SELECT ` + adjustmentColumns + `
                    FROM ledger_adjustments a
                    INNER JOIN ledger_expenses e ON a.expense_id = e.id
                    WHERE ` + where + `
                    ORDER BY a.seq`
	err = eachRow(ctx, tx, adjustments, arg, func(rows *sql.Rows) error {
		a, err := scanAdjustment(rows)
		if err != nil {
			return err
		}
		rec := &records[index[a.ExpenseID]]
		rec.Adjustments = append(rec.Adjustments, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying adjustments: %w", err)
	}

	return records, nil
}

const adjustmentColumns = `a.id, a.expense_id, a.household_id, a.kind, a.description, a.delta_contributions, a.delta_shares, a.reason, a.reverts_id, a.created_by, a.created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAdjustment(row scanner) (Adjustment, error) {
	var a Adjustment
	var contributions, shares []byte
	err := row.Scan(
		&a.ID,
		&a.ExpenseID,
		&a.HouseholdID,
		&a.Kind,
		&a.Description,
		&contributions,
		&shares,
		&a.Reason,
		&a.RevertsID,
		&a.CreatedBy,
		&a.CreatedAt,
	)
	if err != nil {
		return Adjustment{}, err
	}
	if err := json.Unmarshal(contributions, &a.DeltaContributions); err != nil {
		return Adjustment{}, fmt.Errorf("%w: adjustment %s contributions: %w", ErrLedgerCorruption, a.ID, err)
	}
	if err := json.Unmarshal(shares, &a.DeltaShares); err != nil {
		return Adjustment{}, fmt.Errorf("%w: adjustment %s shares: %w", ErrLedgerCorruption, a.ID, err)
	}
	return a, nil
}

func eachRow(ctx context.Context, tx *sql.Tx, query string, arg any, fn func(*sql.Rows) error) error {
	rows, err := tx.QueryContext(ctx, query, arg)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func insertLines(ctx context.Context, tx *sql.Tx, e Expense) error {
	for i, c := range e.Contributions {
		query := `INSERT INTO ledger_expense_contributions (expense_id, member_id, amount, position) VALUES ($1, $2, $3, $4)`
		if _, err := tx.ExecContext(ctx, query, e.ID, c.MemberID, c.Amount.Amount, i); err != nil {
			return fmt.Errorf("inserting contribution: %w", err)
		}
	}
	for i, s := range e.Shares {
		query := `INSERT INTO ledger_expense_shares (expense_id, member_id, amount, position) VALUES ($1, $2, $3, $4)`
		if _, err := tx.ExecContext(ctx, query, e.ID, s.MemberID, s.Amount.Amount, i); err != nil {
			return fmt.Errorf("inserting share: %w", err)
		}
	}
	return nil
}

// touch moves the expense to its next status and version if nobody else did first.
func touch(ctx context.Context, tx *sql.Tx, e Expense, expectedVersion int64) error {
	query := `UPDATE ledger_expenses SET status = $1, version = $2, updated_at = $3 WHERE id = $4 AND version = $5`
	res, err := tx.ExecContext(ctx, query, e.Status, e.Version, e.UpdatedAt, e.ID, expectedVersion)
	return checkVersion(ctx, tx, e.ID, res, err)
}

func checkVersion(ctx context.Context, tx *sql.Tx, id uuid.UUID, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("updating expense: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_expenses WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrExpenseNotFound
	}
	return ErrConcurrentModification
}
