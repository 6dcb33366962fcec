package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
)

const selectAccounts = `SELECT id, guid, enabled, password, email, is_trial, exp_date, notes,
  group_id, plan_id, credit, created_by_id, date_created
FROM accounts`

type accountRow struct {
	ID          int64          `db:"id"`
	GUID        sql.NullString `db:"guid"`
	Enabled     bool           `db:"enabled"`
	Password    string         `db:"password"`
	Email       string         `db:"email"`
	IsTrial     bool           `db:"is_trial"`
	ExpDate     sql.NullString `db:"exp_date"`
	Notes       string         `db:"notes"`
	GroupID     sql.NullInt64  `db:"group_id"`
	PlanID      sql.NullInt64  `db:"plan_id"`
	Credit      int64          `db:"credit"`
	CreatedByID sql.NullInt64  `db:"created_by_id"`
	DateCreated string         `db:"date_created"`
}

func (r *accountRow) toEntity() (*entity.Account, error) {
	a := &entity.Account{
		ID:          r.ID,
		Enabled:     r.Enabled,
		Password:    r.Password,
		Email:       r.Email,
		IsTrial:     r.IsTrial,
		Notes:       r.Notes,
		GroupID:     intPtr(r.GroupID),
		PlanID:      intPtr(r.PlanID),
		Credit:      r.Credit,
		CreatedByID: intPtr(r.CreatedByID),
	}
	if r.GUID.Valid && r.GUID.String != "" {
		id, err := uuid.Parse(r.GUID.String)
		if err != nil {
			return nil, fmt.Errorf("account %d guid: %w", r.ID, err)
		}
		a.GUID = id
	}
	exp, err := timePtr(r.ExpDate)
	if err != nil {
		return nil, fmt.Errorf("account %d exp_date: %w", r.ID, err)
	}
	a.ExpDate = exp
	if a.DateCreated, err = parseTime(r.DateCreated); err != nil {
		return nil, fmt.Errorf("account %d date_created: %w", r.ID, err)
	}
	return a, nil
}

func getAccountRow(ctx context.Context, q sqlx.ExtContext, where string, arg any) (*entity.Account, error) {
	var row accountRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(selectAccounts+` WHERE `+where), arg); err != nil {
		return nil, notFound(err)
	}
	return row.toEntity()
}

// CreateAccount inserts a and reads it back inside the same transaction.
// A nil GUID gets a fresh one; a zero DateCreated is stamped with now.
func (s *Store) CreateAccount(ctx context.Context, a *entity.Account) error {
	if a == nil {
		return ErrNilArgument
	}
	if a.GUID == uuid.Nil {
		a.GUID = uuid.New()
	}
	if a.DateCreated.IsZero() {
		a.DateCreated = s.now()
	}

	var created *entity.Account
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		var err error
		created, err = s.createAccountTx(ctx, tx, a)
		return err
	})
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	*a = *created
	return nil
}

func (s *Store) createAccountTx(ctx context.Context, tx sqlx.ExtContext, a *entity.Account) (*entity.Account, error) {
	id, err := insertReturningID(ctx, tx,
		`INSERT INTO accounts (guid, enabled, password, email, is_trial, exp_date, notes, group_id, plan_id, credit, created_by_id, date_created)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.GUID.String(), a.Enabled, a.Password, a.Email, a.IsTrial, nullTime(a.ExpDate), a.Notes,
		nullInt(a.GroupID), nullInt(a.PlanID), a.Credit, nullInt(a.CreatedByID), formatTime(a.DateCreated))
	if err != nil {
		return nil, err
	}
	created, err := getAccountRow(ctx, tx, `id = ?`, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConsistency
	}
	return created, err
}

// UpdateAccount rewrites every mutable column of the row with a.ID. The
// public GUID and creation date are immutable.
func (s *Store) UpdateAccount(ctx context.Context, a *entity.Account) error {
	if a == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE accounts SET enabled = ?, password = ?, email = ?, is_trial = ?,
  exp_date = ?, notes = ?, group_id = ?, plan_id = ?, credit = ?, created_by_id = ?
WHERE id = ?`),
			a.Enabled, a.Password, a.Email, a.IsTrial, nullTime(a.ExpDate), a.Notes,
			nullInt(a.GroupID), nullInt(a.PlanID), a.Credit, nullInt(a.CreatedByID), a.ID)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
	if err != nil {
		return fmt.Errorf("update account %d: %w", a.ID, err)
	}
	return nil
}

// GetAccount returns the account with the given public identifier.
func (s *Store) GetAccount(ctx context.Context, guid uuid.UUID) (*entity.Account, error) {
	var a *entity.Account
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		var err error
		a, err = getAccountRow(ctx, q, `guid = ?`, guid.String())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", guid, err)
	}
	return a, nil
}

// GetAccountByID returns the account with the given surrogate key.
func (s *Store) GetAccountByID(ctx context.Context, id int64) (*entity.Account, error) {
	var a *entity.Account
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		var err error
		a, err = getAccountRow(ctx, q, `id = ?`, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// GetAccountByEmail matches email case-insensitively; the oldest account
// wins if several share an address.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*entity.Account, error) {
	var a *entity.Account
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		var err error
		a, err = getAccountRow(ctx, q, `lower(email) = lower(?) ORDER BY id LIMIT 1`, email)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

// ListAccounts returns every account. Rows still missing a GUID are given
// one under a separate write after the read lock is released, so the
// returned list and every later read carry a public identifier.
func (s *Store) ListAccounts(ctx context.Context) ([]*entity.Account, error) {
	var rows []accountRow
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		return sqlx.SelectContext(ctx, q, &rows, selectAccounts+` ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var missing []int
	for i := range rows {
		if !rows[i].GUID.Valid || rows[i].GUID.String == "" {
			missing = append(missing, i)
		}
	}
	gone := make(map[int]bool)
	if len(missing) > 0 {
		err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
			for _, i := range missing {
				row := &rows[i]
				guid := uuid.New().String()
				res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE accounts SET guid = ? WHERE id = ? AND (guid IS NULL OR guid = '')`), guid, row.ID)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n > 0 {
					row.GUID = sql.NullString{String: guid, Valid: true}
					continue
				}
				// someone else got there first, or the row is gone
				err = sqlx.GetContext(ctx, tx, &row.GUID, tx.Rebind(`SELECT guid FROM accounts WHERE id = ?`), row.ID)
				if errors.Is(err, sql.ErrNoRows) {
					gone[i] = true
					continue
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("backfill account guids: %w", err)
		}
		s.logger.Infow("backfilled account guids", "count", len(missing)-len(gone))
	}

	out := make([]*entity.Account, 0, len(rows))
	for i := range rows {
		if gone[i] {
			continue
		}
		a, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteAccount removes the account; its users go with it and accounts it
// created lose their creator reference.
func (s *Store) DeleteAccount(ctx context.Context, a *entity.Account) error {
	if a == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM accounts WHERE id = ?`), a.ID)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
	if err != nil {
		return fmt.Errorf("delete account %d: %w", a.ID, err)
	}
	return nil
}
