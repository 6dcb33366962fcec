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

// ErrLimitReached is returned by CreateUserCapped when the owning account
// already has the maximum number of users.
var ErrLimitReached = errors.New("user limit reached")

const selectUsers = `SELECT id, guid, data, account_id FROM ` + usersTable

type userRow struct {
	ID        int64         `db:"id"`
	GUID      string        `db:"guid"`
	Data      []byte        `db:"data"`
	AccountID sql.NullInt64 `db:"account_id"`
}

func (r *userRow) toEntity(c Codec) (*entity.User, error) {
	id, err := uuid.Parse(r.GUID)
	if err != nil {
		return nil, fmt.Errorf("user %d guid: %w", r.ID, err)
	}
	u := &entity.User{InternalID: r.ID, ID: id, AccountID: intPtr(r.AccountID)}
	if err := c.Unmarshal(r.Data, u); err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return u, nil
}

func (s *Store) getUserRow(ctx context.Context, q sqlx.ExtContext, where string, arg any) (*entity.User, error) {
	var row userRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(selectUsers+` WHERE `+where), arg); err != nil {
		return nil, notFound(err)
	}
	return row.toEntity(s.codec)
}

func (s *Store) selectUserRows(ctx context.Context, q sqlx.ExtContext, query string, args ...any) ([]*entity.User, error) {
	var rows []userRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*entity.User, 0, len(rows))
	for i := range rows {
		u, err := rows[i].toEntity(s.codec)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// createUserTx inserts u and replaces it with the row read back through tx.
func (s *Store) createUserTx(ctx context.Context, tx sqlx.ExtContext, u *entity.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	data, err := s.codec.Marshal(u)
	if err != nil {
		return err
	}
	id, err := insertReturningID(ctx, tx, `INSERT INTO `+usersTable+` (guid, data, account_id) VALUES (?, ?, ?)`,
		u.ID.String(), data, nullInt(u.AccountID))
	if err != nil {
		return err
	}
	created, err := s.getUserRow(ctx, tx, `id = ?`, id)
	if errors.Is(err, ErrNotFound) {
		return ErrConsistency
	}
	if err != nil {
		return err
	}
	*u = *created
	return nil
}

// CreateUser inserts u. A nil ID gets a fresh one.
func (s *Store) CreateUser(ctx context.Context, u *entity.User) error {
	if u == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		return s.createUserTx(ctx, tx, u)
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateUserCapped inserts u only if its account owns fewer than limit
// users. The count and the insert share one transaction.
func (s *Store) CreateUserCapped(ctx context.Context, u *entity.User, limit int) error {
	if u == nil || u.AccountID == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		var n int
		if err := sqlx.GetContext(ctx, tx, &n, tx.Rebind(`SELECT COUNT(*) FROM `+usersTable+` WHERE account_id = ?`), *u.AccountID); err != nil {
			return err
		}
		if n >= limit {
			return ErrLimitReached
		}
		return s.createUserTx(ctx, tx, u)
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateAccountWithUsers creates a and every user in users, owned by a, in
// a single transaction.
func (s *Store) CreateAccountWithUsers(ctx context.Context, a *entity.Account, users []*entity.User) error {
	if a == nil {
		return ErrNilArgument
	}
	for _, u := range users {
		if u == nil {
			return ErrNilArgument
		}
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
		if created, err = s.createAccountTx(ctx, tx, a); err != nil {
			return err
		}
		for _, u := range users {
			u.AccountID = &created.ID
			if err := s.createUserTx(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create account with users: %w", err)
	}
	*a = *created
	return nil
}

// UpdateUser rewrites the payload and account reference of the user with
// u.ID.
func (s *Store) UpdateUser(ctx context.Context, u *entity.User) error {
	if u == nil {
		return ErrNilArgument
	}
	data, err := s.codec.Marshal(u)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.ID, err)
	}
	err = s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE `+usersTable+` SET data = ?, account_id = ? WHERE guid = ?`),
			data, nullInt(u.AccountID), u.ID.String())
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns the user with the given public identifier.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*entity.User, error) {
	var u *entity.User
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		var err error
		u, err = s.getUserRow(ctx, q, `guid = ?`, id.String())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// ListUsers returns every user ordered by insertion.
func (s *Store) ListUsers(ctx context.Context) ([]*entity.User, error) {
	var out []*entity.User
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		var err error
		out, err = s.selectUserRows(ctx, q, selectUsers+` ORDER BY id`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

// ListUsersByAccount returns the users owned by the account with the given
// surrogate key.
func (s *Store) ListUsersByAccount(ctx context.Context, accountID int64) ([]*entity.User, error) {
	var out []*entity.User
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		var err error
		out, err = s.selectUserRows(ctx, q, selectUsers+` WHERE account_id = ? ORDER BY id`, accountID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list users of account %d: %w", accountID, err)
	}
	return out, nil
}

func (s *Store) DeleteUser(ctx context.Context, u *entity.User) error {
	if u == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+usersTable+` WHERE guid = ?`), u.ID.String())
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
	if err != nil {
		return fmt.Errorf("delete user %s: %w", u.ID, err)
	}
	return nil
}
