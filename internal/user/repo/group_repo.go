package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
)

func (s *Store) CreateGroup(ctx context.Context, g *entity.Group) error {
	if g == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		id, err := insertReturningID(ctx, tx, `INSERT INTO account_groups (name) VALUES (?)`, g.Name)
		if err != nil {
			return err
		}
		err = sqlx.GetContext(ctx, tx, g, tx.Rebind(`SELECT id, name FROM account_groups WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConsistency
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (s *Store) UpdateGroup(ctx context.Context, g *entity.Group) error {
	if g == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE account_groups SET name = ? WHERE id = ?`), g.Name, g.ID)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
	if err != nil {
		return fmt.Errorf("update group %d: %w", g.ID, err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id int64) (*entity.Group, error) {
	var g entity.Group
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		return notFound(sqlx.GetContext(ctx, q, &g, q.Rebind(`SELECT id, name FROM account_groups WHERE id = ?`), id))
	})
	if err != nil {
		return nil, fmt.Errorf("get group %d: %w", id, err)
	}
	return &g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]entity.Group, error) {
	var out []entity.Group
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		return sqlx.SelectContext(ctx, q, &out, `SELECT id, name FROM account_groups ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return out, nil
}

// DeleteGroup removes the group. Accounts in it keep existing with a null
// group reference.
func (s *Store) DeleteGroup(ctx context.Context, g *entity.Group) error {
	if g == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM account_groups WHERE id = ?`), g.ID)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
	if err != nil {
		return fmt.Errorf("delete group %d: %w", g.ID, err)
	}
	return nil
}
