package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
)

const selectPlans = `SELECT id, name, max_simultaneous_screens FROM plans`

func (s *Store) CreatePlan(ctx context.Context, p *entity.Plan) error {
	if p == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		id, err := insertReturningID(ctx, tx, `INSERT INTO plans (name, max_simultaneous_screens) VALUES (?, ?)`,
			p.Name, p.MaxSimultaneousScreens)
		if err != nil {
			return err
		}
		err = sqlx.GetContext(ctx, tx, p, tx.Rebind(selectPlans+` WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConsistency
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *entity.Plan) error {
	if p == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE plans SET name = ?, max_simultaneous_screens = ? WHERE id = ?`),
			p.Name, p.MaxSimultaneousScreens, p.ID)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
	if err != nil {
		return fmt.Errorf("update plan %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id int64) (*entity.Plan, error) {
	var p entity.Plan
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		return notFound(sqlx.GetContext(ctx, q, &p, q.Rebind(selectPlans+` WHERE id = ?`), id))
	})
	if err != nil {
		return nil, fmt.Errorf("get plan %d: %w", id, err)
	}
	return &p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]entity.Plan, error) {
	var out []entity.Plan
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		return sqlx.SelectContext(ctx, q, &out, selectPlans+` ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return out, nil
}

// DeletePlan removes the plan; subscribed accounts fall back to no plan.
func (s *Store) DeletePlan(ctx context.Context, p *entity.Plan) error {
	if p == nil {
		return ErrNilArgument
	}
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM plans WHERE id = ?`), p.ID)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
	if err != nil {
		return fmt.Errorf("delete plan %d: %w", p.ID, err)
	}
	return nil
}
