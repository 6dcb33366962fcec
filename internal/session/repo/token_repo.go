package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/database"
)

var (
	ErrNotFound    = errors.New("session token not found")
	ErrNilArgument = errors.New("nil session token")
)

// Same statements for both dialects: every column is TEXT.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS session_tokens (
  token TEXT PRIMARY KEY,
  user_guid TEXT NOT NULL,
  user_name TEXT NOT NULL DEFAULT '',
  app_name TEXT NOT NULL DEFAULT '',
  app_version TEXT NOT NULL DEFAULT '',
  device_name TEXT NOT NULL DEFAULT '',
  device_id TEXT NOT NULL DEFAULT '',
  last_activity TEXT NOT NULL,
  date_created TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_session_tokens_user_device ON session_tokens(user_guid, device_id)`,
}

const selectTokens = `SELECT token, user_guid, user_name, app_name, app_version, device_name, device_id,
  last_activity, date_created
FROM session_tokens`

type tokenRow struct {
	Token        string `db:"token"`
	UserGUID     string `db:"user_guid"`
	UserName     string `db:"user_name"`
	AppName      string `db:"app_name"`
	AppVersion   string `db:"app_version"`
	DeviceName   string `db:"device_name"`
	DeviceID     string `db:"device_id"`
	LastActivity string `db:"last_activity"`
	DateCreated  string `db:"date_created"`
}

func (r *tokenRow) toEntity() (*entity.SessionToken, error) {
	t := &entity.SessionToken{
		Token:      r.Token,
		UserName:   r.UserName,
		AppName:    r.AppName,
		AppVersion: r.AppVersion,
		DeviceName: r.DeviceName,
		DeviceID:   r.DeviceID,
	}
	var err error
	if r.UserGUID != "" {
		if t.UserID, err = uuid.Parse(r.UserGUID); err != nil {
			return nil, fmt.Errorf("token user_guid: %w", err)
		}
	}
	if t.LastActivity, err = time.Parse(time.RFC3339Nano, r.LastActivity); err != nil {
		return nil, fmt.Errorf("token last_activity: %w", err)
	}
	if t.DateCreated, err = time.Parse(time.RFC3339Nano, r.DateCreated); err != nil {
		return nil, fmt.Errorf("token date_created: %w", err)
	}
	return t, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// TokenRepo stores session tokens next to the credential tables and shares
// their guard, so token writes are ordered with every other write.
type TokenRepo struct {
	guard *database.Guard
}

func NewTokenRepo(guard *database.Guard) *TokenRepo {
	return &TokenRepo{guard: guard}
}

// EnsureTable creates the session_tokens table if not exists (idempotent).
func (r *TokenRepo) EnsureTable(ctx context.Context) error {
	return r.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func getToken(ctx context.Context, q sqlx.ExtContext, where string, args ...any) (*entity.SessionToken, error) {
	var row tokenRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(selectTokens+` WHERE `+where), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity()
}

func insertToken(ctx context.Context, tx sqlx.ExtContext, t *entity.SessionToken) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO session_tokens
  (token, user_guid, user_name, app_name, app_version, device_name, device_id, last_activity, date_created)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.Token, t.UserID.String(), t.UserName, t.AppName, t.AppVersion, t.DeviceName, t.DeviceID,
		formatTime(t.LastActivity), formatTime(t.DateCreated))
	return err
}

func updateToken(ctx context.Context, tx sqlx.ExtContext, t *entity.SessionToken) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE session_tokens SET user_guid = ?, user_name = ?, app_name = ?,
  app_version = ?, device_name = ?, device_id = ?, last_activity = ?
WHERE token = ?`),
		t.UserID.String(), t.UserName, t.AppName, t.AppVersion, t.DeviceName, t.DeviceID,
		formatTime(t.LastActivity), t.Token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Save inserts t, or, when a token already exists for the same user and
// device id, rewrites that row with t's metadata. The stored row is
// returned; its Token differs from t.Token when an existing one was reused.
// Tokens without a device id are never reused.
func (r *TokenRepo) Save(ctx context.Context, t *entity.SessionToken) (*entity.SessionToken, error) {
	if t == nil {
		return nil, ErrNilArgument
	}
	var saved *entity.SessionToken
	err := r.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		if strings.TrimSpace(t.DeviceID) == "" {
			if err := insertToken(ctx, tx, t); err != nil {
				return err
			}
			saved = t.Clone()
			return nil
		}
		existing, err := getToken(ctx, tx, `user_guid = ? AND device_id = ? ORDER BY date_created LIMIT 1`,
			t.UserID.String(), t.DeviceID)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := insertToken(ctx, tx, t); err != nil {
				return err
			}
			saved = t.Clone()
			return nil
		case err != nil:
			return err
		}
		reused := t.Clone()
		reused.Token = existing.Token
		reused.DateCreated = existing.DateCreated
		if err := updateToken(ctx, tx, reused); err != nil {
			return err
		}
		saved = reused
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save session token: %w", err)
	}
	return saved, nil
}

func (r *TokenRepo) Get(ctx context.Context, token string) (*entity.SessionToken, error) {
	var t *entity.SessionToken
	err := r.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		var err error
		t, err = getToken(ctx, q, `token = ?`, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListByUser returns the tokens owned by userID, oldest first.
func (r *TokenRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*entity.SessionToken, error) {
	var rows []tokenRow
	err := r.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		return sqlx.SelectContext(ctx, q, &rows, q.Rebind(selectTokens+` WHERE user_guid = ? ORDER BY date_created`), userID.String())
	})
	if err != nil {
		return nil, fmt.Errorf("list session tokens: %w", err)
	}
	out := make([]*entity.SessionToken, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *TokenRepo) Update(ctx context.Context, t *entity.SessionToken) error {
	if t == nil {
		return ErrNilArgument
	}
	return r.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		return updateToken(ctx, tx, t)
	})
}

func (r *TokenRepo) Delete(ctx context.Context, token string) error {
	return r.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_tokens WHERE token = ?`), token)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteByUser removes every token of userID except the one equal to
// except (when non-empty) and returns how many were removed.
func (r *TokenRepo) DeleteByUser(ctx context.Context, userID uuid.UUID, except string) (int64, error) {
	var n int64
	err := r.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_tokens WHERE user_guid = ? AND token <> ?`),
			userID.String(), except)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
