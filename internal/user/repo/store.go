package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/database"
)

var (
	// ErrNilArgument is returned when a required record argument is nil.
	ErrNilArgument = errors.New("nil argument")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConsistency is returned when a row written in a transaction cannot
	// be read back inside the same transaction.
	ErrConsistency = errors.New("read-back after write returned no row")
)

// Digests of the empty string left behind by older releases. Profiles
// carrying one of them are made passwordless at startup.
const (
	emptySHA1Digest         = "DA39A3EE5E6B4B0D3255BFEF95601890AFD80709"
	emptySHA1DigestEnvelope = "$SHA1$" + emptySHA1Digest
)

// Store persists accounts, users, groups and plans. Every mutation runs in
// a transaction under the write side of the shared guard; reads take the
// read side.
type Store struct {
	guard  *database.Guard
	codec  Codec
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore builds a Store. A nil codec selects JSONCodec.
func NewStore(guard *database.Guard, codec Codec, logger *zap.SugaredLogger) *Store {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{guard: guard, codec: codec, logger: logger, now: time.Now}
}

// Guard exposes the lock/transaction runner so sibling repositories can
// share it.
func (s *Store) Guard() *database.Guard { return s.guard }

// Initialize creates the schema, migrates a legacy single-table user store,
// seeds groups and plans on first creation and clears empty-string digests.
// Only schema creation can fail; the rest is logged and skipped.
func (s *Store) Initialize(ctx context.Context) error {
	var legacyExists, usersExisted bool
	err := s.guard.Read(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		var err error
		if legacyExists, err = tableExists(ctx, q, s.guard.Dialect(), legacyUsersTable); err != nil {
			return err
		}
		usersExisted, err = tableExists(ctx, q, s.guard.Dialect(), usersTable)
		return err
	})
	if err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}

	err = s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		for _, stmt := range schemaFor(s.guard.Dialect()) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if legacyExists && !usersExisted {
		if n, err := s.migrateLegacyUsers(ctx); err != nil {
			s.logger.Errorw("legacy user migration failed; continuing with an empty user set", "err", err)
		} else {
			s.logger.Infow("migrated legacy users", "count", n)
		}
	}

	if !usersExisted {
		if err := s.seed(ctx); err != nil {
			s.logger.Errorw("seeding groups and plans failed", "err", err)
		}
	}

	if n, err := s.clearEmptyDigests(ctx); err != nil {
		s.logger.Errorw("password hygiene pass failed", "err", err)
	} else if n > 0 {
		s.logger.Warnw("cleared empty-string password digests", "count", n)
	}
	return nil
}

func (s *Store) migrateLegacyUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO `+usersTable+` (guid, data) SELECT guid, data FROM `+legacyUsersTable)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

var (
	seedGroups = []string{"Customer", "Administrator", "Master Reseller", "Reseller"}
	seedPlans  = []entity.Plan{
		{Name: "Basic", MaxSimultaneousScreens: 1},
		{Name: "Standard", MaxSimultaneousScreens: 2},
		{Name: "Premium", MaxSimultaneousScreens: 4},
	}
)

func (s *Store) seed(ctx context.Context) error {
	return s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		for _, name := range seedGroups {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO account_groups (name) VALUES (?)`), name); err != nil {
				return fmt.Errorf("seed group %q: %w", name, err)
			}
		}
		for _, p := range seedPlans {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO plans (name, max_simultaneous_screens) VALUES (?, ?)`), p.Name, p.MaxSimultaneousScreens); err != nil {
				return fmt.Errorf("seed plan %q: %w", p.Name, err)
			}
		}
		return nil
	})
}

// clearEmptyDigests blanks every profile password equal to either encoding
// of the empty-string SHA-1 digest. Rows that fail to decode are skipped.
func (s *Store) clearEmptyDigests(ctx context.Context) (int, error) {
	cleared := 0
	err := s.guard.Write(ctx, func(ctx context.Context, tx sqlx.ExtContext) error {
		var rows []userRow
		if err := sqlx.SelectContext(ctx, tx, &rows, `SELECT id, guid, data, account_id FROM `+usersTable); err != nil {
			return err
		}
		for _, row := range rows {
			u, err := row.toEntity(s.codec)
			if err != nil {
				s.logger.Warnw("skipping undecodable user during hygiene pass", "guid", row.GUID, "err", err)
				continue
			}
			if u.Password != emptySHA1Digest && u.Password != emptySHA1DigestEnvelope {
				continue
			}
			u.Password = ""
			data, err := s.codec.Marshal(u)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE `+usersTable+` SET data = ? WHERE id = ?`), data, row.ID); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	return cleared, err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// insertReturningID runs an INSERT ... RETURNING id statement.
func insertReturningID(ctx context.Context, tx sqlx.ExtContext, query string, args ...any) (int64, error) {
	var id int64
	if err := tx.QueryRowxContext(ctx, tx.Rebind(query+` RETURNING id`), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Timestamps are stored as RFC 3339 text in UTC so both dialects share one
// column type and ordering.
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
