package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/utilities"
)

// ErrNotFound is returned by Lookup for unknown or empty tokens.
var ErrNotFound = repo.ErrNotFound

// Registry issues, resolves and revokes session tokens.
type Registry struct {
	repo     *repo.TokenRepo
	logger   *zap.SugaredLogger
	now      func() time.Time
	newToken func() string
}

func NewRegistry(r *repo.TokenRepo, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{repo: r, logger: logger, now: time.Now, newToken: utilities.NewKSUID}
}

// WellFormed reports whether token has the shape of an issued token.
func WellFormed(token string) bool {
	_, err := ksuid.Parse(token)
	return err == nil
}

// Issue creates a token carrying t's owner and client metadata. A live
// token for the same owner and device id is reused and refreshed instead.
func (r *Registry) Issue(ctx context.Context, t *entity.SessionToken) (*entity.SessionToken, error) {
	if t == nil {
		return nil, repo.ErrNilArgument
	}
	now := r.now()
	candidate := t.Clone()
	candidate.Token = r.newToken()
	candidate.LastActivity = now
	candidate.DateCreated = now

	saved, err := r.repo.Save(ctx, candidate)
	if err != nil {
		return nil, err
	}
	r.logger.Debugw("session issued",
		"user", saved.UserID,
		"device_id", saved.DeviceID,
		"app", saved.AppName,
		"reused", saved.Token != candidate.Token,
	)
	return saved, nil
}

// Lookup resolves a bare token value.
func (r *Registry) Lookup(ctx context.Context, token string) (*entity.SessionToken, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return r.repo.Get(ctx, token)
}

// Update persists the mutable metadata of t.
func (r *Registry) Update(ctx context.Context, t *entity.SessionToken) error {
	if err := r.repo.Update(ctx, t); err != nil {
		return fmt.Errorf("update session token: %w", err)
	}
	return nil
}

// Revoke deletes a single token (logout).
func (r *Registry) Revoke(ctx context.Context, token string) error {
	if err := r.repo.Delete(ctx, token); err != nil {
		return fmt.Errorf("revoke session token: %w", err)
	}
	return nil
}

// RevokeAllForUser deletes every token owned by userID except exceptToken.
func (r *Registry) RevokeAllForUser(ctx context.Context, userID uuid.UUID, exceptToken string) (int64, error) {
	n, err := r.repo.DeleteByUser(ctx, userID, exceptToken)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions of %s: %w", userID, err)
	}
	if n > 0 {
		r.logger.Infow("sessions revoked", "user", userID, "count", n, "kept", exceptToken != "")
	}
	return n, nil
}

// ListForUser returns the live tokens of userID.
func (r *Registry) ListForUser(ctx context.Context, userID uuid.UUID) ([]*entity.SessionToken, error) {
	return r.repo.ListByUser(ctx, userID)
}
