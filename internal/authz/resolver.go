package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/user/repo"
)

// AuthorizationInfo is the identity a request resolved to. Client metadata
// is what the request reported, completed from the token row where the
// request left it blank. Account and User are nil for anonymous requests.
type AuthorizationInfo struct {
	Token        string
	AccountToken string
	Client       string
	Device       string
	DeviceID     string
	Version      string

	// ResolvedToken is the credential that matched a stored session, either
	// Token or AccountToken. Empty when nothing matched.
	ResolvedToken string

	Account *entity.Account
	User    *entity.User
}

// Authenticated reports whether a token resolved to an account or user.
func (a *AuthorizationInfo) Authenticated() bool {
	return a != nil && (a.Account != nil || a.User != nil)
}

// TokenRegistry is the part of the session registry the resolver needs.
type TokenRegistry interface {
	Lookup(ctx context.Context, token string) (*sessionentity.SessionToken, error)
	Update(ctx context.Context, t *sessionentity.SessionToken) error
}

// IdentityStore is the part of the credential store the resolver needs.
type IdentityStore interface {
	GetAccount(ctx context.Context, guid uuid.UUID) (*entity.Account, error)
	GetUser(ctx context.Context, id uuid.UUID) (*entity.User, error)
}

type Config struct {
	// CastingClients are case-insensitive substrings of client names whose
	// metadata drift never rewrites the stored token.
	CastingClients []string
	// Freshness is how stale last-activity may get before it is refreshed.
	Freshness time.Duration
	// Schemes accepted in front of a structured credential header.
	Schemes []string

	AuthHeaders     []string
	TokenHeaders    []string
	TokenQueryParam string
}

func DefaultConfig() Config {
	return Config{
		CastingClients:  []string{"chromecast"},
		Freshness:       3 * time.Minute,
		Schemes:         []string{"MediaBrowser", "Emby"},
		AuthHeaders:     []string{"X-Emby-Authorization", "Authorization"},
		TokenHeaders:    []string{"X-Emby-Token", "X-MediaBrowser-Token"},
		TokenQueryParam: "api_key",
	}
}

// ConfigFromEnv overrides the defaults with AUTH_CASTING_CLIENTS,
// AUTH_TOKEN_FRESHNESS and AUTH_HEADER_SCHEMES.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := splitList(os.Getenv("AUTH_CASTING_CLIENTS")); len(v) > 0 {
		cfg.CastingClients = v
	}
	if d, err := time.ParseDuration(os.Getenv("AUTH_TOKEN_FRESHNESS")); err == nil && d > 0 {
		cfg.Freshness = d
	}
	if v := splitList(os.Getenv("AUTH_HEADER_SCHEMES")); len(v) > 0 {
		cfg.Schemes = v
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Resolver turns request credentials into an AuthorizationInfo.
type Resolver struct {
	cfg      Config
	tokens   TokenRegistry
	identity IdentityStore
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewResolver(cfg Config, tokens TokenRegistry, identity IdentityStore, logger *zap.SugaredLogger) *Resolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resolver{cfg: cfg, tokens: tokens, identity: identity, logger: logger, now: time.Now}
}

// Resolve returns the identity of req. Missing or unknown credentials give
// an anonymous result; only store failures are errors. The result is
// cached in the request item store, so later calls for the same request
// return the same value without touching the store.
func (r *Resolver) Resolve(req *http.Request) (*AuthorizationInfo, error) {
	items := ItemsFrom(req.Context())
	if items != nil {
		if v, ok := items.Get(ItemAuthorizationInfo); ok {
			if info, ok := v.(*AuthorizationInfo); ok {
				return info, nil
			}
		}
	}

	creds := r.extract(req)
	info := &AuthorizationInfo{
		Token:        creds.Token,
		AccountToken: creds.AccountToken,
		Client:       creds.Client,
		Device:       creds.Device,
		DeviceID:     creds.DeviceID,
		Version:      creds.Version,
	}

	lookup := creds.Token
	if lookup == "" && creds.AccountToken != "" {
		if session.WellFormed(creds.AccountToken) {
			lookup = creds.AccountToken
		} else {
			r.logger.Debugw("ignoring malformed account token")
		}
	}

	if strings.TrimSpace(lookup) != "" {
		original, err := r.resolveToken(req.Context(), lookup, info)
		if err != nil {
			return nil, err
		}
		if original != nil {
			info.ResolvedToken = lookup
		}
		if items != nil {
			items.Set(ItemOriginalAuthenticationInfo, original)
		}
	}

	if items != nil {
		items.Set(ItemAuthorizationInfo, info)
	}
	return info, nil
}

// resolveToken looks the token up, reconciles info against the stored row
// and writes the row back at most once. It returns the stored row, or nil
// for an unknown token.
func (r *Resolver) resolveToken(ctx context.Context, token string, info *AuthorizationInfo) (*sessionentity.SessionToken, error) {
	row, err := r.tokens.Lookup(ctx, token)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	dirty := false
	if strings.TrimSpace(info.Client) == "" {
		info.Client = row.AppName
	}
	if strings.TrimSpace(info.DeviceID) == "" {
		info.DeviceID = row.DeviceID
	}

	allowUpdate := !containsAnyFold(info.Client, r.cfg.CastingClients)

	if strings.TrimSpace(info.Device) == "" {
		info.Device = row.DeviceName
	} else if !strings.EqualFold(info.Device, row.DeviceName) && allowUpdate {
		row.DeviceName = info.Device
		dirty = true
	}

	if strings.TrimSpace(info.Version) == "" {
		info.Version = row.AppVersion
	} else if !strings.EqualFold(info.Version, row.AppVersion) && allowUpdate {
		row.AppVersion = info.Version
		dirty = true
	}

	now := r.now().UTC()
	if now.Sub(row.LastActivity) > r.cfg.Freshness {
		row.LastActivity = now
		dirty = true
	}

	if row.UserID != uuid.Nil {
		if info.Account, err = r.account(ctx, row.UserID); err != nil {
			return nil, err
		}
		if info.User, err = r.user(ctx, row.UserID); err != nil {
			return nil, err
		}
		if info.User != nil && !strings.EqualFold(info.User.Name, row.UserName) {
			row.UserName = info.User.Name
			dirty = true
		}
		if info.Account != nil && !strings.EqualFold(info.Account.Email, row.UserName) {
			row.UserName = info.Account.Email
			dirty = true
		}
	}

	if dirty {
		err := r.tokens.Update(ctx, row)
		switch {
		case errors.Is(err, session.ErrNotFound):
			r.logger.Debugw("token revoked during resolution", "user", row.UserID)
		case err != nil:
			return nil, fmt.Errorf("update token: %w", err)
		}
	}
	return row, nil
}

func (r *Resolver) account(ctx context.Context, id uuid.UUID) (*entity.Account, error) {
	a, err := r.identity.GetAccount(ctx, id)
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (r *Resolver) user(ctx context.Context, id uuid.UUID) (*entity.User, error) {
	u, err := r.identity.GetUser(ctx, id)
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil, nil
	}
	return u, err
}
