package user

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/password"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/user/repo"
)

// MaxProfiles is how many user profiles one account may own.
const MaxProfiles = 5

// Trial accounts created without an expiry run for this long.
const trialPeriod = 10 * 24 * time.Hour

const administratorGroup = "Administrator"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrTooManyProfiles    = errors.New("maximum number of profiles reached")
	ErrForbidden          = errors.New("forbidden")
)

// ClientInfo is the client metadata a new session is stamped with.
type ClientInfo struct {
	App        string
	AppVersion string
	DeviceID   string
	DeviceName string
}

// AuthenticationResult is a freshly issued (or reused) session together
// with the identity it belongs to. Exactly one of Account and User is set.
type AuthenticationResult struct {
	Session *sessionentity.SessionToken
	Account *entity.Account
	User    *entity.User
}

// Service implements login, password change and account administration on
// top of the credential store, the hasher and the session registry.
type Service struct {
	store    *userrepo.Store
	hasher   *password.Hasher
	sessions *session.Registry
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewService(store *userrepo.Store, hasher *password.Hasher, sessions *session.Registry, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, hasher: hasher, sessions: sessions, logger: logger, now: time.Now}
}

// AuthenticateAccount logs an account in by email. The session's owner is
// the account GUID and its username the account email. Unknown emails and
// wrong passwords fail identically.
func (s *Service) AuthenticateAccount(ctx context.Context, email, secret string, client ClientInfo) (*AuthenticationResult, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}
	a, err := s.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !s.verifyAccount(secret, a) {
		return nil, ErrInvalidCredentials
	}
	if !a.Enabled || a.Expired(s.now()) {
		return nil, ErrAccountDisabled
	}

	digest := password.MigrateDigest(a.Password)
	changed := digest != a.Password
	if upgraded, ok := s.upgrade(digest, secret); ok {
		digest, changed = upgraded, true
	}
	if changed {
		a.Password = digest
		if err := s.store.UpdateAccount(ctx, a); err != nil {
			s.logger.Warnw("persist upgraded account digest failed", "account", a.GUID, "err", err)
		}
	}

	tok, err := s.issue(ctx, a.GUID, a.Email, client)
	if err != nil {
		return nil, err
	}
	return &AuthenticationResult{Session: tok, Account: a}, nil
}

// AuthenticateUser logs a profile in by name. Passwordless profiles accept
// only an empty secret. An unsalted digest is re-hashed under the default
// scheme and persisted after the first successful verification.
func (s *Service) AuthenticateUser(ctx context.Context, name, secret string, client ClientInfo) (*AuthenticationResult, error) {
	u, err := s.userByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if u == nil || !s.verify(secret, u.Password, "user", u.ID) {
		return nil, ErrInvalidCredentials
	}
	if err := s.ensureOwnerEnabled(ctx, u); err != nil {
		return nil, err
	}

	changed := s.hasher.Migrate(u)
	if upgraded, ok := s.upgrade(u.Password, secret); ok {
		u.Password, changed = upgraded, true
	}
	if changed {
		if err := s.store.UpdateUser(ctx, u); err != nil {
			s.logger.Warnw("persist upgraded user digest failed", "user", u.ID, "err", err)
		}
	}

	tok, err := s.issue(ctx, u.ID, u.Name, client)
	if err != nil {
		return nil, err
	}
	return &AuthenticationResult{Session: tok, User: u}, nil
}

// AuthenticateProfile opens a profile session from a live account session
// without asking for the profile password. The profile must belong to the
// account the token was issued to.
func (s *Service) AuthenticateProfile(ctx context.Context, accountToken string, userID uuid.UUID, client ClientInfo) (*AuthenticationResult, error) {
	tok, err := s.sessions.Lookup(ctx, accountToken)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAccount(ctx, tok.UserID)
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if u.AccountID == nil || *u.AccountID != a.ID {
		return nil, ErrInvalidCredentials
	}
	if !a.Enabled || a.Expired(s.now()) {
		return nil, ErrAccountDisabled
	}

	issued, err := s.issue(ctx, u.ID, u.Name, client)
	if err != nil {
		return nil, err
	}
	return &AuthenticationResult{Session: issued, User: u}, nil
}

// ChangePassword verifies current, stores the new digest and revokes every
// other session of the user. currentToken survives so the caller stays
// logged in.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, newSecret, currentToken string) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !s.verify(current, u.Password, "user", u.ID) {
		return ErrInvalidCredentials
	}
	if err := s.hasher.ChangePassword(u, newSecret); err != nil {
		return fmt.Errorf("change password for %s: %w", u.ID, err)
	}
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return err
	}
	s.revokeOthers(ctx, u.ID, currentToken)
	return nil
}

// ChangeAccountPassword is ChangePassword for the account login. Accounts
// are never passwordless, so an empty new secret is rejected.
func (s *Service) ChangeAccountPassword(ctx context.Context, accountID uuid.UUID, current, newSecret, currentToken string) error {
	if newSecret == "" {
		return fmt.Errorf("change account password: new password is required: %w", userrepo.ErrNilArgument)
	}
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !s.verifyAccount(current, a) {
		return ErrInvalidCredentials
	}
	digest, err := s.hasher.Rehash(a.Password, newSecret)
	if err != nil {
		return fmt.Errorf("change password for account %s: %w", a.GUID, err)
	}
	a.Password = digest
	if err := s.store.UpdateAccount(ctx, a); err != nil {
		return err
	}
	s.revokeOthers(ctx, a.GUID, currentToken)
	return nil
}

// CreateAccount stores a with secret hashed under the default scheme and
// one profile per name in profiles, all in one transaction. Trial accounts
// without an expiry get the default trial period.
func (s *Service) CreateAccount(ctx context.Context, a *entity.Account, secret string, profiles []string) ([]*entity.User, error) {
	if a == nil {
		return nil, userrepo.ErrNilArgument
	}
	if len(profiles) > MaxProfiles {
		return nil, ErrTooManyProfiles
	}
	if strings.TrimSpace(a.Email) == "" {
		return nil, fmt.Errorf("create account: email is required: %w", userrepo.ErrNilArgument)
	}
	if secret == "" {
		return nil, fmt.Errorf("create account: password is required: %w", userrepo.ErrNilArgument)
	}
	if a.GUID == uuid.Nil {
		a.GUID = uuid.New()
	}
	now := s.now().UTC()
	if a.DateCreated.IsZero() {
		a.DateCreated = now
	}
	if a.IsTrial && a.ExpDate == nil {
		exp := now.Add(trialPeriod)
		a.ExpDate = &exp
	}
	digest, err := s.hasher.Hash(secret, s.hasher.DefaultScheme())
	if err != nil {
		return nil, err
	}
	a.Password = digest

	users := make([]*entity.User, 0, len(profiles))
	for _, name := range profiles {
		users = append(users, &entity.User{Name: profileName(a.GUID, name)})
	}
	if err := s.store.CreateAccountWithUsers(ctx, a, users); err != nil {
		return nil, err
	}
	s.logger.Infow("account created", "account", a.GUID, "profiles", len(users))
	return users, nil
}

// CreateProfile adds a profile to the account. The count check and the
// insert are atomic, so concurrent requests cannot exceed MaxProfiles.
func (s *Service) CreateProfile(ctx context.Context, accountID uuid.UUID, name, secret string) (*entity.User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("create profile: name is required: %w", userrepo.ErrNilArgument)
	}
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	u := &entity.User{Name: profileName(a.GUID, name), AccountID: &a.ID}
	if secret != "" {
		if u.Password, err = s.hasher.Hash(secret, ""); err != nil {
			return nil, err
		}
	}
	err = s.store.CreateUserCapped(ctx, u, MaxProfiles)
	if errors.Is(err, userrepo.ErrLimitReached) {
		return nil, ErrTooManyProfiles
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListProfiles returns the account's profiles ordered by name.
func (s *Service) ListProfiles(ctx context.Context, accountID uuid.UUID) ([]*entity.User, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	users, err := s.store.ListUsersByAccount(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

// DisableAccount disables the account and revokes every session of the
// account and of its profiles.
func (s *Service) DisableAccount(ctx context.Context, accountID uuid.UUID) error {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	a.Enabled = false
	if err := s.store.UpdateAccount(ctx, a); err != nil {
		return err
	}

	owners := []uuid.UUID{a.GUID}
	users, err := s.store.ListUsersByAccount(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, u := range users {
		owners = append(owners, u.ID)
	}
	var revoked int64
	for _, id := range owners {
		n, err := s.sessions.RevokeAllForUser(ctx, id, "")
		if err != nil {
			return err
		}
		revoked += n
	}
	s.logger.Infow("account disabled", "account", a.GUID, "revoked", revoked)
	return nil
}

// Logout revokes token. Unknown tokens are already logged out.
func (s *Service) Logout(ctx context.Context, token string) error {
	err := s.sessions.Revoke(ctx, token)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	return err
}

// ListSessions returns the live sessions of owner, which is an account GUID
// or a profile id.
func (s *Service) ListSessions(ctx context.Context, owner uuid.UUID) ([]*sessionentity.SessionToken, error) {
	return s.sessions.ListForUser(ctx, owner)
}

// IsAdministrator reports whether a belongs to the administrator group.
func (s *Service) IsAdministrator(ctx context.Context, a *entity.Account) (bool, error) {
	if a == nil || a.GroupID == nil {
		return false, nil
	}
	g, err := s.store.GetGroup(ctx, *a.GroupID)
	if errors.Is(err, userrepo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(g.Name, administratorGroup), nil
}

// GetUser returns the profile with the given id.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*entity.User, error) {
	return s.store.GetUser(ctx, id)
}

func (s *Service) issue(ctx context.Context, owner uuid.UUID, name string, client ClientInfo) (*sessionentity.SessionToken, error) {
	return s.sessions.Issue(ctx, &sessionentity.SessionToken{
		UserID:     owner,
		UserName:   name,
		AppName:    client.App,
		AppVersion: client.AppVersion,
		DeviceID:   client.DeviceID,
		DeviceName: client.DeviceName,
	})
}

// verify treats unreadable digests as a failed login; the row is logged so
// an operator can repair it.
func (s *Service) verify(secret, digest, kind string, id uuid.UUID) bool {
	ok, err := s.hasher.Verify(secret, digest)
	if err != nil {
		s.logger.Warnw("stored digest unusable", kind, id, "err", err)
		return false
	}
	return ok
}

// verifyAccount is verify for account logins. Accounts are never
// passwordless, so an empty stored digest matches nothing.
func (s *Service) verifyAccount(secret string, a *entity.Account) bool {
	if a.Password == "" {
		s.logger.Warnw("account has no password digest", "account", a.GUID)
		return false
	}
	return s.verify(secret, a.Password, "account", a.GUID)
}

// upgrade re-hashes secret under the default scheme when digest, which
// secret has just verified against, is unsalted.
func (s *Service) upgrade(digest, secret string) (string, bool) {
	if !s.hasher.NeedsUpgrade(digest) {
		return "", false
	}
	upgraded, err := s.hasher.Hash(secret, s.hasher.DefaultScheme())
	if err != nil {
		s.logger.Warnw("upgrade digest failed", "err", err)
		return "", false
	}
	return upgraded, true
}

func (s *Service) ensureOwnerEnabled(ctx context.Context, u *entity.User) error {
	if u.AccountID == nil {
		return nil
	}
	a, err := s.store.GetAccountByID(ctx, *u.AccountID)
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !a.Enabled || a.Expired(s.now()) {
		return ErrAccountDisabled
	}
	return nil
}

// userByName matches names case-insensitively. Names live inside the
// serialized payload, so this scans the table.
func (s *Service) userByName(ctx context.Context, name string) (*entity.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Name, name) {
			return u, nil
		}
	}
	return nil, nil
}

func (s *Service) revokeOthers(ctx context.Context, owner uuid.UUID, keep string) {
	n, err := s.sessions.RevokeAllForUser(ctx, owner, keep)
	if err != nil {
		s.logger.Errorw("revoke sessions after password change failed", "owner", owner, "err", err)
		return
	}
	s.logger.Debugw("sessions revoked after password change", "owner", owner, "revoked", n)
}

func profileName(account uuid.UUID, name string) string {
	return fmt.Sprintf("[%s]%s", strings.ReplaceAll(account.String(), "-", ""), strings.TrimSpace(name))
}
