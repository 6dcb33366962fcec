package user

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/password"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session"
	sessionrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/database"
)

type testEnv struct {
	svc      *Service
	store    *userrepo.Store
	sessions *session.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := database.Open(database.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	guard := database.NewGuard(db, dialect, nil)
	store := userrepo.NewStore(guard, nil, nil)
	require.NoError(t, store.Initialize(ctx))
	tokens := sessionrepo.NewTokenRepo(guard)
	require.NoError(t, tokens.EnsureTable(ctx))

	// a low iteration count keeps the suite fast
	hasher, err := password.New(password.Config{PBKDF2Iterations: 1000})
	require.NoError(t, err)
	registry := session.NewRegistry(tokens, nil)
	return &testEnv{svc: NewService(store, hasher, registry, nil), store: store, sessions: registry}
}

func (e *testEnv) account(t *testing.T, email, secret string, profiles ...string) (*entity.Account, []*entity.User) {
	t.Helper()
	a := &entity.Account{Email: email, Enabled: true}
	users, err := e.svc.CreateAccount(context.Background(), a, secret, profiles)
	require.NoError(t, err)
	return a, users
}

func legacySHA1(secret string) string {
	sum := sha1.Sum([]byte(secret))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

var web = ClientInfo{App: "Web", AppVersion: "1.0", DeviceID: "dev-1", DeviceName: "Firefox"}

func TestAuthenticateAccount(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a, _ := e.account(t, "owner@example.com", "hunter2")

	res, err := e.svc.AuthenticateAccount(ctx, "  OWNER@example.com ", "hunter2", web)
	require.NoError(t, err)
	require.NotNil(t, res.Account)
	assert.Nil(t, res.User)
	assert.Equal(t, a.GUID, res.Session.UserID)
	assert.Equal(t, "owner@example.com", res.Session.UserName)
	assert.Equal(t, "Firefox", res.Session.DeviceName)

	got, err := e.sessions.Lookup(ctx, res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, a.GUID, got.UserID)

	stored, err := e.store.GetAccount(ctx, a.GUID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.Password, "$"+password.SchemePBKDF2SHA512+"$"))
}

func TestAuthenticateAccount_UniformFailure(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.account(t, "owner@example.com", "hunter2")

	_, wrongPassword := e.svc.AuthenticateAccount(ctx, "owner@example.com", "nope", web)
	_, unknownEmail := e.svc.AuthenticateAccount(ctx, "ghost@example.com", "hunter2", web)
	_, blank := e.svc.AuthenticateAccount(ctx, "", "", web)
	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownEmail, ErrInvalidCredentials)
	assert.ErrorIs(t, blank, ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestAuthenticateAccount_DisabledAndExpired(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	a, _ := e.account(t, "off@example.com", "pw")
	a.Enabled = false
	require.NoError(t, e.store.UpdateAccount(ctx, a))
	_, err := e.svc.AuthenticateAccount(ctx, "off@example.com", "pw", web)
	assert.ErrorIs(t, err, ErrAccountDisabled)

	trial := &entity.Account{Email: "trial@example.com", Enabled: true, IsTrial: true}
	_, err = e.svc.CreateAccount(ctx, trial, "pw", nil)
	require.NoError(t, err)
	require.NotNil(t, trial.ExpDate)
	assert.WithinDuration(t, time.Now().Add(trialPeriod), *trial.ExpDate, time.Minute)

	_, err = e.svc.AuthenticateAccount(ctx, "trial@example.com", "pw", web)
	require.NoError(t, err)

	e.svc.now = func() time.Time { return time.Now().Add(11 * 24 * time.Hour) }
	_, err = e.svc.AuthenticateAccount(ctx, "trial@example.com", "pw", web)
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestAuthenticateAccount_UpgradesLegacyDigest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := &entity.Account{Email: "old@example.com", Enabled: true, Password: legacySHA1("pw")}
	require.NoError(t, e.store.CreateAccount(ctx, a))

	_, err := e.svc.AuthenticateAccount(ctx, "old@example.com", "pw", web)
	require.NoError(t, err)

	stored, err := e.store.GetAccount(ctx, a.GUID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.Password, "$"+password.SchemePBKDF2SHA512+"$"), stored.Password)

	_, err = e.svc.AuthenticateAccount(ctx, "old@example.com", "pw", web)
	assert.NoError(t, err)
	_, err = e.svc.AuthenticateAccount(ctx, "old@example.com", "other", web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateAccount_SaltedDigestKept(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a, _ := e.account(t, "a@example.com", "pw")
	before, err := e.store.GetAccount(ctx, a.GUID)
	require.NoError(t, err)

	_, err = e.svc.AuthenticateAccount(ctx, "a@example.com", "pw", web)
	require.NoError(t, err)

	after, err := e.store.GetAccount(ctx, a.GUID)
	require.NoError(t, err)
	assert.Equal(t, before.Password, after.Password)
}

func TestAccountPasswordNeverEmpty(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.CreateAccount(ctx, &entity.Account{Email: "blank@example.com", Enabled: true}, "", nil)
	assert.ErrorIs(t, err, userrepo.ErrNilArgument)
	_, err = e.store.GetAccountByEmail(ctx, "blank@example.com")
	assert.ErrorIs(t, err, userrepo.ErrNotFound)

	a, _ := e.account(t, "a@example.com", "pw")
	err = e.svc.ChangeAccountPassword(ctx, a.GUID, "pw", "", "")
	assert.ErrorIs(t, err, userrepo.ErrNilArgument)
	_, err = e.svc.AuthenticateAccount(ctx, "a@example.com", "", web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.svc.AuthenticateAccount(ctx, "a@example.com", "pw", web)
	assert.NoError(t, err)

	// rows written before the check existed still refuse the empty secret
	legacy := &entity.Account{Email: "old@example.com", Enabled: true}
	require.NoError(t, e.store.CreateAccount(ctx, legacy))
	_, err = e.svc.AuthenticateAccount(ctx, "old@example.com", "", web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateUser(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := &entity.User{Name: "grandpa", Password: legacySHA1("secret")}
	require.NoError(t, e.store.CreateUser(ctx, u))

	_, err := e.svc.AuthenticateUser(ctx, "grandpa", "wrong", web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.svc.AuthenticateUser(ctx, "nobody", "secret", web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := e.svc.AuthenticateUser(ctx, "GRANDPA", "secret", web)
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.Session.UserID)
	assert.Equal(t, "grandpa", res.Session.UserName)

	stored, err := e.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.Password, "$"+password.SchemePBKDF2SHA512+"$"), "legacy digest upgraded: %s", stored.Password)

	_, err = e.svc.AuthenticateUser(ctx, "grandpa", "secret", web)
	assert.NoError(t, err)
}

func TestAuthenticateUser_Passwordless(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, users := e.account(t, "family@example.com", "pw", "kids")

	_, err := e.svc.AuthenticateUser(ctx, users[0].Name, "", web)
	require.NoError(t, err)
	_, err = e.svc.AuthenticateUser(ctx, users[0].Name, "anything", web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateUser_DisabledOwner(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a, users := e.account(t, "family@example.com", "pw", "kids")
	require.NoError(t, e.svc.DisableAccount(ctx, a.GUID))

	_, err := e.svc.AuthenticateUser(ctx, users[0].Name, "", web)
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestAuthenticateProfile(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, mine := e.account(t, "a@example.com", "pw", "kids")
	_, theirs := e.account(t, "b@example.com", "pw", "other")

	acc, err := e.svc.AuthenticateAccount(ctx, "a@example.com", "pw", web)
	require.NoError(t, err)

	res, err := e.svc.AuthenticateProfile(ctx, acc.Session.Token, mine[0].ID, web)
	require.NoError(t, err)
	assert.Equal(t, mine[0].ID, res.Session.UserID)

	_, err = e.svc.AuthenticateProfile(ctx, acc.Session.Token, theirs[0].ID, web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.svc.AuthenticateProfile(ctx, "unknown", mine[0].ID, web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.svc.AuthenticateProfile(ctx, acc.Session.Token, uuid.New(), web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword_UpgradesAndRevokesOtherSessions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := &entity.User{Name: "alice", Password: "$SHA1$" + legacySHA1("old")}
	require.NoError(t, e.store.CreateUser(ctx, u))

	phone, err := e.svc.AuthenticateUser(ctx, "alice", "old", ClientInfo{App: "Android", DeviceID: "phone"})
	require.NoError(t, err)
	tv, err := e.svc.AuthenticateUser(ctx, "alice", "old", ClientInfo{App: "TV", DeviceID: "tv"})
	require.NoError(t, err)
	require.NotEqual(t, phone.Session.Token, tv.Session.Token)

	assert.ErrorIs(t, e.svc.ChangePassword(ctx, u.ID, "wrong", "new", phone.Session.Token), ErrInvalidCredentials)
	require.NoError(t, e.svc.ChangePassword(ctx, u.ID, "old", "new", phone.Session.Token))

	_, err = e.sessions.Lookup(ctx, phone.Session.Token)
	assert.NoError(t, err)
	_, err = e.sessions.Lookup(ctx, tv.Session.Token)
	assert.ErrorIs(t, err, session.ErrNotFound)

	stored, err := e.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.Password, "$"+password.SchemePBKDF2SHA512+"$"))

	_, err = e.svc.AuthenticateUser(ctx, "alice", "old", web)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.svc.AuthenticateUser(ctx, "alice", "new", web)
	assert.NoError(t, err)
}

func TestChangePassword_ToPasswordless(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, users := e.account(t, "a@example.com", "pw", "kids")

	require.NoError(t, e.svc.ChangePassword(ctx, users[0].ID, "", "set", ""))
	require.NoError(t, e.svc.ChangePassword(ctx, users[0].ID, "set", "", ""))

	stored, err := e.store.GetUser(ctx, users[0].ID)
	require.NoError(t, err)
	assert.False(t, stored.HasPassword())
}

func TestChangeAccountPassword(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a, _ := e.account(t, "a@example.com", "first")

	res, err := e.svc.AuthenticateAccount(ctx, "a@example.com", "first", web)
	require.NoError(t, err)
	other, err := e.svc.AuthenticateAccount(ctx, "a@example.com", "first", ClientInfo{DeviceID: "other"})
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.ChangeAccountPassword(ctx, a.GUID, "nope", "second", res.Session.Token), ErrInvalidCredentials)
	require.NoError(t, e.svc.ChangeAccountPassword(ctx, a.GUID, "first", "second", res.Session.Token))

	_, err = e.sessions.Lookup(ctx, other.Session.Token)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = e.svc.AuthenticateAccount(ctx, "a@example.com", "second", web)
	assert.NoError(t, err)
}

func TestCreateAccount_Profiles(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	a, users := e.account(t, "a@example.com", "pw", "kids", "adults")
	require.Len(t, users, 2)
	prefix := fmt.Sprintf("[%s]", strings.ReplaceAll(a.GUID.String(), "-", ""))
	assert.Equal(t, prefix+"kids", users[0].Name)
	for _, u := range users {
		require.NotNil(t, u.AccountID)
		assert.Equal(t, a.ID, *u.AccountID)
	}

	_, err := e.svc.CreateAccount(ctx, &entity.Account{Email: "b@example.com"}, "pw",
		[]string{"1", "2", "3", "4", "5", "6"})
	assert.ErrorIs(t, err, ErrTooManyProfiles)
	_, err = e.store.GetAccountByEmail(ctx, "b@example.com")
	assert.ErrorIs(t, err, userrepo.ErrNotFound)

	_, err = e.svc.CreateAccount(ctx, &entity.Account{}, "pw", nil)
	assert.ErrorIs(t, err, userrepo.ErrNilArgument)
	_, err = e.svc.CreateAccount(ctx, nil, "pw", nil)
	assert.ErrorIs(t, err, userrepo.ErrNilArgument)
}

func TestCreateProfile_Cap(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a, _ := e.account(t, "a@example.com", "pw", "1", "2", "3")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.CreateProfile(ctx, a.GUID, fmt.Sprintf("extra-%d", i), "")
		}(i)
	}
	wg.Wait()

	var created, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrTooManyProfiles):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, rejected)

	profiles, err := e.svc.ListProfiles(ctx, a.GUID)
	require.NoError(t, err)
	assert.Len(t, profiles, MaxProfiles)
	for i := 1; i < len(profiles); i++ {
		assert.LessOrEqual(t, profiles[i-1].Name, profiles[i].Name)
	}
}

func TestCreateProfile_WithPassword(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a, _ := e.account(t, "a@example.com", "pw")

	u, err := e.svc.CreateProfile(ctx, a.GUID, "locked", "pin")
	require.NoError(t, err)
	assert.True(t, u.HasPassword())

	_, err = e.svc.AuthenticateUser(ctx, u.Name, "pin", web)
	assert.NoError(t, err)

	_, err = e.svc.CreateProfile(ctx, uuid.New(), "x", "")
	assert.ErrorIs(t, err, userrepo.ErrNotFound)
	_, err = e.svc.CreateProfile(ctx, a.GUID, "  ", "")
	assert.ErrorIs(t, err, userrepo.ErrNilArgument)
}

func TestDisableAccount_RevokesEverySession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a, users := e.account(t, "a@example.com", "pw", "kids")

	acc, err := e.svc.AuthenticateAccount(ctx, "a@example.com", "pw", web)
	require.NoError(t, err)
	prof, err := e.svc.AuthenticateUser(ctx, users[0].Name, "", web)
	require.NoError(t, err)

	require.NoError(t, e.svc.DisableAccount(ctx, a.GUID))

	for _, tok := range []string{acc.Session.Token, prof.Session.Token} {
		_, err := e.sessions.Lookup(ctx, tok)
		assert.ErrorIs(t, err, session.ErrNotFound)
	}
	stored, err := e.store.GetAccount(ctx, a.GUID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	assert.ErrorIs(t, e.svc.DisableAccount(ctx, uuid.New()), userrepo.ErrNotFound)
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.account(t, "a@example.com", "pw")
	res, err := e.svc.AuthenticateAccount(ctx, "a@example.com", "pw", web)
	require.NoError(t, err)

	require.NoError(t, e.svc.Logout(ctx, res.Session.Token))
	require.NoError(t, e.svc.Logout(ctx, res.Session.Token))
	_, err = e.sessions.Lookup(ctx, res.Session.Token)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestListSessions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a, users := e.account(t, "a@example.com", "pw", "kids")

	_, err := e.svc.AuthenticateAccount(ctx, "a@example.com", "pw", web)
	require.NoError(t, err)
	_, err = e.svc.AuthenticateAccount(ctx, "a@example.com", "pw", ClientInfo{App: "TV", DeviceID: "tv"})
	require.NoError(t, err)
	_, err = e.svc.AuthenticateUser(ctx, users[0].Name, "", web)
	require.NoError(t, err)

	mine, err := e.svc.ListSessions(ctx, a.GUID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	for _, tok := range mine {
		assert.Equal(t, a.GUID, tok.UserID)
	}

	none, err := e.svc.ListSessions(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIsAdministrator(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	groups, err := e.store.ListGroups(ctx)
	require.NoError(t, err)
	var adminGroup, customerGroup int64
	for _, g := range groups {
		switch g.Name {
		case "Administrator":
			adminGroup = g.ID
		case "Customer":
			customerGroup = g.ID
		}
	}

	ok, err := e.svc.IsAdministrator(ctx, &entity.Account{GroupID: &adminGroup})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.svc.IsAdministrator(ctx, &entity.Account{GroupID: &customerGroup})
	require.NoError(t, err)
	assert.False(t, ok)
	missing := int64(999)
	ok, err = e.svc.IsAdministrator(ctx, &entity.Account{GroupID: &missing})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.svc.IsAdministrator(ctx, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
