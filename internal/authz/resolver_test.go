package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/user/repo"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTokens struct {
	rows    map[string]*sessionentity.SessionToken
	lookups []string
	updates []*sessionentity.SessionToken
	err     error
}

func (f *fakeTokens) Lookup(_ context.Context, token string) (*sessionentity.SessionToken, error) {
	f.lookups = append(f.lookups, token)
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[token]
	if !ok {
		return nil, session.ErrNotFound
	}
	return row.Clone(), nil
}

func (f *fakeTokens) Update(_ context.Context, t *sessionentity.SessionToken) error {
	f.updates = append(f.updates, t.Clone())
	f.rows[t.Token] = t.Clone()
	return nil
}

type fakeIdentity struct {
	accounts map[uuid.UUID]*entity.Account
	users    map[uuid.UUID]*entity.User
	err      error
}

func (f *fakeIdentity) GetAccount(_ context.Context, id uuid.UUID) (*entity.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("get account %s: %w", id, userrepo.ErrNotFound)
}

func (f *fakeIdentity) GetUser(_ context.Context, id uuid.UUID) (*entity.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("get user %s: %w", id, userrepo.ErrNotFound)
}

type fixture struct {
	res      *Resolver
	tokens   *fakeTokens
	identity *fakeIdentity
	user     *entity.User
	token    string
}

// newFixture registers one user with one token whose row is fresh and in
// sync with the user, so a plain lookup needs no write.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	u := &entity.User{ID: uuid.New(), Name: "alice"}
	tok := ksuid.New().String()
	tokens := &fakeTokens{rows: map[string]*sessionentity.SessionToken{
		tok: {
			Token:        tok,
			UserID:       u.ID,
			UserName:     "alice",
			AppName:      "Web",
			AppVersion:   "1.0",
			DeviceName:   "A",
			DeviceID:     "dev-1",
			LastActivity: fixedNow.Add(-1 * time.Minute),
		},
	}}
	identity := &fakeIdentity{
		accounts: map[uuid.UUID]*entity.Account{},
		users:    map[uuid.UUID]*entity.User{u.ID: u},
	}
	res := NewResolver(DefaultConfig(), tokens, identity, nil)
	res.now = func() time.Time { return fixedNow }
	return &fixture{res: res, tokens: tokens, identity: identity, user: u, token: tok}
}

func newRequest(header string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	if header != "" {
		req.Header.Set("X-Emby-Authorization", header)
	}
	return req.WithContext(WithItems(req.Context()))
}

func structured(client, device, version, token string) string {
	return fmt.Sprintf(`MediaBrowser Client="%s", Device="%s", DeviceId="dev-1", Version="%s", Token="%s"`,
		client, device, version, token)
}

func TestResolve_NoCredentialsIsAnonymous(t *testing.T) {
	f := newFixture(t)

	info, err := f.res.Resolve(newRequest(""))
	require.NoError(t, err)
	assert.False(t, info.Authenticated())
	assert.Empty(t, info.Token)
	assert.Empty(t, f.tokens.lookups)
}

func TestResolve_UnknownSchemeIsTreatedAsAbsent(t *testing.T) {
	f := newFixture(t)

	info, err := f.res.Resolve(newRequest(`Bearer Token="` + f.token + `"`))
	require.NoError(t, err)
	assert.False(t, info.Authenticated())
	assert.Empty(t, f.tokens.lookups)
}

func TestResolve_TokenFallbackOrder(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/x?api_key=from-query", nil)
	req.Header.Set("X-MediaBrowser-Token", "from-legacy")
	req.Header.Set("X-Emby-Token", f.token)
	info, err := f.res.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, f.token, info.Token)
	assert.True(t, info.Authenticated())

	req = httptest.NewRequest(http.MethodGet, "/x?api_key=from-query", nil)
	req.Header.Set("X-MediaBrowser-Token", "from-legacy")
	info, err = f.res.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "from-legacy", info.Token)

	req = httptest.NewRequest(http.MethodGet, "/x?api_key="+f.token, nil)
	info, err = f.res.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, f.token, info.Token)
	assert.Equal(t, "alice", info.User.Name)
}

func TestResolve_UnknownTokenKeepsRawToken(t *testing.T) {
	f := newFixture(t)

	info, err := f.res.Resolve(newRequest(structured("Web", "A", "1.0", "stale")))
	require.NoError(t, err)
	assert.False(t, info.Authenticated())
	assert.Equal(t, "stale", info.Token)
	assert.Empty(t, info.ResolvedToken)
	assert.Empty(t, f.tokens.updates)
}

func TestResolve_BlankFieldsAdoptTokenValues(t *testing.T) {
	f := newFixture(t)

	req := newRequest("")
	req.Header.Set("X-Emby-Token", f.token)
	info, err := f.res.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "Web", info.Client)
	assert.Equal(t, "A", info.Device)
	assert.Equal(t, "dev-1", info.DeviceID)
	assert.Equal(t, "1.0", info.Version)
	assert.Empty(t, f.tokens.updates, "adopting cached values must not write")
}

func TestResolve_DriftUpdatesToken(t *testing.T) {
	f := newFixture(t)

	info, err := f.res.Resolve(newRequest(structured("Web", "B", "1.0", f.token)))
	require.NoError(t, err)
	assert.Equal(t, "B", info.Device)
	require.Len(t, f.tokens.updates, 1)
	assert.Equal(t, "B", f.tokens.updates[0].DeviceName)
}

func TestResolve_DriftIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)

	_, err := f.res.Resolve(newRequest(structured("Web", "a", "1.0", f.token)))
	require.NoError(t, err)
	assert.Empty(t, f.tokens.updates)
}

func TestResolve_CastingClientDriftIsTolerated(t *testing.T) {
	f := newFixture(t)

	info, err := f.res.Resolve(newRequest(structured("Chromecast Receiver", "B", "9.9", f.token)))
	require.NoError(t, err)
	assert.Equal(t, "B", info.Device, "the request still sees its own metadata")
	assert.Empty(t, f.tokens.updates)
	assert.Equal(t, "A", f.tokens.rows[f.token].DeviceName)
}

func TestResolve_FreshnessWindow(t *testing.T) {
	f := newFixture(t)

	_, err := f.res.Resolve(newRequest(structured("Web", "A", "1.0", f.token)))
	require.NoError(t, err)
	assert.Empty(t, f.tokens.updates, "one minute old activity is fresh")

	f.tokens.rows[f.token].LastActivity = fixedNow.Add(-4 * time.Minute)
	_, err = f.res.Resolve(newRequest(structured("Web", "A", "1.0", f.token)))
	require.NoError(t, err)
	require.Len(t, f.tokens.updates, 1)
	assert.True(t, fixedNow.Equal(f.tokens.updates[0].LastActivity))
}

func TestResolve_AllReconciliationWritesOnce(t *testing.T) {
	f := newFixture(t)
	row := f.tokens.rows[f.token]
	row.LastActivity = fixedNow.Add(-time.Hour)
	row.UserName = "old-name"

	_, err := f.res.Resolve(newRequest(structured("Web", "B", "2.0", f.token)))
	require.NoError(t, err)
	require.Len(t, f.tokens.updates, 1)
	got := f.tokens.updates[0]
	assert.Equal(t, "B", got.DeviceName)
	assert.Equal(t, "2.0", got.AppVersion)
	assert.Equal(t, "alice", got.UserName)
	assert.True(t, fixedNow.Equal(got.LastActivity))
}

func TestResolve_AccountSessionSyncsEmail(t *testing.T) {
	f := newFixture(t)
	acc := &entity.Account{ID: 1, GUID: uuid.New(), Email: "owner@x.com", Enabled: true}
	f.identity.accounts[acc.GUID] = acc
	tok := ksuid.New().String()
	f.tokens.rows[tok] = &sessionentity.SessionToken{
		Token: tok, UserID: acc.GUID, UserName: "previous@x.com", LastActivity: fixedNow,
	}

	info, err := f.res.Resolve(newRequest(structured("Web", "", "", tok)))
	require.NoError(t, err)
	require.NotNil(t, info.Account)
	assert.Nil(t, info.User)
	require.Len(t, f.tokens.updates, 1)
	assert.Equal(t, "owner@x.com", f.tokens.updates[0].UserName)
}

func TestResolve_CachedPerRequest(t *testing.T) {
	f := newFixture(t)
	req := newRequest(structured("Web", "A", "1.0", f.token))

	first, err := f.res.Resolve(req)
	require.NoError(t, err)
	second, err := f.res.Resolve(req)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, f.tokens.lookups, 1)
	assert.Same(t, first, FromRequest(req))

	original, ok := ItemsFrom(req.Context()).Get(ItemOriginalAuthenticationInfo)
	require.True(t, ok)
	assert.Equal(t, f.token, original.(*sessionentity.SessionToken).Token)
}

func TestResolve_StoreFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.tokens.err = errors.New("database is locked")

	_, err := f.res.Resolve(newRequest(structured("Web", "A", "1.0", f.token)))
	require.Error(t, err)
	assert.Nil(t, FromRequest(newRequest("")))

	f = newFixture(t)
	f.identity.err = errors.New("disk I/O error")
	_, err = f.res.Resolve(newRequest(structured("Web", "A", "1.0", f.token)))
	require.Error(t, err)
}

func TestResolve_AccountTokens(t *testing.T) {
	f := newFixture(t)

	// malformed account token next to a valid primary token
	req := newRequest(structured("Web", "A", "1.0", f.token) + `, AccountToken="not-a-token"`)
	info, err := f.res.Resolve(req)
	require.NoError(t, err)
	assert.True(t, info.Authenticated())
	assert.Equal(t, []string{f.token}, f.tokens.lookups)
	assert.Equal(t, f.token, info.ResolvedToken)

	// malformed account token alone is never looked up
	f.tokens.lookups = nil
	info, err = f.res.Resolve(newRequest(`Emby Client="Web", AccountToken="{broken"`))
	require.NoError(t, err)
	assert.False(t, info.Authenticated())
	assert.Empty(t, f.tokens.lookups)
	assert.Empty(t, info.ResolvedToken)

	// a well-formed account token is used when no primary token is present
	info, err = f.res.Resolve(newRequest(`Emby Client="Web", AccountToken="` + f.token + `"`))
	require.NoError(t, err)
	assert.True(t, info.Authenticated())
	assert.Equal(t, []string{f.token}, f.tokens.lookups)
	assert.Empty(t, info.Token)
	assert.Equal(t, f.token, info.ResolvedToken)
}

func TestResolve_WithoutItemStoreStillResolves(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Emby-Token", f.token)

	info, err := f.res.Resolve(req)
	require.NoError(t, err)
	assert.True(t, info.Authenticated())
	assert.Nil(t, FromRequest(req))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AUTH_CASTING_CLIENTS", "chromecast, airplay")
	t.Setenv("AUTH_TOKEN_FRESHNESS", "90s")
	t.Setenv("AUTH_HEADER_SCHEMES", "")

	cfg := ConfigFromEnv()
	assert.Equal(t, []string{"chromecast", "airplay"}, cfg.CastingClients)
	assert.Equal(t, 90*time.Second, cfg.Freshness)
	assert.Equal(t, []string{"MediaBrowser", "Emby"}, cfg.Schemes)
}
