package user

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/authz"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/password"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/user/repo"
)

// Handler exposes the login, session and account endpoints.
type Handler struct {
	svc      *Service
	resolver *authz.Resolver
	logger   *zap.SugaredLogger
}

func NewHandler(svc *Service, resolver *authz.Resolver, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, resolver: resolver, logger: logger}
}

type AccountView struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Enabled   bool       `json:"enabled"`
	IsTrial   bool       `json:"is_trial"`
	ExpDate   *time.Time `json:"exp_date,omitempty"`
	GroupID   *int64     `json:"group_id,omitempty"`
	PlanID    *int64     `json:"plan_id,omitempty"`
	Credit    int64      `json:"credit"`
	CreatedAt time.Time  `json:"date_created"`
}

func accountView(a *entity.Account) *AccountView {
	if a == nil {
		return nil
	}
	return &AccountView{
		ID: a.GUID.String(), Email: a.Email, Enabled: a.Enabled, IsTrial: a.IsTrial, ExpDate: a.ExpDate,
		GroupID: a.GroupID, PlanID: a.PlanID, Credit: a.Credit, CreatedAt: a.DateCreated,
	}
}

type UserView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	HasPassword bool   `json:"has_password"`
}

func userView(u *entity.User) *UserView {
	if u == nil {
		return nil
	}
	return &UserView{ID: u.ID.String(), Name: u.Name, HasPassword: u.HasPassword()}
}

// SessionView describes a live session without its bearer token. Current
// marks the session the request was made with.
type SessionView struct {
	App          string    `json:"app"`
	AppVersion   string    `json:"app_version"`
	Device       string    `json:"device"`
	DeviceID     string    `json:"device_id"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"date_created"`
	Current      bool      `json:"current"`
}

func sessionView(t *sessionentity.SessionToken, current string) *SessionView {
	return &SessionView{
		App: t.AppName, AppVersion: t.AppVersion, Device: t.DeviceName, DeviceID: t.DeviceID,
		LastActivity: t.LastActivity, CreatedAt: t.DateCreated, Current: t.Token == current,
	}
}

// AuthenticationResponse is returned by every login endpoint.
type AuthenticationResponse struct {
	AccessToken string       `json:"access_token"`
	Account     *AccountView `json:"account,omitempty"`
	User        *UserView    `json:"user,omitempty"`
}

type accountLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthenticateAccount handles POST /auth/accounts/authenticate.
func (h *Handler) AuthenticateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountLoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	res, err := h.svc.AuthenticateAccount(r.Context(), req.Email, req.Password, client)
	if err != nil {
		h.loginFailed(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, authenticationResponse(res))
}

type userLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthenticateUser handles POST /auth/users/authenticate.
func (h *Handler) AuthenticateUser(w http.ResponseWriter, r *http.Request) {
	var req userLoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	res, err := h.svc.AuthenticateUser(r.Context(), req.Username, req.Password, client)
	if err != nil {
		h.loginFailed(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, authenticationResponse(res))
}

type profileLoginRequest struct {
	UserID string `json:"user_id"`
}

// AuthenticateProfile handles POST /auth/profiles/authenticate. The
// request must carry an account session.
func (h *Handler) AuthenticateProfile(w http.ResponseWriter, r *http.Request) {
	info := authz.FromRequest(r)
	if info == nil || info.Account == nil {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "account session required"})
		return
	}
	var req profileLoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}
	res, err := h.svc.AuthenticateProfile(r.Context(), info.ResolvedToken, id, clientFrom(info))
	if err != nil {
		h.loginFailed(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, authenticationResponse(res))
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	info := authz.FromRequest(r)
	if err := h.svc.Logout(r.Context(), info.ResolvedToken); err != nil {
		h.logger.Errorw("logout failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "logout failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	info := authz.FromRequest(r)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"client":    info.Client,
		"device":    info.Device,
		"device_id": info.DeviceID,
		"version":   info.Version,
		"account":   accountView(info.Account),
		"user":      userView(info.User),
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword handles POST /users/{id}/password. A profile session may
// change its own password; an account session may change any of its
// profiles'.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	info := authz.FromRequest(r)
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.canManageUser(r, info, id); err != nil {
		h.fail(w, err, "change password")
		return
	}
	if err := h.svc.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword, info.ResolvedToken); err != nil {
		h.fail(w, err, "change password")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangeAccountPassword handles POST /auth/accounts/password.
func (h *Handler) ChangeAccountPassword(w http.ResponseWriter, r *http.Request) {
	info := authz.FromRequest(r)
	if info.Account == nil {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "account session required"})
		return
	}
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.svc.ChangeAccountPassword(r.Context(), info.Account.GUID, req.CurrentPassword, req.NewPassword, info.ResolvedToken)
	if err != nil {
		h.fail(w, err, "change account password")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /auth/sessions and lists the sessions of
// whoever the request authenticated as.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	info := authz.FromRequest(r)
	owner := uuid.Nil
	switch {
	case info.User != nil:
		owner = info.User.ID
	case info.Account != nil:
		owner = info.Account.GUID
	}
	tokens, err := h.svc.ListSessions(r.Context(), owner)
	if err != nil {
		h.fail(w, err, "list sessions")
		return
	}
	out := make([]*SessionView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, sessionView(t, info.ResolvedToken))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ListProfiles handles GET /auth/profiles.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	info := authz.FromRequest(r)
	if info.Account == nil {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "account session required"})
		return
	}
	users, err := h.svc.ListProfiles(r.Context(), info.Account.GUID)
	if err != nil {
		h.fail(w, err, "list profiles")
		return
	}
	out := make([]*UserView, 0, len(users))
	for _, u := range users {
		out = append(out, userView(u))
	}
	h.writeJSON(w, http.StatusOK, out)
}

type createProfileRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// CreateProfile handles POST /auth/profiles.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	info := authz.FromRequest(r)
	if info.Account == nil {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "account session required"})
		return
	}
	var req createProfileRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.svc.CreateProfile(r.Context(), info.Account.GUID, req.Name, req.Password)
	if err != nil {
		h.fail(w, err, "create profile")
		return
	}
	h.writeJSON(w, http.StatusCreated, userView(u))
}

type createAccountRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Enabled  bool       `json:"enabled"`
	IsTrial  bool       `json:"is_trial"`
	ExpDate  *time.Time `json:"exp_date"`
	Notes    string     `json:"notes"`
	GroupID  *int64     `json:"group_id"`
	PlanID   *int64     `json:"plan_id"`
	Credit   int64      `json:"credit"`
	Profiles []string   `json:"profiles"`
}

// CreateAccount handles POST /accounts. Administrators only.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.administrator(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	a := &entity.Account{
		Email: strings.TrimSpace(req.Email), Enabled: req.Enabled, IsTrial: req.IsTrial, ExpDate: req.ExpDate,
		Notes: req.Notes, GroupID: req.GroupID, PlanID: req.PlanID, Credit: req.Credit, CreatedByID: &admin.ID,
	}
	users, err := h.svc.CreateAccount(r.Context(), a, req.Password, req.Profiles)
	if err != nil {
		h.fail(w, err, "create account")
		return
	}
	profiles := make([]*UserView, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, userView(u))
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"account": accountView(a), "profiles": profiles})
}

// DisableAccount handles POST /accounts/{id}/disable. Administrators only.
func (h *Handler) DisableAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.administrator(w, r); !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return
	}
	if err := h.svc.DisableAccount(r.Context(), id); err != nil {
		h.fail(w, err, "disable account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func authenticationResponse(res *AuthenticationResult) AuthenticationResponse {
	return AuthenticationResponse{
		AccessToken: res.Session.Token,
		Account:     accountView(res.Account),
		User:        userView(res.User),
	}
}

// client reads the caller's device metadata from its credential header.
func (h *Handler) client(w http.ResponseWriter, r *http.Request) (ClientInfo, bool) {
	info, err := h.resolver.Resolve(r)
	if err != nil {
		h.logger.Errorw("resolve client metadata failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "authorization unavailable"})
		return ClientInfo{}, false
	}
	return clientFrom(info), true
}

func clientFrom(info *authz.AuthorizationInfo) ClientInfo {
	return ClientInfo{App: info.Client, AppVersion: info.Version, DeviceID: info.DeviceID, DeviceName: info.Device}
}

func (h *Handler) canManageUser(r *http.Request, info *authz.AuthorizationInfo, id uuid.UUID) error {
	if info.User != nil && info.User.ID == id {
		return nil
	}
	if info.Account == nil {
		return ErrForbidden
	}
	u, err := h.svc.GetUser(r.Context(), id)
	if err != nil {
		return err
	}
	if u.AccountID == nil || *u.AccountID != info.Account.ID {
		return ErrForbidden
	}
	return nil
}

func (h *Handler) administrator(w http.ResponseWriter, r *http.Request) (*entity.Account, bool) {
	info := authz.FromRequest(r)
	admin, err := h.svc.IsAdministrator(r.Context(), info.Account)
	if err != nil {
		h.fail(w, err, "check administrator")
		return nil, false
	}
	if !admin {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "administrator required"})
		return nil, false
	}
	return info.Account, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

// loginFailed answers every credential failure with the same body so
// callers cannot tell unknown names from wrong passwords.
func (h *Handler) loginFailed(w http.ResponseWriter, err error) {
	h.logger.Debugw("login failed", "err", err)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	case errors.Is(err, ErrAccountDisabled):
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "account disabled"})
	default:
		h.logger.Errorw("login error", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "login failed"})
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	case errors.Is(err, ErrForbidden):
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, ErrTooManyProfiles):
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, userrepo.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, userrepo.ErrNilArgument):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	case errors.Is(err, password.ErrUnsupportedScheme):
		h.logger.Errorw(op+" failed", "err", err)
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "stored password cannot be upgraded"})
	default:
		h.logger.Errorw(op+" failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
