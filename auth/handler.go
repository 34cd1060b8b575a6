package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/msgstats/config"
	"github.com/hazyhaar/msgstats/idgen"
	"github.com/hazyhaar/msgstats/kit"
	"github.com/hazyhaar/msgstats/observability"
	"github.com/hazyhaar/msgstats/shield"
	"github.com/hazyhaar/msgstats/users"
)

// TokenResponse is returned by a successful OAuth callback.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// MeResponse describes the authenticated user.
type MeResponse struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	AuthProvider string `json:"auth_provider"`
	IsActive     bool   `json:"is_active"`
	HasAPIKey    bool   `json:"has_api_key"`
	CreatedAt    int64  `json:"created_at"`
}

// APIKeyResponse carries a freshly issued API key. It is shown once.
type APIKeyResponse struct {
	APIKey string `json:"api_key"`
}

// Handler serves the login flow and the account endpoints.
type Handler struct {
	store     *users.Store
	secret    []byte
	expiry    time.Duration
	cookies   CookieConfig
	providers map[string]*Provider
	events    *observability.EventLogger
	newState  idgen.Generator
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithProviders replaces the providers built from config.
func WithProviders(ps ...*Provider) HandlerOption {
	return func(h *Handler) {
		h.providers = make(map[string]*Provider, len(ps))
		for _, p := range ps {
			h.providers[p.Name] = p
		}
	}
}

// WithEvents records logins and API key changes.
func WithEvents(ev *observability.EventLogger) HandlerOption {
	return func(h *Handler) { h.events = ev }
}

// NewHandler builds the handler from the auth config section. secret signs
// tokens, see config.Config.JWTSecret.
func NewHandler(cfg config.AuthConfig, secret []byte, store *users.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:    store,
		secret:   secret,
		expiry:   cfg.TokenExpiry,
		cookies:  CookieConfig{Domain: cfg.CookieDomain, Secure: cfg.SecureCookies},
		newState: idgen.NanoID(32),
	}
	WithProviders(ProvidersFromConfig(cfg)...)(h)
	for _, o := range opts {
		o(h)
	}
	return h
}

// Authenticate is Middleware bound to the handler's secret and store.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return authenticate(h.secret, h.store, h.cookies)(next)
}

// Routes mounts the /auth endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login/{provider}", h.handleLogin)
		r.Get("/{provider}/callback", h.handleCallback)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate, RequireUser)
			r.Get("/me", h.handleMe)
			r.Post("/api-key", h.handleIssueAPIKey)
			r.Delete("/api-key", h.handleRevokeAPIKey)
		})
	})
}

func (h *Handler) provider(w http.ResponseWriter, r *http.Request) (*Provider, bool) {
	p, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		kit.WriteError(w, http.StatusNotFound, "unknown OAuth provider")
	}
	return p, ok
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	state := h.newState()
	SetStateCookie(w, h.cookies, state)
	http.Redirect(w, r, p.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	log := shield.GetLogger(ctx)
	q := r.URL.Query()

	expected := cookieValue(r, StateCookie)
	ClearStateCookie(w, h.cookies)

	if code := q.Get("error"); code != "" {
		kit.WriteError(w, http.StatusBadRequest, "OAuth error: "+code)
		return
	}
	state := q.Get("state")
	if expected == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expected)) != 1 {
		kit.WriteError(w, http.StatusBadRequest, "OAuth error: invalid_state")
		return
	}
	if q.Get("code") == "" {
		kit.WriteError(w, http.StatusBadRequest, "OAuth error: missing_code")
		return
	}

	profile, err := p.Exchange(ctx, q.Get("code"))
	if err != nil {
		var oe *OAuthError
		switch {
		case errors.As(err, &oe):
			log.Info("auth: code exchange failed", "provider", p.Name, "error", err)
			kit.WriteError(w, http.StatusBadRequest, "OAuth error: "+oe.Code)
		case errors.Is(err, ErrNoVerifiedEmail):
			kit.WriteError(w, http.StatusBadRequest, "OAuth error: no verified primary email")
		default:
			log.Error("auth: fetch profile", "provider", p.Name, "error", err)
			kit.WriteError(w, http.StatusBadGateway, "identity provider unavailable")
		}
		return
	}

	u, err := h.store.UpsertOAuth(ctx, profile.Email, p.Name, profile.ProviderUserID)
	if err != nil {
		log.Error("auth: upsert user", "provider", p.Name, "error", err)
		kit.WriteError(w, http.StatusInternalServerError, "could not record login")
		return
	}
	if !u.IsActive {
		h.event(ctx, observability.EventLoginRejected, u.ID, "login", false, map[string]string{"provider": p.Name, "reason": "inactive"})
		kit.WriteError(w, http.StatusForbidden, "Inactive user")
		return
	}

	token, err := GenerateToken(h.secret, NewClaims(u.ID, u.Email, p.Name), h.expiry)
	if err != nil {
		log.Error("auth: sign token", "error", err)
		kit.WriteError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	SetTokenCookie(w, h.cookies, token, h.expiry)
	h.event(ctx, observability.EventLogin, u.ID, "login", true, map[string]string{"provider": p.Name})
	log.Info("auth: login", "provider", p.Name, "user_id", u.ID)

	kit.WriteJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.expiry.Seconds()),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ClearTokenCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	kit.WriteJSON(w, http.StatusOK, MeResponse{
		ID:           u.ID,
		Email:        u.Email,
		AuthProvider: u.AuthProvider,
		IsActive:     u.IsActive,
		HasAPIKey:    u.HasAPIKey(),
		CreatedAt:    u.CreatedAt,
	})
}

func (h *Handler) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := UserFrom(ctx)
	key, err := h.store.IssueAPIKey(ctx, u.ID)
	if err != nil {
		shield.GetLogger(ctx).Error("auth: issue api key", "user_id", u.ID, "error", err)
		kit.WriteError(w, http.StatusInternalServerError, "could not issue API key")
		return
	}
	h.event(ctx, observability.EventAPIKeyIssued, u.ID, "issue", true, nil)
	kit.WriteJSON(w, http.StatusCreated, APIKeyResponse{APIKey: key})
}

func (h *Handler) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := UserFrom(ctx)
	if err := h.store.RevokeAPIKey(ctx, u.ID); err != nil {
		shield.GetLogger(ctx).Error("auth: revoke api key", "user_id", u.ID, "error", err)
		kit.WriteError(w, http.StatusInternalServerError, "could not revoke API key")
		return
	}
	h.event(ctx, observability.EventAPIKeyRevoked, u.ID, "revoke", true, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) event(ctx context.Context, eventType, userID, action string, success bool, details map[string]string) {
	if h.events == nil {
		return
	}
	ev := observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "msgstats",
		EntityType:  "user",
		EntityID:    userID,
		UserID:      userID,
		Action:      action,
		Success:     success,
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			ev.Details = string(b)
		}
	}
	h.events.LogEvent(ctx, ev)
}
