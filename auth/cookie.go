package auth

import (
	"net/http"
	"time"
)

const (
	TokenCookie = "token"
	StateCookie = "oauth_state"
)

// CookieConfig holds the attributes shared by the cookies set here. A
// non-empty Domain shares the token across subdomains.
type CookieConfig struct {
	Domain string
	Secure bool
}

// SetTokenCookie stores the access token in an HttpOnly cookie living as
// long as the token.
func SetTokenCookie(w http.ResponseWriter, cfg CookieConfig, token string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   cfg.Secure,
	})
}

// ClearTokenCookie expires the token cookie. Domain must match the one it
// was set with.
func ClearTokenCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
	})
}

// SetStateCookie remembers the OAuth state for ten minutes. It is Lax: the
// provider's redirect back is a cross-site navigation.
func SetStateCookie(w http.ResponseWriter, cfg CookieConfig, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   cfg.Secure,
	})
}

// ClearStateCookie expires the state cookie.
func ClearStateCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
