package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hazyhaar/msgstats/kit"
	"github.com/hazyhaar/msgstats/shield"
	"github.com/hazyhaar/msgstats/users"
)

// DetailUnauthorized is the 401 detail for a rejected credential.
const DetailUnauthorized = "Invalid API key or inactive user"

// UserResolver turns a credential into a user. *users.Store implements it.
type UserResolver interface {
	GetByEmail(ctx context.Context, email string) (*users.User, error)
	ResolveAPIKey(ctx context.Context, key string) (*users.User, error)
}

type (
	userKey    struct{}
	claimsKey  struct{}
	authErrKey struct{}
)

// Middleware resolves the request's credential to an active user. The
// credential is the Authorization bearer value, else the token cookie. It
// is an API key when it has the users.APIKeyPrefix shape and a JWT
// otherwise. The user is stored in the context along with kit.UserIDKey and
// kit.EmailKey. Requests without a valid credential pass through
// unauthenticated; RequireUser rejects them. A rejected cookie is cleared.
// Mounting it twice on a route resolves the credential once.
func Middleware(secret []byte, resolver UserResolver) func(http.Handler) http.Handler {
	return authenticate(secret, resolver, CookieConfig{})
}

func authenticate(secret []byte, resolver UserResolver, cookies CookieConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Already resolved further up the chain.
			if UserFrom(r.Context()) != nil || r.Context().Value(authErrKey{}) != nil {
				next.ServeHTTP(w, r)
				return
			}
			cred, fromCookie := credential(r)
			if cred == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			u, claims, err := resolve(ctx, secret, resolver, cred)
			if err != nil {
				if fromCookie {
					ClearTokenCookie(w, cookies)
				}
				shield.GetLogger(ctx).Info("auth: credential rejected", "error", err)
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, authErrKey{}, err)))
				return
			}

			ctx = context.WithValue(ctx, userKey{}, u)
			if claims != nil {
				ctx = context.WithValue(ctx, claimsKey{}, claims)
			}
			ctx = kit.WithUserID(ctx, u.ID)
			ctx = kit.WithEmail(ctx, u.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func credential(r *http.Request) (cred string, fromCookie bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value), false
		}
		return "", false
	}
	if v := cookieValue(r, TokenCookie); v != "" {
		return v, true
	}
	return "", false
}

func resolve(ctx context.Context, secret []byte, resolver UserResolver, cred string) (*users.User, *Claims, error) {
	if users.IsAPIKey(cred) {
		u, err := resolver.ResolveAPIKey(ctx, cred)
		return u, nil, err
	}

	claims, err := ValidateToken(secret, cred)
	if err != nil {
		return nil, nil, err
	}
	u, err := resolver.GetByEmail(ctx, claims.Email())
	if err != nil {
		return nil, nil, err
	}
	// The email was re-registered since the token was minted.
	if claims.UserID != "" && claims.UserID != u.ID {
		return nil, nil, ErrInvalidToken
	}
	if !u.IsActive {
		return nil, nil, users.ErrInactive
	}
	return u, claims, nil
}

// UserFrom returns the authenticated user, or nil.
func UserFrom(ctx context.Context) *users.User {
	u, _ := ctx.Value(userKey{}).(*users.User)
	return u
}

// ClaimsFrom returns the token claims of a JWT-authenticated request, or nil
// for anonymous and API-key requests.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireUser rejects requests without an authenticated user with 401 and
// a WWW-Authenticate: Bearer challenge. A resolver failure other than a bad
// credential is a 500.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFrom(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}

		err, _ := r.Context().Value(authErrKey{}).(error)
		switch {
		case err == nil:
			w.Header().Set("WWW-Authenticate", "Bearer")
			kit.WriteError(w, http.StatusUnauthorized, "Not authenticated")
		case isCredentialError(err):
			w.Header().Set("WWW-Authenticate", "Bearer")
			kit.WriteError(w, http.StatusUnauthorized, DetailUnauthorized)
		default:
			shield.GetLogger(r.Context()).Error("auth: resolve user", "error", err)
			kit.WriteError(w, http.StatusInternalServerError, "authentication unavailable")
		}
	})
}

func isCredentialError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, users.ErrInvalidAPIKey) ||
		errors.Is(err, users.ErrInactive) ||
		errors.Is(err, users.ErrNotFound)
}
