package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/hazyhaar/msgstats/config"
	"github.com/hazyhaar/msgstats/horosafe"
)

// ErrNoVerifiedEmail is returned when the provider account has no primary,
// verified email to identify the user by.
var ErrNoVerifiedEmail = errors.New("auth: no verified email")

// OAuthError is a failed authorization-code exchange. Code is the OAuth
// error code when the provider sent one.
type OAuthError struct {
	Code string
	Err  error
}

func (e *OAuthError) Error() string { return "auth: oauth " + e.Code + ": " + e.Err.Error() }
func (e *OAuthError) Unwrap() error { return e.Err }

// OAuthUser is the provider profile msgstats keeps.
type OAuthUser struct {
	ProviderUserID string
	Email          string
	Name           string
}

// Provider ties an OAuth client to the profile API of one identity
// provider. APIBase is overridable for tests.
type Provider struct {
	Name    string
	Config  *oauth2.Config
	APIBase string
	fetch   func(ctx context.Context, client *http.Client, apiBase string) (*OAuthUser, error)
}

// NewGitHubProvider returns an oauth2.Config for GitHub with the scope
// needed to read the account's emails.
func NewGitHubProvider(cfg config.ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"user:email"},
		Endpoint:     github.Endpoint,
	}
}

// NewGoogleProvider returns an oauth2.Config for Google login.
func NewGoogleProvider(cfg config.ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
	}
}

// GitHub returns the GitHub provider.
func GitHub(cfg config.ProviderConfig) *Provider {
	return &Provider{Name: "github", Config: NewGitHubProvider(cfg), APIBase: "https://api.github.com", fetch: FetchGitHubUser}
}

// Google returns the Google provider.
func Google(cfg config.ProviderConfig) *Provider {
	return &Provider{Name: "google", Config: NewGoogleProvider(cfg), APIBase: "https://www.googleapis.com", fetch: FetchGoogleUser}
}

// ProvidersFromConfig returns the providers with a client id configured.
func ProvidersFromConfig(cfg config.AuthConfig) []*Provider {
	var out []*Provider
	if cfg.GitHub.Enabled() {
		out = append(out, GitHub(cfg.GitHub))
	}
	if cfg.Google.Enabled() {
		out = append(out, Google(cfg.Google))
	}
	return out
}

// AuthCodeURL returns the provider's consent page URL carrying state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.Config.AuthCodeURL(state)
}

// Exchange trades an authorization code for the user's profile. Exchange
// failures are *OAuthError.
func (p *Provider) Exchange(ctx context.Context, code string) (*OAuthUser, error) {
	tok, err := p.Config.Exchange(ctx, code)
	if err != nil {
		oe := &OAuthError{Code: "exchange_failed", Err: err}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			oe.Code = re.ErrorCode
		}
		return nil, oe
	}
	return p.fetch(ctx, p.Config.Client(ctx, tok), p.APIBase)
}

// FetchGitHubUser reads the account id from /user and its primary verified
// address from /user/emails. GitHub's /user email is the public one and may
// be empty or unverified, so it is not used.
func FetchGitHubUser(ctx context.Context, client *http.Client, apiBase string) (*OAuthUser, error) {
	var profile struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	if err := getJSON(ctx, client, apiBase+"/user", &profile); err != nil {
		return nil, fmt.Errorf("auth: github user: %w", err)
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, client, apiBase+"/user/emails", &emails); err != nil {
		return nil, fmt.Errorf("auth: github emails: %w", err)
	}

	u := &OAuthUser{ProviderUserID: strconv.FormatInt(profile.ID, 10), Name: profile.Name}
	if u.Name == "" {
		u.Name = profile.Login
	}
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			u.Email = e.Email
			return u, nil
		}
	}
	return nil, ErrNoVerifiedEmail
}

// FetchGoogleUser reads the Google profile. Unverified addresses are
// rejected.
func FetchGoogleUser(ctx context.Context, client *http.Client, apiBase string) (*OAuthUser, error) {
	var info struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
	}
	if err := getJSON(ctx, client, apiBase+"/oauth2/v2/userinfo", &info); err != nil {
		return nil, fmt.Errorf("auth: google userinfo: %w", err)
	}
	if info.Email == "" || !info.VerifiedEmail {
		return nil, ErrNoVerifiedEmail
	}
	return &OAuthUser{ProviderUserID: info.ID, Email: info.Email, Name: info.Name}, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %.200s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, v)
}
