package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"juday/api/internal/config"

	"golang.org/x/oauth2"
)

var ErrUnknownProvider = errors.New("unknown identity provider")

// Providers handles sign-in through external OAuth providers. The sign-in
// call only produces an authorization URL; the session is established later
// when the provider redirects back with a code.
type Providers struct {
	configs map[string]*oauth2.Config
	info    map[string]string
	client  *http.Client
}

func NewProviders(providers map[string]config.Provider) *Providers {
	configs := make(map[string]*oauth2.Config, len(providers))
	info := make(map[string]string, len(providers))
	for name, p := range providers {
		configs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       p.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
		}
		info[name] = p.UserInfoURL
	}
	return &Providers{
		configs: configs,
		info:    info,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizeURL builds the provider redirect URL for the given state token.
func (p *Providers) AuthorizeURL(provider, state string) (string, error) {
	cfg, ok := p.configs[provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	return cfg.AuthCodeURL(state), nil
}

// Exchange trades an authorization code for the provider account's email.
func (p *Providers) Exchange(ctx context.Context, provider, code string) (string, error) {
	cfg, ok := p.configs[provider]
	if !ok {
		return "", ErrUnknownProvider
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.info[provider], nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo request failed: status %d", resp.StatusCode)
	}

	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if payload.Email == "" {
		return "", fmt.Errorf("provider %s returned no email", provider)
	}
	return payload.Email, nil
}

// Names lists the configured provider names.
func (p *Providers) Names() []string {
	names := make([]string, 0, len(p.configs))
	for name := range p.configs {
		names = append(names, name)
	}
	return names
}
