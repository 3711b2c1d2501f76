// Package journal is the client-side core of the app: it tracks who is
// signed in, pages through past sheets, and keeps the sheet being
// edited reconciled with the server through debounced saves and a live
// update feed.
package journal

import (
	"context"
	"errors"
	"sync"
)

// Principal is the signed-in user as seen by the client.
type Principal struct {
	ID    string
	Email string
}

// AuthClient is the authentication backend the identity context talks
// to. Implementations call the HTTP API; tests use fakes.
type AuthClient interface {
	// CurrentUser restores the session, if any. Returns ErrSignedOut
	// when no session exists.
	CurrentUser(ctx context.Context) (Principal, error)
	// RequestLink asks for a magic link to be emailed to the address.
	RequestLink(ctx context.Context, email string) error
	// RedeemLink trades a magic-link token for a session.
	RedeemLink(ctx context.Context, token string) (Principal, error)
	// ProviderURL returns the authorize URL to redirect to for an
	// external provider sign-in.
	ProviderURL(ctx context.Context, provider string) (string, error)
	// SignOut ends the current session.
	SignOut(ctx context.Context) error
}

// IdentityContext holds the current principal and tells observers when
// it changes. All methods are safe for concurrent use.
type IdentityContext struct {
	client AuthClient

	mu        sync.Mutex
	principal *Principal
	loading   bool
	nextID    int
	observers map[int]func(*Principal)
}

func NewIdentityContext(client AuthClient) *IdentityContext {
	return &IdentityContext{
		client:    client,
		loading:   true,
		observers: map[int]func(*Principal){},
	}
}

// Restore resolves the initial session state. Until it completes,
// Loading reports true and the principal is unknown.
func (c *IdentityContext) Restore(ctx context.Context) error {
	principal, err := c.client.CurrentUser(ctx)

	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()

	if err != nil {
		c.setPrincipal(nil)
		if errors.Is(err, ErrSignedOut) {
			return nil
		}
		return err
	}
	c.setPrincipal(&principal)
	return nil
}

// CurrentPrincipal returns the signed-in user, or nil when signed out.
func (c *IdentityContext) CurrentPrincipal() *Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.principal == nil {
		return nil
	}
	p := *c.principal
	return &p
}

// Loading reports whether the initial session restore is still pending.
func (c *IdentityContext) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// OnPrincipalChanged registers an observer called with the new
// principal (nil on sign-out) after every change. The returned func
// unregisters it.
func (c *IdentityContext) OnPrincipalChanged(fn func(*Principal)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// RequestLink starts a magic-link sign-in for the address.
func (c *IdentityContext) RequestLink(ctx context.Context, email string) error {
	return c.client.RequestLink(ctx, email)
}

// SignIn completes a magic-link sign-in with the emailed token.
func (c *IdentityContext) SignIn(ctx context.Context, token string) error {
	principal, err := c.client.RedeemLink(ctx, token)
	if err != nil {
		return err
	}
	c.setPrincipal(&principal)
	return nil
}

// SignInWithProvider returns the external provider's authorize URL for
// the caller to navigate to.
func (c *IdentityContext) SignInWithProvider(ctx context.Context, provider string) (string, error) {
	return c.client.ProviderURL(ctx, provider)
}

// SignOut ends the session. Observers see a nil principal even when the
// backend call fails, so the UI never shows a stale signed-in state.
func (c *IdentityContext) SignOut(ctx context.Context) error {
	err := c.client.SignOut(ctx)
	c.setPrincipal(nil)
	return err
}

func (c *IdentityContext) setPrincipal(p *Principal) {
	c.mu.Lock()
	changed := !samePrincipal(c.principal, p)
	c.principal = p
	var observers []func(*Principal)
	if changed {
		for _, fn := range c.observers {
			observers = append(observers, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(p)
	}
}

func samePrincipal(a, b *Principal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}
