package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"juday/api/internal/auth"
	"juday/api/internal/config"
	"juday/api/internal/export"
	"juday/api/internal/history"
	"juday/api/internal/identity"
	"juday/api/internal/search"
	"juday/api/internal/sheet"
	"juday/api/internal/store"
	"juday/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// MagicLinkRequestResult is what requesting a link produces. SignInURL
// is only populated for the dev bypass when SMTP is unconfigured.
type MagicLinkRequestResult struct {
	Email     string
	SignInURL string
}

type dataStore interface {
	EnsureUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions; backed by Redis when configured,
// Postgres otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, userEmail string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type magicLinkService interface {
	RequestLink(ctx context.Context, email string) (identity.MagicLink, error)
	Redeem(ctx context.Context, token string) (store.User, error)
}

type providerService interface {
	AuthorizeURL(provider, state string) (string, error)
	Exchange(ctx context.Context, provider, code string) (string, error)
	Names() []string
}

type mailer interface {
	IsConfigured() bool
	SendMagicLinkEmail(to, signInURL string) error
}

type sheetService interface {
	Today(ctx context.Context, userID string) (*store.Sheet, error)
	Resolve(ctx context.Context, userID, dateKey string) (*store.Sheet, error)
	Get(ctx context.Context, userID, sheetID string) (store.Sheet, error)
	Update(ctx context.Context, userID, sheetID, body string) (store.Sheet, error)
	Page(ctx context.Context, userID, before string, limit int) ([]store.Sheet, bool, error)
	Export(ctx context.Context, userID string) (sheet.ExportResult, error)
	Archives(ctx context.Context, userID string) ([]string, error)
	Import(ctx context.Context, userID, doc string) (sheet.ImportResult, error)
}

type searcher interface {
	Search(q search.Query) search.Response
}

type historian interface {
	Revisions(ctx context.Context, userID, dateKey string, limit int) ([]history.Revision, error)
	BodyAt(ctx context.Context, userID, dateKey, hash string) (string, error)
}

type pdfExporter interface {
	SheetPDF(ctx context.Context, userID, dateKey, email string) (*export.Result, error)
}

type oauthState struct {
	provider  string
	expiresAt time.Time
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	magic     magicLinkService
	providers providerService
	email     mailer
	sheets    sheetService
	search    searcher
	history   historian
	pdf       pdfExporter

	stateTTL time.Duration
	stateMu  sync.Mutex
	states   map[string]oauthState
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, magic magicLinkService, sheets sheetService) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		magic:    magic,
		sheets:   sheets,
		stateTTL: 10 * time.Minute,
		states:   make(map[string]oauthState),
	}
}

func (s *Service) WithProviders(p providerService) *Service { s.providers = p; return s }
func (s *Service) WithMailer(m mailer) *Service             { s.email = m; return s }
func (s *Service) WithSearch(sr searcher) *Service          { s.search = sr; return s }
func (s *Service) WithHistory(h historian) *Service         { s.history = h; return s }
func (s *Service) WithPDF(p pdfExporter) *Service           { s.pdf = p; return s }

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// RequestMagicLink starts a sign-in. The link is emailed when SMTP is
// configured; otherwise it is returned for the dev bypass.
func (s *Service) RequestMagicLink(ctx context.Context, emailAddr string) (MagicLinkRequestResult, error) {
	link, err := s.magic.RequestLink(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidEmail) {
			return MagicLinkRequestResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A valid email address is required", nil)
		}
		return MagicLinkRequestResult{}, err
	}

	if s.SMTPConfigured() {
		if err := s.email.SendMagicLinkEmail(link.Email, link.SignInURL); err != nil {
			log.Printf("app: send magic link to %s: %v", link.Email, err)
			return MagicLinkRequestResult{}, domainError(http.StatusBadGateway, "EMAIL_FAILED", "Could not send the sign-in email", nil)
		}
		return MagicLinkRequestResult{Email: link.Email}, nil
	}
	return MagicLinkRequestResult{Email: link.Email, SignInURL: link.SignInURL}, nil
}

// CompleteMagicLink trades an emailed token for a session.
func (s *Service) CompleteMagicLink(ctx context.Context, token string) (Session, error) {
	user, err := s.magic.Redeem(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidLink) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_LINK", "This sign-in link is invalid or has expired", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// ProviderNames lists the configured external sign-in providers.
func (s *Service) ProviderNames() []string {
	if s.providers == nil {
		return []string{}
	}
	return s.providers.Names()
}

// ProviderRedirect returns the authorize URL for an external provider
// sign-in, binding a one-time state value to the provider.
func (s *Service) ProviderRedirect(provider string) (string, error) {
	if s.providers == nil {
		return "", domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "External sign-in is not configured", nil)
	}
	state := util.NewID("st")
	url, err := s.providers.AuthorizeURL(provider, state)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownProvider) {
			return "", domainError(http.StatusNotFound, "UNKNOWN_PROVIDER", fmt.Sprintf("Unknown provider %q", provider), nil)
		}
		return "", err
	}

	s.stateMu.Lock()
	s.pruneStatesLocked()
	s.states[state] = oauthState{provider: provider, expiresAt: time.Now().Add(s.stateTTL)}
	s.stateMu.Unlock()
	return url, nil
}

// ProviderCallback completes an external sign-in.
func (s *Service) ProviderCallback(ctx context.Context, provider, state, code string) (Session, error) {
	if s.providers == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "External sign-in is not configured", nil)
	}

	s.stateMu.Lock()
	record, ok := s.states[state]
	delete(s.states, state)
	s.stateMu.Unlock()
	if !ok || record.provider != provider || time.Now().After(record.expiresAt) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_STATE", "Sign-in state is invalid or has expired", nil)
	}

	emailAddr, err := s.providers.Exchange(ctx, provider, code)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "PROVIDER_FAILED", "External sign-in failed", nil)
	}

	user, err := s.store.EnsureUserByEmail(ctx, emailAddr)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) pruneStatesLocked() {
	now := time.Now()
	for state, record := range s.states {
		if now.After(record.expiresAt) {
			delete(s.states, state)
		}
	}
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, user.Email, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) TodaySheet(ctx context.Context, session Session) (*store.Sheet, error) {
	return s.sheets.Today(ctx, session.UserID)
}

func (s *Service) SheetByDate(ctx context.Context, session Session, dateKey string) (*store.Sheet, error) {
	item, err := s.sheets.Resolve(ctx, session.UserID, dateKey)
	if err != nil {
		if errors.Is(err, sheet.ErrInvalidDate) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Date must be a valid YYYY-MM-DD day", nil)
		}
		return nil, err
	}
	return item, nil
}

func (s *Service) GetSheet(ctx context.Context, session Session, sheetID string) (store.Sheet, error) {
	item, err := s.sheets.Get(ctx, session.UserID, sheetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Sheet{}, domainError(http.StatusNotFound, "NOT_FOUND", "Sheet not found", nil)
		}
		return store.Sheet{}, err
	}
	return item, nil
}

func (s *Service) UpdateSheet(ctx context.Context, session Session, sheetID, body string) (store.Sheet, error) {
	saved, err := s.sheets.Update(ctx, session.UserID, sheetID, body)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Sheet{}, domainError(http.StatusNotFound, "NOT_FOUND", "Sheet not found", nil)
		}
		return store.Sheet{}, err
	}
	return saved, nil
}

func (s *Service) PageSheets(ctx context.Context, session Session, before string, limit int) ([]store.Sheet, bool, error) {
	items, hasMore, err := s.sheets.Page(ctx, session.UserID, before, limit)
	if err != nil {
		if errors.Is(err, sheet.ErrInvalidDate) {
			return nil, false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "before must be a valid YYYY-MM-DD day", nil)
		}
		return nil, false, err
	}
	return items, hasMore, nil
}

func (s *Service) ExportSheets(ctx context.Context, session Session) (sheet.ExportResult, error) {
	return s.sheets.Export(ctx, session.UserID)
}

// ExportArchive lists the export snapshots stored off-box for the
// session's user. Empty when no archive is configured.
func (s *Service) ExportArchive(ctx context.Context, session Session) ([]string, error) {
	return s.sheets.Archives(ctx, session.UserID)
}

func (s *Service) ImportSheets(ctx context.Context, session Session, doc string) (sheet.ImportResult, error) {
	result, err := s.sheets.Import(ctx, session.UserID, doc)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return sheet.ImportResult{}, domainError(http.StatusConflict, "IMPORT_CONFLICT", "Import collided with a concurrent write; nothing was imported", nil)
		}
		return sheet.ImportResult{}, err
	}
	return result, nil
}

func (s *Service) SearchSheets(session Session, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(search.Query{
		OwnerID: session.UserID,
		Text:    text,
		Limit:   limit,
		Offset:  offset,
	}), nil
}

func (s *Service) SheetRevisions(ctx context.Context, session Session, dateKey string, limit int) ([]history.Revision, error) {
	if s.history == nil {
		return []history.Revision{}, nil
	}
	return s.history.Revisions(ctx, session.UserID, dateKey, limit)
}

func (s *Service) SheetRevisionBody(ctx context.Context, session Session, dateKey, hash string) (string, error) {
	if s.history == nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	body, err := s.history.BodyAt(ctx, session.UserID, dateKey, hash)
	if err != nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	return body, nil
}

func (s *Service) SheetPDF(ctx context.Context, session Session, dateKey string) (*export.Result, error) {
	if s.pdf == nil {
		return nil, domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not configured", nil)
	}
	result, err := s.pdf.SheetPDF(ctx, session.UserID, dateKey, session.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Sheet not found", nil)
		}
		return nil, err
	}
	return result, nil
}
