package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"juday/api/internal/config"
	"juday/api/internal/identity"
	"juday/api/internal/sheet"
	"juday/api/internal/store"
	"juday/api/internal/util"
)

// Shared fakes for the HTTP and service tests.

type fakeDataStore struct {
	users   map[string]store.User
	revoked map[string]bool
	pingFn  func(context.Context) error
}

func newFakeDataStore() *fakeDataStore {
	return &fakeDataStore{
		users:   map[string]store.User{},
		revoked: map[string]bool{},
	}
}

func (f *fakeDataStore) EnsureUserByEmail(_ context.Context, email string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	user := store.User{ID: util.NewID("usr"), Email: email}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeDataStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeDataStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.revoked[jti] = true
	return nil
}

func (f *fakeDataStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revoked[jti], nil
}

func (f *fakeDataStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type refreshRecord struct {
	user      store.User
	expiresAt time.Time
}

type fakeSessionStore struct {
	sessions map[string]refreshRecord
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]refreshRecord{}}
}

func (f *fakeSessionStore) SaveRefreshSession(_ context.Context, tokenHash, userID, userEmail string, expiresAt time.Time) error {
	f.sessions[tokenHash] = refreshRecord{
		user:      store.User{ID: userID, Email: userEmail},
		expiresAt: expiresAt,
	}
	return nil
}

func (f *fakeSessionStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	record, ok := f.sessions[tokenHash]
	if !ok || time.Now().After(record.expiresAt) {
		return store.User{}, store.ErrNotFound
	}
	return record.user, nil
}

func (f *fakeSessionStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.sessions, tokenHash)
	return nil
}

type fakeMagic struct {
	store  *fakeDataStore
	tokens map[string]string // token -> user id
}

func newFakeMagic(ds *fakeDataStore) *fakeMagic {
	return &fakeMagic{store: ds, tokens: map[string]string{}}
}

func (f *fakeMagic) RequestLink(ctx context.Context, email string) (identity.MagicLink, error) {
	if !strings.Contains(email, "@") {
		return identity.MagicLink{}, identity.ErrInvalidEmail
	}
	user, err := f.store.EnsureUserByEmail(ctx, email)
	if err != nil {
		return identity.MagicLink{}, err
	}
	token := util.NewID("mlt")
	f.tokens[token] = user.ID
	return identity.MagicLink{
		Email:     user.Email,
		Token:     token,
		SignInURL: "https://juday.test/auth/callback?token=" + token,
	}, nil
}

func (f *fakeMagic) Redeem(_ context.Context, token string) (store.User, error) {
	userID, ok := f.tokens[token]
	if !ok {
		return store.User{}, identity.ErrInvalidLink
	}
	delete(f.tokens, token)
	return f.store.users[userID], nil
}

type fakeSheets struct {
	sheets    map[string]store.Sheet // by id
	today     string
	archives  []string
	updateErr error
}

func newFakeSheets(today string) *fakeSheets {
	return &fakeSheets{sheets: map[string]store.Sheet{}, today: today}
}

func (f *fakeSheets) byDate(userID, dateKey string) *store.Sheet {
	for _, s := range f.sheets {
		if s.UserID == userID && s.SheetDate == dateKey {
			item := s
			return &item
		}
	}
	return nil
}

func (f *fakeSheets) Today(ctx context.Context, userID string) (*store.Sheet, error) {
	return f.Resolve(ctx, userID, f.today)
}

func (f *fakeSheets) Resolve(_ context.Context, userID, dateKey string) (*store.Sheet, error) {
	if len(dateKey) != 10 {
		return nil, sheet.ErrInvalidDate
	}
	if item := f.byDate(userID, dateKey); item != nil {
		return item, nil
	}
	if dateKey < f.today {
		return nil, nil
	}
	item := store.Sheet{ID: util.NewID("sht"), UserID: userID, SheetDate: dateKey}
	f.sheets[item.ID] = item
	return &item, nil
}

func (f *fakeSheets) Get(_ context.Context, userID, sheetID string) (store.Sheet, error) {
	item, ok := f.sheets[sheetID]
	if !ok || item.UserID != userID {
		return store.Sheet{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeSheets) Update(_ context.Context, userID, sheetID, body string) (store.Sheet, error) {
	if f.updateErr != nil {
		return store.Sheet{}, f.updateErr
	}
	item, ok := f.sheets[sheetID]
	if !ok || item.UserID != userID {
		return store.Sheet{}, store.ErrNotFound
	}
	item.Body = body
	item.UpdatedAt = time.Now()
	f.sheets[sheetID] = item
	return item, nil
}

func (f *fakeSheets) Page(_ context.Context, userID, before string, limit int) ([]store.Sheet, bool, error) {
	if before == "" {
		before = f.today
	}
	if limit <= 0 {
		limit = 10
	}
	var items []store.Sheet
	for _, s := range f.sheets {
		if s.UserID == userID && s.SheetDate < before {
			items = append(items, s)
		}
	}
	for i := 0; i < len(items); i++ { // newest first
		for j := i + 1; j < len(items); j++ {
			if items[j].SheetDate > items[i].SheetDate {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, len(items) == limit, nil
}

func (f *fakeSheets) Export(_ context.Context, userID string) (sheet.ExportResult, error) {
	return sheet.ExportResult{Filename: "juday-data-20240315-0905.md", Content: "---2024-01-01\n\nHello"}, nil
}

func (f *fakeSheets) Archives(_ context.Context, userID string) ([]string, error) {
	return f.archives, nil
}

func (f *fakeSheets) Import(_ context.Context, userID, doc string) (sheet.ImportResult, error) {
	if strings.TrimSpace(doc) == "" {
		return sheet.ImportResult{}, nil
	}
	return sheet.ImportResult{Imported: 1, Skipped: 0}, nil
}

func newTestService(ds *fakeDataStore, sessions *fakeSessionStore, magic *fakeMagic, sheets *fakeSheets) *Service {
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
	return New(cfg, ds, sessions, magic, sheets)
}

// signIn walks the magic-link flow and returns a bearer token.
func signIn(t *testing.T, server *HTTPServer, email string) (token string, userID string) {
	t.Helper()

	rr := doJSON(server, http.MethodPost, "/api/auth/magic-link", `{"email":"`+email+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("magic-link request status = %d body=%s", rr.Code, rr.Body.String())
	}
	var requested struct {
		DevSignInURL string `json:"devSignInURL"`
	}
	decodeResponse(t, rr, &requested)
	linkToken := requested.DevSignInURL[strings.LastIndex(requested.DevSignInURL, "=")+1:]

	rr = doJSON(server, http.MethodPost, "/api/auth/magic-link/verify", `{"token":"`+linkToken+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("magic-link verify status = %d body=%s", rr.Code, rr.Body.String())
	}
	var session struct {
		AccessToken string `json:"accessToken"`
		UserID      string `json:"userId"`
	}
	decodeResponse(t, rr, &session)
	if session.AccessToken == "" {
		t.Fatal("expected access token")
	}
	return session.AccessToken, session.UserID
}

func doJSON(server *HTTPServer, method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
}
