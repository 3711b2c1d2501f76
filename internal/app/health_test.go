package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	ds := newFakeDataStore()
	svc := newTestService(ds, newFakeSessionStore(), newFakeMagic(ds), newFakeSheets("2024-03-15"))
	server := NewHTTPServer(svc, nil, "*")

	rr := doJSON(server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var payload struct {
		OK bool `json:"ok"`
	}
	decodeResponse(t, rr, &payload)
	if !payload.OK {
		t.Error("expected ok=true")
	}
}

func TestReadyEndpoint(t *testing.T) {
	ds := newFakeDataStore()
	svc := newTestService(ds, newFakeSessionStore(), newFakeMagic(ds), newFakeSheets("2024-03-15"))
	server := NewHTTPServer(svc, nil, "*")

	rr := doJSON(server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var payload struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	decodeResponse(t, rr, &payload)
	if !payload.OK || payload.Status != "ready" {
		t.Errorf("payload = %+v, want ready", payload)
	}
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	ds := newFakeDataStore()
	ds.pingFn = func(context.Context) error { return errors.New("connection refused") }
	svc := newTestService(ds, newFakeSessionStore(), newFakeMagic(ds), newFakeSheets("2024-03-15"))
	server := NewHTTPServer(svc, nil, "*")

	rr := doJSON(server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var payload struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
		Checks struct {
			Database struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"database"`
		} `json:"checks"`
	}
	decodeResponse(t, rr, &payload)
	if payload.OK || payload.Status != "not_ready" {
		t.Errorf("payload = %+v, want not_ready", payload)
	}
	if payload.Checks.Database.Status != "error" {
		t.Errorf("database check = %q, want error", payload.Checks.Database.Status)
	}
}
