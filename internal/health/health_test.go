package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func pass(context.Context) error { return nil }

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) Report {
	t.Helper()
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "never", Check: func(context.Context) error { return errors.New("down") }})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rep := decodeReport(t, rec); rep.Status != "ok" || len(rep.Checks) != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantFailed string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "credential_issuer", Check: pass},
				{Name: "session", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "credential_issuer", Check: func(context.Context) error { return errors.New("circuit breaker is open") }},
				{Name: "session", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unavailable",
			wantFailed: "credential_issuer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			New(tt.checkers...).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			rep := decodeReport(t, rec)
			if rep.Status != tt.wantStatus {
				t.Errorf("report status = %q, want %q", rep.Status, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.checkers) {
				t.Fatalf("checks = %d, want %d", len(rep.Checks), len(tt.checkers))
			}
			for i, res := range rep.Checks {
				if res.Name != tt.checkers[i].Name {
					t.Errorf("checks[%d] = %q, want registration order", i, res.Name)
				}
				failed := res.Name == tt.wantFailed
				if res.OK == failed {
					t.Errorf("check %q ok = %v", res.Name, res.OK)
				}
				if failed && res.Error == "" {
					t.Errorf("check %q has no error text", res.Name)
				}
			}
		})
	}
}

func TestRun_AppliesTimeout(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		if time.Until(dl) > CheckTimeout {
			return errors.New("deadline too far")
		}
		return nil
	}})
	if rep := h.Run(context.Background()); rep.Status != "ok" {
		t.Errorf("report = %+v", rep)
	}
}

func TestRun_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	wait := func(ctx context.Context) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "a", Check: wait},
		Checker{Name: "b", Check: func(context.Context) error { close(gate); return nil }},
	)
	if rep := h.Run(context.Background()); rep.Status != "ok" {
		t.Errorf("report = %+v", rep)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	r := chi.NewRouter()
	New(Checker{Name: "session", Check: pass}).Register(r)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}
