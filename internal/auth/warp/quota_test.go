package warp

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/warp-compat/warp-bridge/internal/secrets"
)

func quotaHandler(t *testing.T, limit, used int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("op") != "GetRequestLimitInfo" {
			t.Errorf("op = %q, want GetRequestLimitInfo", r.URL.Query().Get("op"))
		}
		if got := r.Header.Get("Authorization"); got == "" {
			t.Error("missing Authorization header")
		}
		resp := map[string]any{
			"data": map[string]any{
				"user": map[string]any{
					"user": map[string]any{
						"requestLimitInfo": map[string]any{
							"requestLimit":                 limit,
							"requestsUsedSinceLastRefresh": used,
							"nextRefreshTime":              "2026-09-01T00:00:00Z",
						},
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestQuotaInfo(t *testing.T) {
	clearTokenEnv(t)
	svc, store, _ := newTestService(t, quotaHandler(t, 150, 30), nil)
	if err := store.Set(secrets.KeyIDToken, validToken(t, "id@example.com")); err != nil {
		t.Fatal(err)
	}

	quota, err := svc.QuotaInfo(context.Background())
	if err != nil {
		t.Fatalf("QuotaInfo: %v", err)
	}
	if quota.RequestLimit != 150 || quota.RequestsUsed != 30 {
		t.Errorf("quota = %+v", quota)
	}
	if quota.Remaining() != 120 {
		t.Errorf("Remaining = %d, want 120", quota.Remaining())
	}
	if quota.NextRefreshTime != "2026-09-01T00:00:00Z" {
		t.Errorf("NextRefreshTime = %q", quota.NextRefreshTime)
	}
}

func TestQuotaInfoShapeError(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"user":null}}`))
	})
	svc, store, _ := newTestService(t, handler, nil)
	if err := store.Set(secrets.KeyIDToken, validToken(t, "id@example.com")); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.QuotaInfo(context.Background()); err == nil {
		t.Error("QuotaInfo accepted a malformed response")
	}
}

func TestShouldRefreshForQuota(t *testing.T) {
	tests := []struct {
		name      string
		limit     int64
		used      int64
		threshold int
		want      bool
	}{
		{"plenty remaining", 150, 10, 5, false},
		{"exactly at threshold", 150, 145, 5, true},
		{"below threshold", 150, 149, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTokenEnv(t)
			svc, store, _ := newTestService(t, quotaHandler(t, tt.limit, tt.used), nil)
			if err := store.Set(secrets.KeyIDToken, validToken(t, "id@example.com")); err != nil {
				t.Fatal(err)
			}
			if got := svc.ShouldRefreshForQuota(context.Background(), tt.threshold); got != tt.want {
				t.Errorf("ShouldRefreshForQuota = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldRefreshForQuotaDisabled(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream call: %s", r.URL.Path)
	})
	svc, _, _ := newTestService(t, handler, nil)

	if svc.ShouldRefreshForQuota(context.Background(), 0) {
		t.Error("threshold 0 should disable the quota check")
	}
}

func TestShouldRefreshForQuotaLookupFailure(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	svc, store, _ := newTestService(t, handler, nil)
	if err := store.Set(secrets.KeyIDToken, validToken(t, "id@example.com")); err != nil {
		t.Fatal(err)
	}

	if svc.ShouldRefreshForQuota(context.Background(), 5) {
		t.Error("a failed quota lookup must not force a refresh")
	}
}
