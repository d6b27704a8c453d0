package warp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warp-compat/warp-bridge/internal/account"
	"github.com/warp-compat/warp-bridge/internal/config"
	"github.com/warp-compat/warp-bridge/internal/secrets"
)

// clearEnv unsets keys for the test duration; the store reads the process
// environment first and Set writes it back.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func clearTokenEnv(t *testing.T) {
	t.Helper()
	clearEnv(t, secrets.KeyAccessToken, secrets.KeyRefreshToken, secrets.KeyIDToken)
}

// newTestService wires a Service against an httptest server. accounts may be
// nil to disable file refresh.
func newTestService(t *testing.T, handler http.Handler, accounts []account.Account) (*Service, *secrets.Store, *account.Registry) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.TokenURL = server.URL + "/token?key=test-key"
	cfg.GraphQLURL = server.URL + "/graphql"
	cfg.IdentityToolkitURL = server.URL + "/identity"
	cfg.QuotaRefreshThreshold = 0

	store := secrets.NewStore(filepath.Join(dir, ".env"))

	var registry *account.Registry
	if accounts != nil {
		registry = account.NewRegistry(filepath.Join(dir, "accounts.json"))
		if err := registry.Save(accounts); err != nil {
			t.Fatal(err)
		}
	}
	return NewService(cfg, store, registry), store, registry
}

func validToken(t *testing.T, email string) string {
	t.Helper()
	return makeToken(t, map[string]any{
		"exp":   time.Now().Add(2 * time.Hour).Unix(),
		"email": email,
	})
}

func tokenResponse(t *testing.T) string {
	t.Helper()
	access := validToken(t, "fresh@example.com")
	id := validToken(t, "fresh@example.com")
	return `{"access_token":"` + access + `","id_token":"` + id + `"}`
}

func TestEnsureValidAccessKeepsFreshToken(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream call: %s", r.URL.Path)
	})
	svc, store, _ := newTestService(t, handler, nil)

	if err := store.Set(secrets.KeyAccessToken, validToken(t, "ok@example.com")); err != nil {
		t.Fatal(err)
	}
	if err := svc.EnsureValidAccess(context.Background(), false); err != nil {
		t.Fatalf("EnsureValidAccess: %v", err)
	}
}

func TestEnsureValidAccessRefreshesWithStoredToken(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostFormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostFormValue("refresh_token"); got != "rt-stored" {
			t.Errorf("refresh_token = %q", got)
		}
		if got := r.Header.Get("x-warp-client-version"); got != ClientVersion {
			t.Errorf("client version header = %q", got)
		}
		_, _ = w.Write([]byte(tokenResponse(t)))
	})
	svc, store, _ := newTestService(t, handler, nil)
	if err := store.Set(secrets.KeyRefreshToken, "rt-stored"); err != nil {
		t.Fatal(err)
	}

	token, err := svc.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if IsTokenExpired(token, 0) {
		t.Error("returned token is expired")
	}
	if store.Get(secrets.KeyIDToken) == "" {
		t.Error("id_token was not persisted")
	}
}

func TestEnsureValidAccessUsesDefaultRefreshToken(t *testing.T) {
	clearTokenEnv(t)
	var gotToken string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotToken = r.PostFormValue("refresh_token")
		_, _ = w.Write([]byte(tokenResponse(t)))
	})
	svc, _, _ := newTestService(t, handler, nil)
	svc.cfg.DefaultRefreshToken = "rt-default"

	if err := svc.EnsureValidAccess(context.Background(), false); err != nil {
		t.Fatalf("EnsureValidAccess: %v", err)
	}
	if gotToken != "rt-default" {
		t.Errorf("refresh_token = %q, want rt-default", gotToken)
	}
}

func TestEnsureValidAccessNoCredentials(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream call: %s", r.URL.Path)
	})
	svc, _, _ := newTestService(t, handler, nil)

	err := svc.EnsureValidAccess(context.Background(), false)
	if err == nil {
		t.Fatal("EnsureValidAccess succeeded without any credential")
	}
	if kind := KindOf(err); kind != ErrorRefreshFailed {
		t.Errorf("error kind = %q, want %q", kind, ErrorRefreshFailed)
	}
}

func TestExchangeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"unauthorized"}`, ErrorInvalidToken},
		{"quota exhausted", http.StatusTooManyRequests, `{"error":"No remaining quota"}`, ErrorQuotaExhausted},
		{"no ai requests", http.StatusTooManyRequests, `{"error":"no AI requests remaining"}`, ErrorQuotaExhausted},
		{"plain 429", http.StatusTooManyRequests, `{"error":"slow down"}`, ErrorRefreshFailed},
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, ErrorInvalidToken},
		{"rejected refresh token", http.StatusBadRequest, `{"error":"Refresh token is invalid"}`, ErrorInvalidToken},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, ErrorRefreshFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTokenEnv(t)
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			svc, _, _ := newTestService(t, handler, nil)

			err := svc.exchangeAndPersist(context.Background(), "rt-x")
			if err == nil {
				t.Fatal("exchangeAndPersist succeeded on an error response")
			}
			if kind := KindOf(err); kind != tt.want {
				t.Errorf("error kind = %q, want %q", kind, tt.want)
			}
		})
	}
}

func TestRefreshFromFileRotation(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.PostFormValue("refresh_token"); got != "rt-good" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(tokenResponse(t)))
	})
	svc, store, registry := newTestService(t, handler, []account.Account{
		{Email: "spent@example.com", RefreshToken: "rt-spent", Status: account.StatusQuotaExhausted},
		{Email: "good@example.com", RefreshToken: "rt-good", Status: account.StatusAvailable},
	})

	if err := svc.refreshFromFile(context.Background()); err != nil {
		t.Fatalf("refreshFromFile: %v", err)
	}
	if got := store.Get(secrets.KeyRefreshToken); got != "rt-good" {
		t.Errorf("persisted refresh token = %q, want rt-good", got)
	}

	accounts, err := registry.Load()
	if err != nil {
		t.Fatal(err)
	}
	if accounts[1].Status != account.StatusAvailable {
		t.Errorf("good account status = %q, want available", accounts[1].Status)
	}
}

func TestRefreshFromFileMarksFailedAccount(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})
	svc, _, registry := newTestService(t, handler, []account.Account{
		{Email: "bad@example.com", RefreshToken: "rt-bad", Status: account.StatusAvailable},
	})

	err := svc.refreshFromFile(context.Background())
	if err == nil {
		t.Fatal("refreshFromFile succeeded against a failing exchange")
	}
	if kind := KindOf(err); kind != ErrorInvalidToken {
		t.Errorf("error kind = %q, want %q", kind, ErrorInvalidToken)
	}

	accounts, _ := registry.Load()
	if accounts[0].Status != account.StatusInvalidToken {
		t.Errorf("account status = %q, want invalid_token", accounts[0].Status)
	}
}

func TestRefreshQuotaLowMarksCurrentAccount(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.PostFormValue("refresh_token"); got == "rt-next" {
			_, _ = w.Write([]byte(tokenResponse(t)))
			return
		}
		http.Error(w, `{"error":"No remaining quota"}`, http.StatusTooManyRequests)
	})
	svc, store, registry := newTestService(t, handler, []account.Account{
		{Email: "current@example.com", RefreshToken: "rt-current", Status: account.StatusAvailable},
		{Email: "next@example.com", RefreshToken: "rt-next", Status: account.StatusAvailable},
	})
	if err := store.Set(secrets.KeyRefreshToken, "rt-current"); err != nil {
		t.Fatal(err)
	}

	if err := svc.refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	accounts, _ := registry.Load()
	if accounts[0].Status != account.StatusQuotaExhausted {
		t.Errorf("current account status = %q, want quota_exhausted", accounts[0].Status)
	}
	if got := store.Get(secrets.KeyRefreshToken); got != "rt-next" {
		t.Errorf("persisted refresh token = %q, want rt-next", got)
	}
}

func TestRefreshQuotaLowFallsThroughToAnonymous(t *testing.T) {
	clearTokenEnv(t)
	var anonAccess string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/graphql"):
			_, _ = w.Write([]byte(`{"data":{"createAnonymousUser":{"idToken":"custom-token"}}}`))
		case strings.HasPrefix(r.URL.Path, "/identity"):
			_, _ = w.Write([]byte(`{"refreshToken":"rt-anon"}`))
		case strings.HasPrefix(r.URL.Path, "/token"):
			_ = r.ParseForm()
			if got := r.PostFormValue("refresh_token"); got != "rt-anon" {
				t.Errorf("refresh_token = %q, want rt-anon", got)
			}
			anonAccess = validToken(t, "anon@example.com")
			_, _ = w.Write([]byte(`{"access_token":"` + anonAccess + `"}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	})
	exhausted := []account.Account{
		{Email: "a@example.com", RefreshToken: "rt-a", Status: account.StatusQuotaExhausted},
		{Email: "b@example.com", RefreshToken: "rt-b", Status: account.StatusQuotaExhausted},
	}
	svc, store, registry := newTestService(t, handler, exhausted)

	if err := svc.refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := store.Get(secrets.KeyRefreshToken); got != "rt-anon" {
		t.Errorf("persisted refresh token = %q, want rt-anon", got)
	}
	if got := store.Get(secrets.KeyAccessToken); got != anonAccess {
		t.Error("persisted access token does not match the anonymous exchange")
	}

	// The exhausted pool is left as it was.
	accounts, err := registry.Load()
	if err != nil {
		t.Fatal(err)
	}
	for i, acc := range accounts {
		if acc.Status != exhausted[i].Status || acc.RefreshToken != exhausted[i].RefreshToken {
			t.Errorf("account %d changed: %+v", i, acc)
		}
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	clearTokenEnv(t)
	var hits atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(tokenResponse(t)))
	})
	svc, store, _ := newTestService(t, handler, nil)
	if err := store.Set(secrets.KeyRefreshToken, "rt-stored"); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = svc.EnsureValidAccess(context.Background(), false)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("worker %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream refresh calls = %d, want 1", got)
	}
}

func TestEnsureValidIdentityReusesFreshToken(t *testing.T) {
	clearTokenEnv(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream call: %s", r.URL.Path)
	})
	svc, store, _ := newTestService(t, handler, nil)
	want := validToken(t, "id@example.com")
	if err := store.Set(secrets.KeyIDToken, want); err != nil {
		t.Fatal(err)
	}

	got, err := svc.EnsureValidIdentity(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidIdentity: %v", err)
	}
	if got != want {
		t.Error("identity token changed unexpectedly")
	}
}
