package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Port != 8010 {
		t.Errorf("Port = %d, want 8010", cfg.Port)
	}
	if cfg.TokenURL != DefaultTokenURL {
		t.Errorf("TokenURL = %q", cfg.TokenURL)
	}
	if cfg.InitRetries != 10 || cfg.InitDelay != 500*time.Millisecond {
		t.Errorf("init knobs = %d/%v", cfg.InitRetries, cfg.InitDelay)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `port: 9000
accounts-file: /tmp/accounts.json
quota-refresh-threshold: 7
logging:
  level: debug
  directory: /var/log/bridge
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.AccountsFile != "/tmp/accounts.json" {
		t.Errorf("AccountsFile = %q", cfg.AccountsFile)
	}
	if cfg.QuotaRefreshThreshold != 7 {
		t.Errorf("QuotaRefreshThreshold = %d", cfg.QuotaRefreshThreshold)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	// Unset fields keep their defaults.
	if cfg.TokenURL != DefaultTokenURL {
		t.Errorf("TokenURL = %q, want default", cfg.TokenURL)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8010 {
		t.Errorf("Port = %d, want default", cfg.Port)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENAI_SERVER_PORT", "9100")
	t.Setenv("LOCAL_JWT_FILEPATH", "/data/accounts.json")
	t.Setenv("QUOTA_REFRESH_THRESHOLD", "3")
	t.Setenv("WARP_COMPAT_INIT_DELAY", "1.5")
	t.Setenv("LOG_LEVEL", "trace")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port)
	}
	if cfg.AccountsFile != "/data/accounts.json" {
		t.Errorf("AccountsFile = %q", cfg.AccountsFile)
	}
	if cfg.QuotaRefreshThreshold != 3 {
		t.Errorf("QuotaRefreshThreshold = %d", cfg.QuotaRefreshThreshold)
	}
	if cfg.InitDelay != 1500*time.Millisecond {
		t.Errorf("InitDelay = %v, want 1.5s", cfg.InitDelay)
	}
	if cfg.Logging.Level != "trace" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestIdentityToolkitAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		tokenURL string
		want     string
	}{
		{"explicit key wins", "explicit", "https://example.com/token?key=from-url", "explicit"},
		{"falls back to token url", "", "https://example.com/token?key=from-url", "from-url"},
		{"no key anywhere", "", "https://example.com/token", ""},
		{"unparsable url", "", "://broken", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.APIKey = tt.apiKey
			cfg.TokenURL = tt.tokenURL
			if got := cfg.IdentityToolkitAPIKey(); got != tt.want {
				t.Errorf("IdentityToolkitAPIKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGraphQLOperationURL(t *testing.T) {
	cfg := Default()
	cfg.GraphQLURL = "https://example.com/graphql/v2"
	want := "https://example.com/graphql/v2?op=CreateAnonymousUser"
	if got := cfg.GraphQLOperationURL("CreateAnonymousUser"); got != want {
		t.Errorf("GraphQLOperationURL = %q, want %q", got, want)
	}
}
