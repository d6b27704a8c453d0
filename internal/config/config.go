// Package config defines the application configuration for the Warp bridge
// server. Settings load from an optional YAML file and are overridden by
// environment variables, so deployments can run with a config file, a dotenv
// file, or both.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/warp-compat/warp-bridge/internal/secrets"
	"gopkg.in/yaml.v3"
)

// Default upstream endpoints of the Warp backend.
const (
	DefaultTokenURL           = "https://app.warp.dev/proxy/token"
	DefaultGraphQLURL         = "https://app.warp.dev/graphql/v2"
	DefaultAIRequestURL       = "https://app.warp.dev/ai/multi-agent"
	DefaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithCustomToken"
)

// LoggingConfig controls the logrus/lumberjack output. All fields map to the
// LOG_* environment keys.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`
	// Directory is where rotated log files are written; empty logs to stdout.
	Directory string `yaml:"directory"`
	// MaxFileSizeMB is the rotation threshold per file in megabytes.
	MaxFileSizeMB int `yaml:"max-file-size"`
	// BackupCount is the number of rotated files to retain.
	BackupCount int `yaml:"backup-count"`
	// Format selects the formatter, "text" or "json".
	Format string `yaml:"format"`
	// EnableRotation toggles size-based rotation of the log file.
	EnableRotation bool `yaml:"enable-rotation"`
	// EnableBackup toggles retention of rotated files.
	EnableBackup bool `yaml:"enable-backup"`
}

// Config is the top-level server configuration.
type Config struct {
	// Port is the HTTP listen port for the OpenAI-compatible surface.
	Port int `yaml:"port"`

	// ProxyURL routes outbound upstream calls through a SOCKS5/HTTP proxy.
	ProxyURL string `yaml:"proxy-url"`

	// SecretsFile is the dotenv file holding the current token set.
	SecretsFile string `yaml:"secrets-file"`

	// AccountsFile is the JSON account pool; empty disables file refresh.
	AccountsFile string `yaml:"accounts-file"`

	// QuotaRefreshThreshold forces an account rotation once the remaining
	// request budget drops to this value. Zero disables the check.
	QuotaRefreshThreshold int `yaml:"quota-refresh-threshold"`

	// TokenURL is the Warp proxy token endpoint, including the ?key=
	// query parameter issued to the native client.
	TokenURL string `yaml:"token-url"`

	// GraphQLURL is the Warp GraphQL base; operation names are appended as
	// the op query parameter.
	GraphQLURL string `yaml:"graphql-url"`

	// AIRequestURL is the streaming agent endpoint requests are brokered to.
	AIRequestURL string `yaml:"ai-request-url"`

	// IdentityToolkitURL is the custom-token sign-in endpoint used during
	// anonymous acquisition.
	IdentityToolkitURL string `yaml:"identity-toolkit-url"`

	// APIKey authenticates against the identity toolkit. When empty it is
	// parsed from TokenURL's key query parameter.
	APIKey string `yaml:"api-key"`

	// DefaultRefreshToken is the fallback used when the secrets store holds
	// no refresh token yet.
	DefaultRefreshToken string `yaml:"default-refresh-token"`

	// Warm-up knobs for the startup token acquisition loop.
	InitRetries   int           `yaml:"init-retries"`
	InitDelay     time.Duration `yaml:"init-delay"`
	WarmupRetries int           `yaml:"warmup-retries"`
	WarmupDelay   time.Duration `yaml:"warmup-delay"`

	// Logging configures the log output.
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Port:               8010,
		SecretsFile:        ".env",
		TokenURL:           DefaultTokenURL,
		GraphQLURL:         DefaultGraphQLURL,
		AIRequestURL:       DefaultAIRequestURL,
		IdentityToolkitURL: DefaultIdentityToolkitURL,
		InitRetries:        10,
		InitDelay:          500 * time.Millisecond,
		WarmupRetries:      3,
		WarmupDelay:        1500 * time.Millisecond,
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			MaxFileSizeMB:  10,
			BackupCount:    5,
			EnableRotation: true,
			EnableBackup:   true,
		},
	}
}

// Load reads the YAML file at path (when it exists) on top of the defaults
// and then applies environment overrides. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration. Environment
// values always win over file values.
func (c *Config) applyEnv() {
	setString(&c.AccountsFile, secrets.KeyAccountsFile)
	setString(&c.TokenURL, "WARP_REFRESH_URL")
	setString(&c.GraphQLURL, "WARP_GRAPHQL_URL")
	setString(&c.AIRequestURL, "WARP_AI_REQUEST_URL")
	setString(&c.IdentityToolkitURL, "WARP_IDENTITY_TOOLKIT_URL")
	setString(&c.APIKey, "WARP_API_KEY")
	setString(&c.DefaultRefreshToken, "WARP_DEFAULT_REFRESH_TOKEN")
	setString(&c.ProxyURL, "PROXY_URL")
	setInt(&c.Port, "OPENAI_SERVER_PORT")
	setInt(&c.QuotaRefreshThreshold, "QUOTA_REFRESH_THRESHOLD")
	setInt(&c.InitRetries, "WARP_COMPAT_INIT_RETRIES")
	setSeconds(&c.InitDelay, "WARP_COMPAT_INIT_DELAY")
	setInt(&c.WarmupRetries, "WARP_COMPAT_WARMUP_RETRIES")
	setSeconds(&c.WarmupDelay, "WARP_COMPAT_WARMUP_DELAY")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Directory, "LOG_DIRECTORY")
	setInt(&c.Logging.MaxFileSizeMB, "LOG_MAX_FILE_SIZE")
	setInt(&c.Logging.BackupCount, "LOG_BACKUP_COUNT")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setBool(&c.Logging.EnableRotation, "LOG_ENABLE_ROTATION")
	setBool(&c.Logging.EnableBackup, "LOG_ENABLE_BACKUP")
}

// IdentityToolkitAPIKey resolves the identity toolkit API key: an explicit
// configuration wins, otherwise the key query parameter of the token URL is
// used. The key is mandatory for anonymous acquisition; there is no baked-in
// fallback.
func (c *Config) IdentityToolkitAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	parsed, err := url.Parse(c.TokenURL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("key")
}

// GraphQLOperationURL returns the GraphQL endpoint for the named operation.
func (c *Config) GraphQLOperationURL(op string) string {
	return c.GraphQLURL + "?op=" + url.QueryEscape(op)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
