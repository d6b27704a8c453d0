package warp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/warp-compat/warp-bridge/internal/account"
	"github.com/warp-compat/warp-bridge/internal/config"
	"github.com/warp-compat/warp-bridge/internal/secrets"
	"github.com/warp-compat/warp-bridge/internal/util"
	"golang.org/x/sync/singleflight"
)

// Client descriptors sent with every upstream request. The Warp backend gates
// its surfaces on these headers.
const (
	ClientVersion = "v0.2025.02.06.08.02.stable_02"
	OSCategory    = "Linux"
	OSName        = "Linux"
	OSVersion     = "6.8.0"
)

// requestTimeout bounds every outbound HTTP call.
const requestTimeout = 30 * time.Second

// Service owns the credential lifecycle: it is the only mutator of the
// secrets store and drives account status transitions through the registry.
type Service struct {
	cfg      *config.Config
	secrets  *secrets.Store
	registry *account.Registry // nil when file refresh is not configured

	httpClient *http.Client
	group      singleflight.Group
}

// NewService wires the coordinator to its collaborators. registry may be nil
// when no accounts file is configured.
func NewService(cfg *config.Config, store *secrets.Store, registry *account.Registry) *Service {
	return &Service{
		cfg:        cfg,
		secrets:    store,
		registry:   registry,
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: requestTimeout}),
	}
}

// Secrets exposes the secrets store for collaborators that only read tokens.
func (s *Service) Secrets() *secrets.Store { return s.secrets }

// Registry returns the account registry, or nil when file refresh is
// disabled.
func (s *Service) Registry() *account.Registry { return s.registry }

// ApplyClientHeaders stamps the Warp client identification headers.
func ApplyClientHeaders(req *http.Request) {
	req.Header.Set("x-warp-client-version", ClientVersion)
	req.Header.Set("x-warp-os-category", OSCategory)
	req.Header.Set("x-warp-os-name", OSName)
	req.Header.Set("x-warp-os-version", OSVersion)
	req.Header.Set("accept-encoding", "gzip, br")
}

// postForm sends an application/x-www-form-urlencoded POST and returns the
// status code plus the decoded body.
func (s *Service) postForm(ctx context.Context, rawURL, body string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("warp: create form request: %w", err)
	}
	ApplyClientHeaders(req)
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	req.Header.Set("accept", "*/*")
	req.Header.Set("content-length", strconv.Itoa(len(body)))

	return s.do(req)
}

// postGraphQL sends an application/json POST to a GraphQL operation endpoint.
// bearer, when non-empty, is attached as an Authorization header.
func (s *Service) postGraphQL(ctx context.Context, rawURL string, payload []byte, bearer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("warp: create graphql request: %w", err)
	}
	ApplyClientHeaders(req)
	req.Header.Set("content-type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return s.do(req)
}

func (s *Service) do(req *http.Request) (int, []byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("warp: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := util.DecodeResponseBody(resp)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("warp: read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// truncate shortens upstream bodies for log lines.
func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}
