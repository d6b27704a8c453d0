package warp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/warp-compat/warp-bridge/internal/secrets"
)

// createAnonymousUserQuery is the GraphQL mutation that provisions a
// feature-gated anonymous account and returns a custom sign-in token.
const createAnonymousUserQuery = `mutation CreateAnonymousUser($input: CreateAnonymousUserInput!, $requestContext: RequestContext!) {
  createAnonymousUser(input: $input, requestContext: $requestContext) {
    __typename
    ... on CreateAnonymousUserOutput {
      expiresAt
      anonymousUserType
      firebaseUid
      idToken
      isInviteValid
      responseContext { serverVersion }
    }
    ... on UserFacingError {
      error { __typename message }
      responseContext { serverVersion }
    }
  }
}
`

// requestContext carries the client and OS descriptors every GraphQL call
// must include.
func requestContext() map[string]any {
	return map[string]any{
		"clientContext": map[string]any{"version": ClientVersion},
		"osContext": map[string]any{
			"category":           OSCategory,
			"linuxKernelVersion": nil,
			"name":               OSName,
			"version":            OSVersion,
		},
	}
}

// AcquireAnonymousAccessToken provisions a fresh anonymous account and
// returns its access token. The three steps each fail with a distinct error:
// CreateAnonymousUser, the identity-toolkit custom-token sign-in, and the
// proxy token exchange. The new refresh token is persisted before the final
// exchange so a crash between the steps never loses the credential.
func (s *Service) AcquireAnonymousAccessToken(ctx context.Context) (string, error) {
	log.Info("acquiring anonymous access token via GraphQL and identity toolkit")

	idToken, err := s.createAnonymousUser(ctx)
	if err != nil {
		return "", err
	}
	refreshToken, err := s.exchangeIDTokenForRefreshToken(ctx, idToken)
	if err != nil {
		return "", err
	}
	if err = s.secrets.Set(secrets.KeyRefreshToken, refreshToken); err != nil {
		return "", err
	}

	access, err := s.exchangeRefreshTokenForAccess(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if err = s.secrets.Set(secrets.KeyAccessToken, access); err != nil {
		return "", err
	}
	return access, nil
}

// createAnonymousUser runs the CreateAnonymousUser mutation and extracts the
// custom sign-in token.
func (s *Service) createAnonymousUser(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"query": createAnonymousUserQuery,
		"variables": map[string]any{
			"input": map[string]any{
				"anonymousUserType": "NATIVE_CLIENT_ANONYMOUS_USER_FEATURE_GATED",
				"expirationType":    "NO_EXPIRATION",
				"referralCode":      nil,
			},
			"requestContext": requestContext(),
		},
		"operationName": "CreateAnonymousUser",
	})
	if err != nil {
		return "", fmt.Errorf("warp: encode CreateAnonymousUser payload: %w", err)
	}

	status, body, err := s.postGraphQL(ctx, s.cfg.GraphQLOperationURL("CreateAnonymousUser"), payload, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("warp: CreateAnonymousUser failed: HTTP %d %s", status, truncate(body, 200))
	}
	idToken := gjson.GetBytes(body, "data.createAnonymousUser.idToken").String()
	if idToken == "" {
		return "", fmt.Errorf("warp: CreateAnonymousUser did not return idToken: %s", truncate(body, 200))
	}
	return idToken, nil
}

// exchangeIDTokenForRefreshToken signs in with the custom token at the
// identity toolkit endpoint and returns the resulting refresh token.
func (s *Service) exchangeIDTokenForRefreshToken(ctx context.Context, idToken string) (string, error) {
	apiKey := s.cfg.IdentityToolkitAPIKey()
	if apiKey == "" {
		return "", fmt.Errorf("warp: identity toolkit API key is not configured")
	}

	form := url.Values{}
	form.Set("returnSecureToken", "true")
	form.Set("token", idToken)

	endpoint := s.cfg.IdentityToolkitURL + "?key=" + url.QueryEscape(apiKey)
	status, body, err := s.postForm(ctx, endpoint, form.Encode())
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("warp: signInWithCustomToken failed: HTTP %d %s", status, truncate(body, 200))
	}
	refreshToken := gjson.GetBytes(body, "refreshToken").String()
	if refreshToken == "" {
		return "", fmt.Errorf("warp: signInWithCustomToken did not return refreshToken: %s", truncate(body, 200))
	}
	return refreshToken, nil
}

// exchangeRefreshTokenForAccess trades a refresh token for an access token at
// the proxy token endpoint.
func (s *Service) exchangeRefreshTokenForAccess(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	status, body, err := s.postForm(ctx, s.cfg.TokenURL, form.Encode())
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("warp: acquire access token failed: HTTP %d %s", status, truncate(body, 200))
	}
	access := gjson.GetBytes(body, "access_token").String()
	if access == "" {
		return "", fmt.Errorf("warp: no access_token in response: %s", truncate(body, 200))
	}
	return access, nil
}
