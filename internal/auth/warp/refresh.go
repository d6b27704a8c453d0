package warp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/warp-compat/warp-bridge/internal/account"
	"github.com/warp-compat/warp-bridge/internal/secrets"
)

const (
	// accessExpiryBuffer is how close to expiry an access token may get
	// before a routine request forces a refresh.
	accessExpiryBuffer = 15 * time.Minute
	// identityExpiryBuffer is the tighter buffer applied to identity tokens.
	identityExpiryBuffer = 2 * time.Minute
	// refreshKey collapses concurrent refreshes into a single flight.
	refreshKey = "refresh"
)

var (
	quotaExhaustedBody = regexp.MustCompile(`(?i)no remaining quota|no ai requests remaining`)
	invalidTokenBody   = regexp.MustCompile(`(?i)invalid_grant|invalid_token|refresh token is invalid`)
)

// EnsureValidAccess guarantees the secrets store holds a usable access token
// when it returns nil. force routes the call through the quota-low branch
// even when quota is fine, which rotates the account pool.
//
// Overlapping callers share one in-flight refresh; persisted writes land
// before the shared result is published.
func (s *Service) EnsureValidAccess(ctx context.Context, force bool) error {
	// Reload to observe updates persisted by sibling handlers.
	if err := s.secrets.Reload(); err != nil {
		log.Warnf("failed to reload secrets: %v", err)
	}

	jwt := s.secrets.Get(secrets.KeyAccessToken)
	if jwt == "" {
		log.Warn("no access token found, acquiring one")
		// Detach from the caller so a client disconnect cannot abandon the
		// refresh halfway through its persisted writes.
		_, err, _ := s.group.Do(refreshKey, func() (any, error) {
			return nil, s.refreshInitial(context.WithoutCancel(ctx))
		})
		return err
	}

	expired := IsTokenExpired(jwt, accessExpiryBuffer)
	quotaLow := s.ShouldRefreshForQuota(ctx, s.cfg.QuotaRefreshThreshold)
	if force && !quotaLow {
		log.Info("forced refresh requested, taking the quota-low path")
		quotaLow = true
	}
	if !expired && !quotaLow {
		if claims := ParseTokenClaims(jwt); claims != nil && claims.Exp != 0 {
			log.Debugf("access token still valid (%.1f hours remaining)", time.Until(time.Unix(claims.Exp, 0)).Hours())
		}
		return nil
	}
	if expired {
		log.Info("access token expired or expiring soon, refreshing")
	}

	_, err, _ := s.group.Do(refreshKey, func() (any, error) {
		return nil, s.refresh(context.WithoutCancel(ctx), quotaLow)
	})
	return err
}

// GetValidAccessToken runs the refresh policy and returns the resulting
// access token.
func (s *Service) GetValidAccessToken(ctx context.Context) (string, error) {
	if err := s.EnsureValidAccess(ctx, false); err != nil {
		return "", err
	}
	jwt := s.secrets.Get(secrets.KeyAccessToken)
	if jwt == "" {
		return "", newRefreshError(ErrorRefreshFailed, "access token missing after refresh")
	}
	return jwt, nil
}

// refreshInitial handles the no-token-at-all case: file refresh when an
// accounts file is configured, the stored (or default) refresh token
// otherwise.
func (s *Service) refreshInitial(ctx context.Context) error {
	if s.registry != nil {
		log.Info("attempting file-based refresh")
		err := s.refreshFromFile(ctx)
		if err == nil {
			return nil
		}
		log.Warnf("file-based refresh failed: %v", err)
	}
	return s.refreshWithStoredToken(ctx)
}

// refresh implements the strategy cascade for an existing but stale session:
// rotate the account pool or acquire an anonymous account when quota ran out,
// then fall back to a plain refresh-token exchange.
func (s *Service) refresh(ctx context.Context, quotaLow bool) error {
	if quotaLow {
		if s.registry != nil {
			log.Info("quota low, rotating account from file")
			// Mark the current account first so the picker skips it.
			s.registry.MarkExhaustedByRefreshToken(s.secrets.Get(secrets.KeyRefreshToken))
			errFile := s.refreshFromFile(ctx)
			if errFile == nil {
				log.Info("file-based refresh succeeded")
				return nil
			}
			log.Warnf("file-based refresh failed, trying anonymous acquisition: %v", errFile)
		}
		access, err := s.AcquireAnonymousAccessToken(ctx)
		if err == nil && !IsTokenExpired(access, 0) {
			log.Info("anonymous account acquisition succeeded")
			return nil
		}
		if err != nil {
			log.Warnf("anonymous acquisition failed, trying plain refresh: %v", err)
		} else {
			log.Warn("anonymous acquisition returned an expired token, trying plain refresh")
		}
	}
	return s.refreshWithStoredToken(ctx)
}

// refreshFromFile picks the first available account, makes its refresh token
// current and performs one token exchange. The account's status transitions
// to available on success and to the typed error kind on failure.
func (s *Service) refreshFromFile(ctx context.Context) error {
	if s.registry == nil {
		return newRefreshError(ErrorRefreshFailed, "no accounts file configured")
	}
	acc, ok := s.registry.PickAvailable()
	if !ok {
		return newRefreshError(ErrorRefreshFailed, "no available account in "+s.registry.Path())
	}
	log.Infof("refreshing with account from file: %s", acc.Email)

	if err := s.secrets.Set(secrets.KeyRefreshToken, acc.RefreshToken); err != nil {
		s.setAccountStatus(acc.Email, account.StatusRefreshFailed)
		return err
	}

	if err := s.exchangeAndPersist(ctx, acc.RefreshToken); err != nil {
		s.setAccountStatus(acc.Email, statusForError(err))
		return err
	}

	if IsTokenExpired(s.secrets.Get(secrets.KeyAccessToken), 0) {
		log.Warn("refreshed token from file is already expired")
		s.setAccountStatus(acc.Email, account.StatusInvalidToken)
		return newRefreshError(ErrorInvalidToken, "refreshed access token is already expired")
	}
	s.setAccountStatus(acc.Email, account.StatusAvailable)
	return nil
}

// refreshWithStoredToken exchanges the stored refresh token, or the
// configured default when the store holds none.
func (s *Service) refreshWithStoredToken(ctx context.Context) error {
	refreshToken := s.secrets.Get(secrets.KeyRefreshToken)
	if refreshToken == "" {
		refreshToken = s.cfg.DefaultRefreshToken
	}
	if refreshToken == "" {
		return newRefreshError(ErrorRefreshFailed, "no refresh token available")
	}
	return s.exchangeAndPersist(ctx, refreshToken)
}

// exchangeAndPersist posts the refresh grant and maps the response onto the
// error taxonomy. On success the new access token and, when present, the
// identity token are persisted before returning.
func (s *Service) exchangeAndPersist(ctx context.Context, refreshToken string) error {
	log.Info("refreshing access token")

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	status, body, err := s.postForm(ctx, s.cfg.TokenURL, form.Encode())
	if err != nil {
		return newRefreshError(ErrorRefreshFailed, err.Error())
	}

	if status == http.StatusOK {
		access := gjson.GetBytes(body, "access_token").String()
		if access == "" {
			return newRefreshError(ErrorRefreshFailed, "no access_token in response: "+truncate(body, 200))
		}
		if idToken := gjson.GetBytes(body, "id_token").String(); idToken != "" {
			if err = s.secrets.Set(secrets.KeyIDToken, idToken); err != nil {
				return err
			}
		}
		if err = s.secrets.Set(secrets.KeyAccessToken, access); err != nil {
			return err
		}
		log.Info("token refresh successful")
		return nil
	}

	log.Errorf("token refresh failed: HTTP %d %s", status, truncate(body, 200))
	switch {
	case status == http.StatusUnauthorized:
		return newRefreshError(ErrorInvalidToken, fmt.Sprintf("HTTP %d", status))
	case status == http.StatusTooManyRequests && quotaExhaustedBody.Match(body):
		return newRefreshError(ErrorQuotaExhausted, fmt.Sprintf("HTTP %d", status))
	case invalidTokenBody.Match(body):
		return newRefreshError(ErrorInvalidToken, fmt.Sprintf("HTTP %d", status))
	default:
		return newRefreshError(ErrorRefreshFailed, fmt.Sprintf("HTTP %d %s", status, truncate(body, 200)))
	}
}

// EnsureValidIdentity returns a usable identity token, refreshing the session
// when the stored one is missing or expiring. The token exchange persists the
// id_token alongside the access token, so a single refresh serves both paths.
func (s *Service) EnsureValidIdentity(ctx context.Context) (string, error) {
	if err := s.secrets.Reload(); err != nil {
		log.Warnf("failed to reload secrets: %v", err)
	}

	idToken := s.secrets.Get(secrets.KeyIDToken)
	if idToken != "" && !IsTokenExpired(idToken, identityExpiryBuffer) {
		return idToken, nil
	}

	log.Info("identity token missing or expiring, refreshing")
	_, err, _ := s.group.Do(refreshKey, func() (any, error) {
		return nil, s.refreshWithStoredToken(context.WithoutCancel(ctx))
	})
	if err != nil {
		if idToken != "" {
			log.Warn("identity token refresh failed, proceeding with the existing token")
			return idToken, nil
		}
		return "", err
	}

	idToken = s.secrets.Get(secrets.KeyIDToken)
	if idToken == "" {
		return "", newRefreshError(ErrorRefreshFailed, "identity token missing after refresh")
	}
	if IsTokenExpired(idToken, 0) {
		log.Warn("new identity token has a short expiry, proceeding anyway")
	}
	return idToken, nil
}

// LogTokenInfo decodes the current access token and logs its identity
// fields. Useful at startup to confirm which account is active.
func (s *Service) LogTokenInfo() {
	jwt := s.secrets.Get(secrets.KeyAccessToken)
	if jwt == "" {
		log.Info("no access token found")
		return
	}
	claims := ParseTokenClaims(jwt)
	if claims == nil {
		log.Info("cannot decode access token")
		return
	}
	if claims.Email != "" {
		log.Infof("active account email: %s", claims.Email)
	}
	if claims.UserID != "" {
		log.Infof("active account user id: %s", claims.UserID)
	}
}

// setAccountStatus is a logging wrapper around the registry transition.
func (s *Service) setAccountStatus(email string, status account.Status) {
	if s.registry == nil {
		return
	}
	if err := s.registry.SetStatus(email, status); err != nil {
		log.Errorf("failed to update account status for %s: %v", email, err)
	}
}

// statusForError maps a refresh error onto the account status it should
// leave behind.
func statusForError(err error) account.Status {
	switch KindOf(err) {
	case ErrorInvalidToken:
		return account.StatusInvalidToken
	case ErrorQuotaExhausted:
		return account.StatusQuotaExhausted
	default:
		return account.StatusRefreshFailed
	}
}
