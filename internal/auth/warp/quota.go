package warp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// getRequestLimitInfoQuery asks the identity-scoped GraphQL surface for the
// current request budget.
const getRequestLimitInfoQuery = `query GetRequestLimitInfo($requestContext: RequestContext!) { user(requestContext: $requestContext) { __typename ... on UserOutput { user { requestLimitInfo { nextRefreshTime requestLimit requestsUsedSinceLastRefresh } } } } }`

// QuotaInfo is the ephemeral request budget of the current identity.
type QuotaInfo struct {
	RequestLimit    int64  `json:"request_limit"`
	RequestsUsed    int64  `json:"requests_used"`
	NextRefreshTime string `json:"next_refresh_time"`
}

// Remaining returns the unused part of the budget.
func (q *QuotaInfo) Remaining() int64 {
	return q.RequestLimit - q.RequestsUsed
}

// QuotaInfo fetches the request limit info for the current identity token,
// refreshing the identity token first when needed. A response that does not
// carry the expected shape is an error.
func (s *Service) QuotaInfo(ctx context.Context) (*QuotaInfo, error) {
	idToken, err := s.EnsureValidIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("warp: no valid identity token for quota lookup: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"query":         getRequestLimitInfoQuery,
		"variables":     map[string]any{"requestContext": requestContext()},
		"operationName": "GetRequestLimitInfo",
	})
	if err != nil {
		return nil, fmt.Errorf("warp: encode GetRequestLimitInfo payload: %w", err)
	}

	status, body, err := s.postGraphQL(ctx, s.cfg.GraphQLOperationURL("GetRequestLimitInfo"), payload, idToken)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("warp: GetRequestLimitInfo failed: HTTP %d %s", status, truncate(body, 200))
	}

	info := gjson.GetBytes(body, "data.user.user.requestLimitInfo")
	if !info.Exists() || !info.Get("requestLimit").Exists() {
		return nil, fmt.Errorf("warp: unexpected GetRequestLimitInfo shape: %s", truncate(body, 200))
	}
	quota := &QuotaInfo{
		RequestLimit:    info.Get("requestLimit").Int(),
		RequestsUsed:    info.Get("requestsUsedSinceLastRefresh").Int(),
		NextRefreshTime: info.Get("nextRefreshTime").String(),
	}
	log.Infof("quota info: limit=%d used=%d next_refresh=%s", quota.RequestLimit, quota.RequestsUsed, quota.NextRefreshTime)
	return quota, nil
}

// ShouldRefreshForQuota reports whether the remaining budget dropped to the
// threshold. A threshold of zero disables the check, and a failed quota
// lookup degrades to false: under-refreshing beats thrashing accounts.
func (s *Service) ShouldRefreshForQuota(ctx context.Context, threshold int) bool {
	if threshold == 0 {
		log.Debug("quota check disabled (threshold=0)")
		return false
	}

	quota, err := s.QuotaInfo(ctx)
	if err != nil {
		log.Warnf("quota lookup failed, skipping quota check: %v", err)
		return false
	}

	remaining := quota.Remaining()
	if remaining <= int64(threshold) {
		log.Warnf("quota low: remaining=%d <= threshold=%d, account refresh required", remaining, threshold)
		return true
	}
	log.Debugf("quota sufficient: remaining=%d > threshold=%d", remaining, threshold)
	return false
}
