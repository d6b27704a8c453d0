package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/warp-compat/warp-bridge/internal/auth/warp"
	"github.com/warp-compat/warp-bridge/internal/buildinfo"
	"github.com/warp-compat/warp-bridge/internal/logging"
	"github.com/warp-compat/warp-bridge/internal/stream"
)

// modelID is the single model the bridge advertises; the upstream agent does
// its own model selection.
const modelID = "warp-agent"

// scanner sizing for upstream SSE frames; agent events can carry large tool
// payloads.
const (
	scannerInitialBuffer = 1 * 1024 * 1024
	scannerMaxBuffer     = 50 * 1024 * 1024
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{
			{
				"id":       modelID,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "warp",
			},
		},
	})
}

func (s *Server) handleQuota(c *gin.Context) {
	quota, err := s.auth.QuotaInfo(c.Request.Context())
	if err != nil {
		writeOpenAIError(c, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_limit":     quota.RequestLimit,
		"requests_used":     quota.RequestsUsed,
		"remaining":         quota.Remaining(),
		"next_refresh_time": quota.NextRefreshTime,
	})
}

func (s *Server) handleAccounts(c *gin.Context) {
	registry := s.auth.Registry()
	if registry == nil {
		writeOpenAIError(c, http.StatusNotFound, "not_configured", "no accounts file configured")
		return
	}
	breakdown, err := registry.CountByStatus()
	if err != nil {
		writeOpenAIError(c, http.StatusInternalServerError, "accounts_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available":       breakdown.Available,
		"quota_exhausted": breakdown.QuotaExhausted,
		"refresh_failed":  breakdown.RefreshFailed,
		"invalid_token":   breakdown.InvalidToken,
	})
}

// handleRefresh forces a session refresh through the quota-low path, rotating
// the account pool when one is configured.
func (s *Server) handleRefresh(c *gin.Context) {
	err := s.auth.EnsureValidAccess(c.Request.Context(), true)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "refreshed"})
		return
	}
	switch warp.KindOf(err) {
	case warp.ErrorQuotaExhausted:
		writeOpenAIError(c, http.StatusTooManyRequests, string(warp.ErrorQuotaExhausted), err.Error())
	case warp.ErrorInvalidToken:
		writeOpenAIError(c, http.StatusUnauthorized, string(warp.ErrorInvalidToken), err.Error())
	default:
		writeOpenAIError(c, http.StatusBadGateway, string(warp.ErrorRefreshFailed), err.Error())
	}
}

// handleChatCompletions brokers an OpenAI chat request to the upstream agent
// endpoint. The latest user message runs through the file-operation risk
// classifier before forwarding; the response stream runs through the
// transaction adaptor.
func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeOpenAIError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if !gjson.ValidBytes(body) || !gjson.GetBytes(body, "messages").IsArray() {
		writeOpenAIError(c, http.StatusBadRequest, "invalid_request_error", "messages must be a non-empty array")
		return
	}

	body = transformLatestUserMessage(c, body)

	streaming := gjson.GetBytes(body, "stream").Bool()
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = modelID
	}

	resp, err := s.callUpstreamAgent(c, body)
	if err != nil {
		writeOpenAIError(c, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		upstreamBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Errorf("upstream agent request failed: HTTP %d %s", resp.StatusCode, string(upstreamBody))
		writeOpenAIError(c, http.StatusBadGateway, "upstream_error",
			fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode))
		return
	}

	if streaming {
		s.streamCompletion(c, resp.Body, model)
		return
	}
	s.bufferedCompletion(c, resp.Body, model)
}

// callUpstreamAgent posts the request to the agent endpoint with a fresh
// bearer token. A 401 answer gets one forced refresh and a single retry.
func (s *Server) callUpstreamAgent(c *gin.Context, body []byte) (*http.Response, error) {
	ctx := c.Request.Context()

	token, err := s.auth.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.postAgent(c, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	log.Warn("upstream rejected the access token, forcing a refresh")
	if err = s.auth.EnsureValidAccess(ctx, true); err != nil {
		return nil, err
	}
	token, err = s.auth.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.postAgent(c, body, token)
}

func (s *Server) postAgent(c *gin.Context, body []byte, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, s.cfg.AIRequestURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("api: create agent request: %w", err)
	}
	warp.ApplyClientHeaders(req)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")
	// The upstream decoder cannot stream compressed SSE.
	req.Header.Set("accept-encoding", "identity")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.upstreamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: agent request: %w", err)
	}
	return resp, nil
}

// streamCompletion relays the upstream SSE stream as OpenAI chat chunks.
func (s *Server) streamCompletion(c *gin.Context, upstream io.Reader, model string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	completionID := newCompletionID()
	created := time.Now().Unix()
	adaptor := stream.NewAdaptor(stream.DefaultMaxRetries)

	emit := func(chunk []byte) {
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}

	forEachUpstreamEvent(upstream, func(event []byte) {
		out := adaptor.HandleEvent(event)
		if chunk, ok := toCompletionChunk(out, completionID, created, model); ok {
			emit(chunk)
		}
	})

	if final := adaptor.Finish(); final != nil {
		if chunk, ok := toCompletionChunk(final, completionID, created, model); ok {
			emit(chunk)
		}
	}

	emit(finishChunk(completionID, created, model))
	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}

	log.WithField("request_id", logging.GetRequestID(c.Request.Context())).
		Debugf("stream finished: state=%s retries=%d", adaptor.State(), adaptor.RetryCount())
}

// bufferedCompletion drains the upstream stream and answers with a single
// chat completion object.
func (s *Server) bufferedCompletion(c *gin.Context, upstream io.Reader, model string) {
	adaptor := stream.NewAdaptor(stream.DefaultMaxRetries)
	var content strings.Builder

	forEachUpstreamEvent(upstream, func(event []byte) {
		out := adaptor.HandleEvent(event)
		content.WriteString(eventText(out))
	})
	if final := adaptor.Finish(); final != nil {
		content.WriteString(eventText(final))
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      newCompletionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []gin.H{
			{
				"index": 0,
				"message": gin.H{
					"role":    "assistant",
					"content": content.String(),
				},
				"finish_reason": "stop",
			},
		},
		"usage": gin.H{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	})
}

// forEachUpstreamEvent walks the SSE stream and invokes fn once per decoded
// data frame. Comment lines and the terminal [DONE] marker are skipped.
func forEachUpstreamEvent(r io.Reader, fn func(event []byte)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		if !gjson.Valid(payload) {
			log.Debugf("skipping non-JSON upstream frame: %s", payload)
			continue
		}
		fn([]byte(payload))
	}
	if err := scanner.Err(); err != nil {
		log.Warnf("upstream stream read error: %v", err)
	}
}

// toCompletionChunk converts an adaptor output event into an OpenAI chunk.
// Synthetic events already carry a choices array and only need enrichment;
// pass-through agent events contribute their output text, and events without
// text produce no chunk.
func toCompletionChunk(event []byte, id string, created int64, model string) ([]byte, bool) {
	var text string
	if gjson.GetBytes(event, "choices").IsArray() {
		text = gjson.GetBytes(event, "choices.0.delta.content").String()
	} else {
		text = eventText(event)
	}
	if text == "" {
		return nil, false
	}
	return deltaChunk(id, created, model, text), true
}

// eventText extracts client-visible text from an event, either the synthetic
// chunk content or the agent output of a pass-through event.
func eventText(event []byte) string {
	if event == nil {
		return ""
	}
	if content := gjson.GetBytes(event, "choices.0.delta.content"); content.Exists() {
		return content.String()
	}
	return gjson.GetBytes(event, "message.agent_output.text").String()
}

func deltaChunk(id string, created int64, model, text string) []byte {
	chunk, _ := json.Marshal(gin.H{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []gin.H{
			{"index": 0, "delta": gin.H{"content": text}},
		},
	})
	return chunk
}

func finishChunk(id string, created int64, model string) []byte {
	chunk, _ := json.Marshal(gin.H{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []gin.H{
			{"index": 0, "delta": gin.H{}, "finish_reason": "stop"},
		},
	})
	return chunk
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// transformLatestUserMessage scores the newest user message for file
// operation intent and rewrites it in place when the risk is high.
func transformLatestUserMessage(c *gin.Context, body []byte) []byte {
	messages := gjson.GetBytes(body, "messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Get("role").String() != "user" {
			continue
		}
		content := messages[i].Get("content")
		if content.Type != gjson.String {
			// Multimodal content arrays are forwarded untouched.
			return body
		}
		score := stream.AssessFileOperationRisk(content.Str)
		transformed := stream.TransformRiskyRequest(content.Str, score)
		if transformed == content.Str {
			return body
		}
		log.WithField("request_id", logging.GetGinRequestID(c)).
			Infof("high file-operation risk (%.2f), rewriting user message", score)
		updated, err := sjson.SetBytes(body, fmt.Sprintf("messages.%d.content", i), transformed)
		if err != nil {
			return body
		}
		return updated
	}
	return body
}

// writeOpenAIError answers with the OpenAI error envelope.
func writeOpenAIError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "api_error",
			"code":    code,
		},
	})
}
