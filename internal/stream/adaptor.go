// Package stream adapts the Warp server-sent event stream for OpenAI
// clients. The adaptor watches the upstream transaction state machine,
// recognizes the signature of a stream that will never deliver content, and
// injects synthetic retry markers or a terminal fallback message while
// passing healthy events through untouched.
package stream

import (
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TransactionState tracks the upstream transaction lifecycle per stream.
type TransactionState string

const (
	// StateIdle means no transaction is open.
	StateIdle TransactionState = "idle"
	// StateActive means a transaction began and content may follow.
	StateActive TransactionState = "active"
	// StateFailed means the transaction rolled back.
	StateFailed TransactionState = "failed"
	// StateRetrying means a rollback was answered with a retry marker.
	StateRetrying TransactionState = "retrying"
)

// DefaultMaxRetries bounds the synthetic retry markers per stream.
const DefaultMaxRetries = 2

// stuckIndicators match the serialized event of a stream that is spinning
// without producing output.
var stuckIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rollback_transaction`),
	regexp.MustCompile(`(?i)update_task_description`),
	regexp.MustCompile(`(?i)begin_transaction.*rollback_transaction`),
}

var retryMessages = []string{
	"让我重新为您处理这个请求...",
	"正在尝试不同的方式来帮助您...",
	"切换到更稳定的处理方式...",
}

const fallbackContent = `⚠️ 由于技术限制，我无法直接执行文件操作。

不过我可以为您提供以下替代方案：

1. **代码示例和指导**：我可以为您提供完整的代码示例和实现思路
2. **分步骤说明**：详细说明如何在您的环境中实现相关功能
3. **最佳实践建议**：分享相关的最佳实践和技术建议

请告诉我您想要实现什么功能，我会为您提供详细的代码示例和实施指导！`

// Adaptor filters one upstream event stream. It is stateful and must not be
// shared between streams; no locking is performed.
type Adaptor struct {
	state      TransactionState
	retryCount int
	maxRetries int

	fallbackSent bool

	// RetryAction, when set, runs every time a retry marker is emitted. The
	// marker itself is cosmetic: the adaptor keeps reading the same upstream
	// stream, so a real resubmission has to be plugged in here.
	RetryAction func(attempt int)
}

// NewAdaptor creates an adaptor in the idle state. maxRetries values below
// zero fall back to DefaultMaxRetries.
func NewAdaptor(maxRetries int) *Adaptor {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Adaptor{state: StateIdle, maxRetries: maxRetries}
}

// State returns the current transaction state.
func (a *Adaptor) State() TransactionState { return a.state }

// RetryCount returns how many retry markers were emitted so far.
func (a *Adaptor) RetryCount() int { return a.retryCount }

// HandleEvent classifies one decoded upstream event and returns the event to
// emit in its place: the unmodified input for pass-through, or a synthetic
// OpenAI-shaped chunk for retries, the fallback and processing errors.
// Exactly one event is returned per input.
func (a *Adaptor) HandleEvent(event []byte) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("stream adaptor: event processing panic: %v", r)
			out = errorChunk(fmt.Sprint(r))
		}
	}()

	switch {
	case containsAction(event, "begin_transaction"):
		log.Info("stream adaptor: transaction began")
		a.state = StateActive
		a.retryCount = 0
		return event

	case containsAction(event, "rollback_transaction"):
		log.Warnf("stream adaptor: transaction rolled back, retry count: %d", a.retryCount)
		a.state = StateFailed
		return a.retryOrFallback()

	case containsAction(event, "commit_transaction"):
		log.Info("stream adaptor: transaction committed")
		a.state = StateIdle
		return event

	case isStuckEvent(event):
		log.Warn("stream adaptor: stuck response signature detected")
		a.state = StateFailed
		return a.retryOrFallback()
	}

	return event
}

// Finish reacts to the upstream closing the stream: a stream that ended in
// the failed state without a fallback still owes the client one. Returns nil
// when nothing needs to be emitted.
func (a *Adaptor) Finish() []byte {
	if a.state == StateFailed && !a.fallbackSent {
		a.fallbackSent = true
		return contentChunk(fallbackContent)
	}
	return nil
}

// retryOrFallback emits the next retry marker while the budget lasts, then
// the terminal fallback message.
func (a *Adaptor) retryOrFallback() []byte {
	if a.retryCount < a.maxRetries {
		a.retryCount++
		a.state = StateRetrying
		log.Infof("stream adaptor: retry %d of %d", a.retryCount, a.maxRetries)
		if a.RetryAction != nil {
			a.RetryAction(a.retryCount)
		}
		message := retryMessages[(a.retryCount-1)%len(retryMessages)]
		return contentChunk(fmt.Sprintf("\n\n🔄 %s\n\n", message))
	}
	log.Error("stream adaptor: retry budget exhausted, emitting fallback")
	a.state = StateFailed
	a.fallbackSent = true
	return contentChunk(fallbackContent)
}

// containsAction reports whether the event's client action list carries an
// action containing the given literal.
func containsAction(event []byte, action string) bool {
	actions := gjson.GetBytes(event, "client_actions.actions")
	if !actions.IsArray() {
		return false
	}
	found := false
	actions.ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String && strings.Contains(value.Str, action) {
			found = true
			return false
		}
		return true
	})
	return found
}

// isStuckEvent matches the structural signature of a stream that keeps
// shuffling tasks without emitting content.
func isStuckEvent(event []byte) bool {
	for _, indicator := range stuckIndicators {
		if indicator.Match(event) {
			return true
		}
	}
	// A task description update without any content output means the agent
	// is spinning.
	if strings.Contains(string(event), "update_task_description") {
		hasContent := strings.Contains(string(event), "append_to_message_content") ||
			strings.Contains(string(event), "agent_output") ||
			gjson.GetBytes(event, "message.agent_output.text").Exists()
		if !hasContent {
			log.Warn("stream adaptor: task description update without content")
			return true
		}
	}
	return false
}

// contentChunk wraps text into the synthetic OpenAI delta-chunk shape.
func contentChunk(text string) []byte {
	chunk, err := sjson.SetBytes([]byte(`{"choices":[{"delta":{}}]}`), "choices.0.delta.content", text)
	if err != nil {
		// sjson only fails on malformed paths; fall back to a plain event.
		return []byte(`{"choices":[{"delta":{"content":""}}]}`)
	}
	return chunk
}

// errorChunk is emitted when event processing itself fails.
func errorChunk(message string) []byte {
	return contentChunk(fmt.Sprintf("\n\n❌ 处理过程中出现错误：%s\n\n请重新尝试您的请求。", message))
}
