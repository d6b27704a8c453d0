package stream

import (
	"fmt"
	"regexp"
	"strings"
)

// riskPatterns match file-mutation intent in Chinese and English prompts.
// Each hit weighs 1.0.
var riskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)创建.*?文件`),
	regexp.MustCompile(`(?i)写.*?到.*?文件`),
	regexp.MustCompile(`(?i)保存.*?代码`),
	regexp.MustCompile(`(?i)修改.*?\.py|\.js|\.html|\.ts|\.css`),
	regexp.MustCompile(`(?i)create.*?file`),
	regexp.MustCompile(`(?i)write.*?to.*?file`),
	regexp.MustCompile(`(?i)save.*?code`),
	regexp.MustCompile(`(?i)implement.*?in.*?file`),
}

// riskKeywords are weaker signals, each weighing 0.5.
var riskKeywords = []string{
	"创建文件", "修改代码", "写代码", "保存", "文件",
	"create file", "write code", "save", "implement",
	"apply_file_diffs", "create_files", "read_files",
}

// riskScale normalizes the raw weighted hit count. A prompt that plainly
// asks for a file to be created (one pattern plus a couple of keywords)
// lands above the rewrite threshold.
const riskScale = 2.5

const (
	// riskRewriteThreshold triggers the full instructional rewrite.
	riskRewriteThreshold = 0.7
	// riskAdvisoryThreshold appends a softer advisory note.
	riskAdvisoryThreshold = 0.4
)

// AssessFileOperationRisk scores how likely message is to trigger file
// operations upstream. The score is normalized and capped at 1.0; an empty
// message scores zero.
func AssessFileOperationRisk(message string) float64 {
	if message == "" {
		return 0
	}

	score := 0.0
	for _, pattern := range riskPatterns {
		if pattern.MatchString(message) {
			score += 1.0
		}
	}
	lower := strings.ToLower(message)
	for _, keyword := range riskKeywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			score += 0.5
		}
	}

	score /= riskScale
	if score > 1.0 {
		return 1.0
	}
	return score
}

// TransformRiskyRequest rewrites a high-risk message into an instructional
// form: above the rewrite threshold the prompt is wrapped so the agent
// provides examples instead of creating files; above the advisory threshold
// a note is appended; otherwise the message passes through unchanged.
func TransformRiskyRequest(message string, score float64) string {
	if score > riskRewriteThreshold {
		return strings.TrimSpace(fmt.Sprintf(`请为以下需求提供代码示例和实现建议（以教学方式，不直接创建文件）：

用户需求：%s

请详细解释实现步骤，并提供完整的代码示例。`, message))
	}
	if score > riskAdvisoryThreshold {
		return strings.TrimSpace(fmt.Sprintf(`%s

请注意：我会以代码示例的形式为您提供解决方案。`, message))
	}
	return message
}
