package understand

import (
	"encoding/json"
	"strings"

	"github.com/wwwzy/DeskAgent/internal/registry"
)

// lowScore 为缺省置信度。模型没给出的分数一律按保守的"低"处理，绝不默认为高。
const lowScore = 0.3

type confidenceEnvelope struct {
	Confidence struct {
		Intent *float64 `json:"intent"`
		Params *float64 `json:"params"`
		Safety *float64 `json:"safety"`
	} `json:"confidence"`
}

// extractConfidence 从助手回复正文里提取自评置信度 JSON 块。
// 正文里可能混有自然语言，逐个扫描平衡的 {...} 片段尝试解析。
func extractConfidence(content string) registry.ConfidenceScores {
	scores := registry.ConfidenceScores{Intent: lowScore, Params: lowScore, Safety: lowScore}

	for _, frag := range jsonFragments(content) {
		var env confidenceEnvelope
		if err := json.Unmarshal([]byte(frag), &env); err != nil {
			continue
		}
		c := env.Confidence
		if c.Intent == nil && c.Params == nil && c.Safety == nil {
			continue
		}
		if c.Intent != nil {
			scores.Intent = clamp01(*c.Intent)
		}
		if c.Params != nil {
			scores.Params = clamp01(*c.Params)
		}
		if c.Safety != nil {
			scores.Safety = clamp01(*c.Safety)
		}
		return scores
	}
	return scores
}

// jsonFragments 返回文本中所有括号平衡的顶层 {...} 片段。
func jsonFragments(s string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// stripConfidence 把置信度 JSON 块从正文里去掉，留下给用户看的文本。
func stripConfidence(content string) string {
	for _, frag := range jsonFragments(content) {
		var env confidenceEnvelope
		if err := json.Unmarshal([]byte(frag), &env); err != nil {
			continue
		}
		c := env.Confidence
		if c.Intent == nil && c.Params == nil && c.Safety == nil {
			continue
		}
		content = strings.Replace(content, frag, "", 1)
	}
	return strings.TrimSpace(content)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
