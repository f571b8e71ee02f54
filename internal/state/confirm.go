package state

import (
	"strconv"
	"strings"
)

// ConfirmationVerdict 为确认回复的判定结果。
type ConfirmationVerdict int

const (
	// VerdictUnrelated 表示既非肯定也非否定——按一轮无关的新对话处理，
	// 待确认状态保持不动直到自然过期。
	VerdictUnrelated ConfirmationVerdict = iota
	VerdictAffirm
	VerdictDecline
)

// 固定词表。确认匹配刻意不走 LLM：判定必须可复现、可测试。
var affirmPhrases = []string{
	"はい", "うん", "ええ", "いいよ", "いいです", "お願い", "お願いします", "おねがいします",
	"実行して", "実行してください", "了解", "オッケー", "大丈夫", "進めて", "どうぞ", "やって",
	"ok", "okay", "yes", "y", "sure", "go ahead", "do it",
}

var declinePhrases = []string{
	"いいえ", "いや", "やめて", "やめる", "やめます", "キャンセル", "中止", "だめ", "ダメ",
	"不要", "結構です", "やらないで", "取り消し",
	"no", "n", "cancel", "stop", "nevermind", "never mind",
}

// MatchConfirmation 按固定词表判定一条回复是肯定、否定还是无关。
func MatchConfirmation(reply string) ConfirmationVerdict {
	s := normalizeReply(reply)
	if s == "" {
		return VerdictUnrelated
	}

	for _, p := range declinePhrases {
		if s == p {
			return VerdictDecline
		}
	}
	for _, p := range affirmPhrases {
		if s == p {
			return VerdictAffirm
		}
	}
	return VerdictUnrelated
}

func normalizeReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	// 去掉常见的句末符号（全角/半角）
	s = strings.TrimRight(s, "。．.!！?？～〜 　")
	return strings.TrimSpace(s)
}

// ResolveListReference 把"それ/1つ目/2番目/最後"之类的回指解析到最近展示的列表项，
// 解析成功时返回该项复原出的待执行动作。
func ResolveListReference(reply string, payload ListPayload) (*PendingAction, bool) {
	if len(payload.Items) == 0 {
		return nil, false
	}

	s := normalizeReply(reply)
	if s == "" {
		return nil, false
	}

	idx := -1
	switch {
	case strings.HasPrefix(s, "最後"):
		idx = len(payload.Items) - 1
	case strings.HasPrefix(s, "最初"):
		idx = 0
	case s == "それ" || s == "これ" || s == "あれ" || strings.HasPrefix(s, "それを") || strings.HasPrefix(s, "それで"):
		// 指示語は列表が一件のときだけ一意に解決できる
		if len(payload.Items) == 1 {
			idx = 0
		}
	default:
		idx = parseOrdinal(s)
	}

	if idx < 0 || idx >= len(payload.Items) {
		return nil, false
	}

	item := payload.Items[idx]
	if item.Tool == "" {
		return nil, false
	}
	return &PendingAction{Tool: item.Tool, Params: item.Params}, true
}

var kanjiDigits = map[rune]int{
	'一': 1, '二': 2, '三': 3, '四': 4, '五': 5,
	'六': 6, '七': 7, '八': 8, '九': 9, '十': 10,
}

// parseOrdinal 解析 "1つ目"/"２番目"/"三番"/"2" 等序数表达，返回 0 基下标，失败返回 -1。
func parseOrdinal(s string) int {
	// 全角数字を半角へ
	var b strings.Builder
	for _, r := range s {
		if r >= '０' && r <= '９' {
			b.WriteRune(r - '０' + '0')
			continue
		}
		b.WriteRune(r)
	}
	s = b.String()

	n := 0
	rest := s
	if i := leadingDigits(s); i > 0 {
		v, err := strconv.Atoi(s[:i])
		if err != nil {
			return -1
		}
		n = v
		rest = s[i:]
	} else {
		runes := []rune(s)
		if len(runes) == 0 {
			return -1
		}
		v, ok := kanjiDigits[runes[0]]
		if !ok {
			return -1
		}
		n = v
		rest = string(runes[1:])
	}

	if n <= 0 {
		return -1
	}

	switch {
	case rest == "":
		return n - 1
	case strings.HasPrefix(rest, "つ目"), strings.HasPrefix(rest, "番目"),
		strings.HasPrefix(rest, "番"), strings.HasPrefix(rest, "個目"),
		strings.HasPrefix(rest, "件目"):
		return n - 1
	}
	return -1
}

func leadingDigits(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i
}
