package engine

import (
	"encoding/json"

	"github.com/wwwzy/DeskAgent/internal/understand"
)

// 固定的日本語兜底回复。决策路径上的用户可见文本必须确定性生成，
// 同一输入重放得到同一回复。
const (
	replySenderUnknown  = "送信者を確認できませんでした。管理者にお問い合わせください。"
	replyTransient      = "現在応答できません。しばらくしてからもう一度お試しください。"
	replyBusy           = "処理が混み合っています。もう一度お試しください。"
	replyNotUnderstood  = "うまく理解できませんでした。別の言い方でお試しください。"
	replyMissingDetails = "必要な情報が足りません。詳細を教えてください。"
	replyAck            = "承知しました。"
	replyDeclined       = "かしこまりました。実行を取り消しました。"
	replyExecuted       = "実行しました。"
	replyExecuteFailed  = "実行に失敗しました。しばらくしてからもう一度お試しください。"
	replyReplayed       = "このメッセージは既に処理済みです。"
)

// fallbackReply 按理解失败原因生成回复。模型给了直接回答就优先用它。
func fallbackReply(res understand.Result) string {
	if res.Reason == understand.ReasonNoToolCall && res.Reply != "" {
		return res.Reply
	}
	switch res.Reason {
	case understand.ReasonNoToolCall:
		return replyAck
	case understand.ReasonProviderError:
		return replyTransient
	case understand.ReasonMissingParam:
		return replyMissingDetails
	default:
		return replyNotUnderstood
	}
}

// successReply 从工具输出里取人类可读的 message 字段；没有就用通用回复。
func successReply(output string) string {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(output), &payload); err == nil {
		if msg, ok := payload["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return replyExecuted
}
