package understand

import (
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/DeskAgent/internal/turnctx"
)

// SystemPromptTemplate 定义系统提示词模板
// 动态变量: {time}, {sender}, {summary}, {known}, {teachings}
const SystemPromptTemplate = `あなたは職場向けアシスタント DeskAgent です。
ユーザーのチャットメッセージから意図を読み取り、必要なら登録済みツールを呼び出してください。

現在時刻: {time}
送信者: {sender}

これまでの会話の要約:
{summary}

送信者に関する既知の情報（タスク・ゴール・好み・ナレッジ）:
{known}

組織からの指導（デフォルトの判断より優先すること）:
{teachings}

守るべき原則:
1. 必須パラメータが読み取れない場合は推測せず、ツールを呼ばずに確認の質問を返すこと。
2. 削除・一斉送信などの危険な操作は、勝手に実行せずツール呼び出しとして提案するだけにすること。
3. 回答は簡潔な日本語で。
4. ツールを呼ぶ場合は、本文に次の形式で自己評価を添えること:
   {{"confidence": {{"intent": 0-1, "params": 0-1, "safety": 0-1}}}}`

// NewChatTemplate 创建 ChatTemplate 实例。
// "history" 为历史消息占位符（由 Bundle 的最近消息注入）。
func NewChatTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(SystemPromptTemplate),
		schema.MessagesPlaceholder("history", true),
	)
}

// templateVars 把上下文包展开为模板变量。
func templateVars(bundle *turnctx.Bundle, now string) map[string]any {
	sender := bundle.Sender.DisplayName
	if sender == "" {
		sender = bundle.Sender.ID
	}
	if bundle.Sender.Role != "" {
		sender += " (" + bundle.Sender.Role + ")"
	}

	summary := bundle.HistorySummary
	if summary == "" {
		summary = "（なし）"
	}

	return map[string]any{
		"time":      now,
		"sender":    sender,
		"summary":   summary,
		"known":     renderKnown(bundle),
		"teachings": renderTeachings(bundle),
		"history":   historyMessages(bundle),
	}
}

func historyMessages(bundle *turnctx.Bundle) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(bundle.RecentMessages))
	for _, m := range bundle.RecentMessages {
		if m.Role == "assistant" {
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
			continue
		}
		msgs = append(msgs, schema.UserMessage(m.Content))
	}
	return msgs
}

func renderKnown(bundle *turnctx.Bundle) string {
	var sb strings.Builder

	if len(bundle.Tasks) > 0 {
		sb.WriteString("タスク:\n")
		for _, t := range bundle.Tasks {
			sb.WriteString("- [" + t.Status + "] " + t.Title + " (id=" + t.ID + ")\n")
		}
	}
	if len(bundle.Goals) > 0 {
		sb.WriteString("ゴール:\n")
		for _, g := range bundle.Goals {
			sb.WriteString("- [" + g.Status + "] " + g.Title + " (id=" + g.ID + ")\n")
		}
	}
	if len(bundle.Preferences) > 0 {
		sb.WriteString("好み:\n")
		for k, v := range bundle.Preferences {
			sb.WriteString("- " + k + ": " + v + "\n")
		}
	}
	if len(bundle.Snippets) > 0 {
		sb.WriteString("ナレッジ:\n")
		for _, s := range bundle.Snippets {
			sb.WriteString("- " + s.Content + " (score=" + strconv.FormatFloat(s.Score, 'f', 2, 64) + ")\n")
		}
	}

	if sb.Len() == 0 {
		return "（なし）"
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderTeachings(bundle *turnctx.Bundle) string {
	if len(bundle.Teachings) == 0 {
		return "（なし）"
	}
	var sb strings.Builder
	for _, t := range bundle.Teachings {
		sb.WriteString("- " + t.Content + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
