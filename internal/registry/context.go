package registry

import (
	"context"
)

// TurnMeta 为一轮对话的执行元信息，经 context 传递给工具处理器。
// 工具入参 JSON 只携带业务参数；组织/操作者/链路 ID 一律从这里取。
type TurnMeta struct {
	OrgID string
	Actor string
	// ConversationID 为本轮消息所在会话；宛先未指定の工具以此为默认投递先。
	ConversationID string
	TraceID        string
}

type turnMetaKey struct{}

// WithTurnMeta 将本轮执行元信息注入 context。
func WithTurnMeta(ctx context.Context, meta TurnMeta) context.Context {
	return context.WithValue(ctx, turnMetaKey{}, meta)
}

// TurnMetaFromContext 从 context 获取执行元信息；未注入时返回零值。
func TurnMetaFromContext(ctx context.Context) TurnMeta {
	if v, ok := ctx.Value(turnMetaKey{}).(TurnMeta); ok {
		return v
	}
	return TurnMeta{}
}
