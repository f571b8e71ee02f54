package ui

import (
	"context"

	"github.com/wwwzy/DeskAgent/internal/engine"
)

// ChatBackend 为聊天界面依赖的最小后端接口；引擎直接实现它。
type ChatBackend interface {
	HandleTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnReply, error)
}

// Session 标识一次本地会话：消息以谁的身份、发往哪个会话。
type Session struct {
	OrgID          string
	ConversationID string
	SenderID       string
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, session Session, opts ChatOptions) error
}

type ChatOptions struct {
	// ShowTrace 在每条回复后附带链路 ID，方便对照审计记录排查。
	ShowTrace bool
}
