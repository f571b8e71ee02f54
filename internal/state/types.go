// Package state 管理持久化的会话状态机：待确认动作、多步动作、列表引用等
// 跨调用（无共享内存）延续的对话状态。
//
// 核心约定：每个键任意时刻最多一条状态；新状态整体替换旧状态（不合并）；
// 保存走存储层的乐观锁，输掉并发竞争的一方必须基于最新状态重新决策。
package state

import (
	"encoding/json"
	"time"

	"github.com/wwwzy/DeskAgent/internal/storage"
)

// Type 为状态机枚举。持久层里只允许出现这些取值。
type Type string

const (
	TypeNormal       Type = "normal"
	TypeGoalSetting  Type = "goal_setting"
	TypeAnnouncement Type = "announcement"
	TypeConfirmation Type = "confirmation"
	TypeTaskPending  Type = "task_pending"
	TypeMultiAction  Type = "multi_action"
	TypeListContext  Type = "list_context"
)

func (t Type) Valid() bool {
	switch t {
	case TypeNormal, TypeGoalSetting, TypeAnnouncement, TypeConfirmation,
		TypeTaskPending, TypeMultiAction, TypeListContext:
		return true
	}
	return false
}

// PendingAction 为等待确认或补参的待执行动作。
type PendingAction struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// ListItem 为展示给用户的可枚举列表中的一项，
// 携带用户按序数回指时应当复原的动作。
type ListItem struct {
	Label  string                 `json:"label"`
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// ListPayload 为 list_context 状态的载荷：最近展示给用户的列表。
type ListPayload struct {
	Items []ListItem `json:"items"`
}

// State 为一个键的会话状态快照。
type State struct {
	Key     storage.StateKey
	Type    Type
	Pending *PendingAction
	// Payload 为状态专属数据（如 ListPayload 的 JSON）。
	Payload   json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time

	// row 为持久层句柄（含乐观锁版本）。Load 出来的状态带句柄；
	// 全新状态句柄为空，Save 时走新建路径。
	row *storage.ConversationState
}
