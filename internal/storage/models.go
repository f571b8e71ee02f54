package storage

import "time"

// ConversationState 表示一个会话当前的持久化状态（状态机的一行快照）。
//
// 设计要点：
//   - 以 (OrgID, ConversationID, ThreadID) 为唯一键，任意时刻每个键最多一行。
//   - 保存采用"整行替换 + 乐观锁"：Version 不匹配即判定并发冲突，由调用方重读后重试。
//   - ExpiresAt 为必填；读取时惰性判定过期，后台 Sweeper 周期性物理清理。
type ConversationState struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// OrgID/ConversationID/ThreadID 组成唯一键。ThreadID 可为空串（表示无子线程）。
	OrgID          string `gorm:"size:64;not null;uniqueIndex:idx_conv_states_key,priority:1"`
	ConversationID string `gorm:"size:128;not null;uniqueIndex:idx_conv_states_key,priority:2"`
	ThreadID       string `gorm:"size:128;not null;default:'';uniqueIndex:idx_conv_states_key,priority:3"`
	// StateType 为状态机枚举值（normal/goal_setting/announcement/confirmation/task_pending/multi_action/list_context）。
	StateType string `gorm:"size:32;not null;index"`
	// PendingTool/PendingParamsJSON 存放待执行动作（工具名 + 已绑定参数 JSON）；无待执行动作时为空。
	PendingTool       string `gorm:"size:128"`
	PendingParamsJSON string `gorm:"type:text"`
	// PayloadJSON 存放状态专属数据（如 list_context 下最近展示给用户的列表）。
	PayloadJSON string `gorm:"type:text"`
	// Version 为乐观锁版本号；每次成功保存 +1。
	Version uint64 `gorm:"not null;default:1"`
	// CreatedAt 为本状态建立时间；ExpiresAt 为过期时间（超过后视为不存在）。
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// AuditRecord 记录一次"动作执行尝试"及其结果，用于审计、追溯与后续分析。
//
// 一条审计记录对应 Dispatcher 的一次执行尝试（成功/失败/被 Guardian 拒绝均写一条）。
// 入参/结果统一以 JSON 字符串存放；错误信息在写入前已脱敏，不包含外部系统原始错误体。
type AuditRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 用于串联一轮对话的决策链路，便于按链路聚合审计。
	TraceID string `gorm:"size:64;index"`
	// OrgID/Actor 表示发起组织与操作者（确认执行时为确认人）。
	OrgID string `gorm:"size:64;not null;index"`
	Actor string `gorm:"size:128;not null"`
	// Action 表示执行的动作（稳定的工具名，例如 create_task / delete_goals）。
	Action string `gorm:"size:128;not null;index"`
	// ParamsJSON 存放动作入参（JSON 字符串）。
	ParamsJSON string `gorm:"type:text"`
	// Verdict 为 Guardian 裁决（auto_approve/needs_confirmation/reject）。
	Verdict string `gorm:"size:32;not null"`
	// ResultJSON 存放动作结果（JSON 字符串）。
	ResultJSON string `gorm:"type:text"`
	// Status 表示执行状态（running/success/failed/rejected）。
	Status string `gorm:"size:32;not null;index"`
	// ErrorMessage 存放失败时的错误分类信息（已脱敏）。
	ErrorMessage string `gorm:"type:text"`
	// StartedAt/FinishedAt 表示动作起止时间。
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time `gorm:"index"`
	// CreatedAt 为记录写入数据库的时间，默认自动填充。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
}

// TurnMetric 为一轮对话的观测数据（耗时、裁决、置信度、失败分类）。
//
// 该表只做事后检查用，写入走缓冲批量通道，绝不阻塞决策路径。
type TurnMetric struct {
	ID             uint64 `gorm:"primaryKey"`
	TraceID        string `gorm:"size:64;index"`
	OrgID          string `gorm:"size:64;not null;index"`
	ConversationID string `gorm:"size:128;not null;index"`
	// ToolName 为本轮提议/执行的工具名（无提议时为空）。
	ToolName string `gorm:"size:128;index"`
	// Verdict 为 Guardian 裁决；StateType 为本轮结束时的会话状态。
	Verdict   string `gorm:"size:32;index"`
	StateType string `gorm:"size:32"`
	// IntentScore/ParamScore/SafetyScore 为理解模块给出的三个维度置信度（0~1）。
	IntentScore float64 `gorm:"not null"`
	ParamScore  float64 `gorm:"not null"`
	SafetyScore float64 `gorm:"not null"`
	// DurationMS 为整轮处理耗时（毫秒）。
	DurationMS int64 `gorm:"not null"`
	// FailureClass 为失败分类（provider_error/malformed_output/state_conflict/...），成功为空。
	FailureClass string `gorm:"size:64;index"`
	// CreatedAt 为写入数据库时间，默认自动填充。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
}

// ChatMessage 为会话消息流水，Context Builder 据此取"最近 N 条"。
type ChatMessage struct {
	ID             uint64 `gorm:"primaryKey"`
	OrgID          string `gorm:"size:64;not null;index:idx_chat_messages_conv,priority:1"`
	ConversationID string `gorm:"size:128;not null;index:idx_chat_messages_conv,priority:2"`
	// MessageID 为消息平台侧的消息 ID，入站消息去重用；助手回复为空。
	MessageID string `gorm:"size:128;index"`
	// SenderID 为发送者；助手回复时为固定值 "assistant"。
	SenderID string `gorm:"size:128;not null"`
	// Role 为 user/assistant。
	Role    string `gorm:"size:16;not null"`
	Content string `gorm:"type:text;not null"`
	// CreatedAt 同时作为消息到达顺序的依据。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index:idx_chat_messages_conv,priority:3"`
}

// HistorySummary 为一个会话"较旧历史"的文本摘要。
//
// 超出上下文预算的旧消息折叠进摘要；摘要本身超预算时整体重新生成，不做无限追加。
type HistorySummary struct {
	ID             uint64 `gorm:"primaryKey"`
	OrgID          string `gorm:"size:64;not null;uniqueIndex:idx_history_summaries_key,priority:1"`
	ConversationID string `gorm:"size:128;not null;uniqueIndex:idx_history_summaries_key,priority:2"`
	Summary        string `gorm:"type:text;not null"`
	// CoveredUntil 表示摘要覆盖到的最后一条消息时间。
	CoveredUntil time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

// Person 为组织内已知人员记录（上下文数据源之一）。
//
// Source/ObservedAt 供 Truth Resolver 做来源优先级与新鲜度裁决。
type Person struct {
	ID          uint64 `gorm:"primaryKey"`
	OrgID       string `gorm:"size:64;not null;uniqueIndex:idx_persons_key,priority:1"`
	PersonID    string `gorm:"size:128;not null;uniqueIndex:idx_persons_key,priority:2"`
	DisplayName string `gorm:"size:255;not null"`
	Role        string `gorm:"size:64"`
	// PermissionsJSON 为权限列表（JSON 数组）。
	PermissionsJSON string    `gorm:"type:text"`
	Source          string    `gorm:"size:32;not null"`
	ObservedAt      time.Time `gorm:"not null;index"`
}

// Task 为已知任务记录（上下文数据源之一）。
type Task struct {
	ID         uint64 `gorm:"primaryKey"`
	OrgID      string `gorm:"size:64;not null;index"`
	TaskID     string `gorm:"size:128;not null;index"`
	Title      string `gorm:"size:512;not null"`
	AssigneeID string `gorm:"size:128;index"`
	Status     string `gorm:"size:32;not null;index"`
	DueAt      *time.Time
	Source     string    `gorm:"size:32;not null"`
	ObservedAt time.Time `gorm:"not null;index"`
}

// Goal 为已知目标记录（上下文数据源之一）。
type Goal struct {
	ID         uint64    `gorm:"primaryKey"`
	OrgID      string    `gorm:"size:64;not null;index"`
	GoalID     string    `gorm:"size:128;not null;index"`
	OwnerID    string    `gorm:"size:128;index"`
	Title      string    `gorm:"size:512;not null"`
	Status     string    `gorm:"size:32;not null;index"`
	Source     string    `gorm:"size:32;not null"`
	ObservedAt time.Time `gorm:"not null;index"`
}

// KnowledgeSnippet 为知识片段（上下文数据源之一，带来源与相关度得分）。
type KnowledgeSnippet struct {
	ID         uint64    `gorm:"primaryKey"`
	OrgID      string    `gorm:"size:64;not null;index"`
	Content    string    `gorm:"type:text;not null"`
	Source     string    `gorm:"size:64;not null"`
	Score      float64   `gorm:"not null"`
	ObservedAt time.Time `gorm:"not null;index"`
}

// Teaching 为组织级覆盖规则（"教导"）。
//
// Guardian 用它放宽/收紧危险分类与数量阈值；Context Builder 把它作为权威指导注入提示词。
type Teaching struct {
	ID    uint64 `gorm:"primaryKey"`
	OrgID string `gorm:"size:64;not null;index"`
	// RuleName 为稳定的规则名，出现在 GuardianResult 触发列表中。
	RuleName string `gorm:"size:128;not null"`
	// Kind 为 tighten/loosen；ToolPattern 为作用的工具名（空表示全部工具）。
	Kind        string `gorm:"size:16;not null"`
	ToolPattern string `gorm:"size:128"`
	// MagnitudeThreshold 覆盖数量/收件人阈值（<=0 表示不覆盖）。
	MagnitudeThreshold int `gorm:"not null;default:0"`
	// Content 为注入提示词的指导原文。
	Content    string    `gorm:"type:text;not null"`
	Source     string    `gorm:"size:32;not null"`
	ObservedAt time.Time `gorm:"not null;index"`
}

// Preference 为用户偏好键值（上下文数据源之一）。
type Preference struct {
	ID         uint64    `gorm:"primaryKey"`
	OrgID      string    `gorm:"size:64;not null;uniqueIndex:idx_preferences_key,priority:1"`
	UserID     string    `gorm:"size:128;not null;uniqueIndex:idx_preferences_key,priority:2"`
	Key        string    `gorm:"size:128;not null;uniqueIndex:idx_preferences_key,priority:3"`
	Value      string    `gorm:"type:text;not null"`
	Source     string    `gorm:"size:32;not null"`
	ObservedAt time.Time `gorm:"not null;index"`
}
