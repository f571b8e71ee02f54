// Package turnctx 为每一轮对话组装一次性的"上下文包"（ContextBundle）：
// 最近消息、旧历史摘要、用户偏好、相关人员/任务/目标、知识片段与组织教导。
// 包本身不持久化；其组成部分由各自的表各自持久化。
package turnctx

import "time"

// Message 为上下文中的一条会话消息。
type Message struct {
	SenderID  string
	Role      string
	Content   string
	CreatedAt time.Time
}

// PersonRecord 为上下文中的人员信息。
type PersonRecord struct {
	ID          string
	DisplayName string
	Role        string
	Permissions []string
}

// TaskRecord 为上下文中的任务信息。
type TaskRecord struct {
	ID         string
	Title      string
	AssigneeID string
	Status     string
	DueAt      *time.Time
}

// GoalRecord 为上下文中的目标信息。
type GoalRecord struct {
	ID      string
	OwnerID string
	Title   string
	Status  string
}

// Snippet 为带来源与相关度得分的知识片段。
type Snippet struct {
	Content string
	Source  string
	Score   float64
}

// TeachingRecord 为组织教导（权威指导，覆盖默认行为）。
type TeachingRecord struct {
	RuleName           string
	Kind               string
	ToolPattern        string
	MagnitudeThreshold int
	Content            string
}

// Bundle 为一轮对话的不可变上下文快照。每轮构建一次，轮次结束即丢弃。
type Bundle struct {
	OrgID          string
	ConversationID string

	// Sender 为发送者身份。该字段缺失对整轮是致命的。
	Sender PersonRecord

	// RecentMessages 为按时间正序的最近消息（受条数与字符预算约束）。
	RecentMessages []Message
	// HistorySummary 为超出预算的旧历史文本摘要（可为空）。
	HistorySummary string

	// 以下均为可选组成部分：来源获取失败时退化为空，不中断整轮。
	Preferences map[string]string
	Persons     []PersonRecord
	Tasks       []TaskRecord
	Goals       []GoalRecord
	Snippets    []Snippet
	Teachings   []TeachingRecord
}
