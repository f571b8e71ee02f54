package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 本文件为 Context Builder 的数据源读取与各工具的落库操作。
// 所有数据源行均带 Source/ObservedAt，供 Truth Resolver 做来源与新鲜度裁决。

func (s *Storage) InsertChatMessage(ctx context.Context, msg *ChatMessage) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// FindChatMessageByMessageID 按平台消息 ID 查找入站消息，不存在返回 (nil, nil)。
func (s *Storage) FindChatMessageByMessageID(ctx context.Context, orgID, conversationID, messageID string) (*ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	if messageID == "" {
		return nil, nil
	}

	var msg ChatMessage
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND conversation_id = ? AND message_id = ?", orgID, conversationID, messageID).
		Order("id ASC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find chat message by message id: %w", err)
	}
	return &msg, nil
}

// FirstAssistantReplyAfter 返回某条消息之后的第一条助手回复，不存在返回 (nil, nil)。
// 重放去重时用它还原上一次的回复文本。
func (s *Storage) FirstAssistantReplyAfter(ctx context.Context, orgID, conversationID string, afterID uint64) (*ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var msg ChatMessage
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND conversation_id = ? AND id > ? AND role = ?", orgID, conversationID, afterID, "assistant").
		Order("id ASC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first assistant reply after: %w", err)
	}
	return &msg, nil
}

// QueryRecentChatMessages 返回某会话最近的 limit 条消息，按时间正序排列。
func (s *Storage) QueryRecentChatMessages(ctx context.Context, orgID, conversationID string, limit int) ([]ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit = normalizeLimit(limit)
	var out []ChatMessage
	err := s.db.WithContext(ctx).Model(&ChatMessage{}).
		Where("org_id = ? AND conversation_id = ?", orgID, conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query recent chat messages: %w", err)
	}

	// 倒序查询取最新 N 条，再反转为时间正序
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// QueryChatMessagesBefore 返回某时刻之前的消息（摘要重生成用），按时间正序排列。
func (s *Storage) QueryChatMessagesBefore(ctx context.Context, orgID, conversationID string, before time.Time, limit int) ([]ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit = normalizeLimit(limit)
	var out []ChatMessage
	err := s.db.WithContext(ctx).Model(&ChatMessage{}).
		Where("org_id = ? AND conversation_id = ? AND created_at < ?", orgID, conversationID, before).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query chat messages before: %w", err)
	}
	return out, nil
}

func (s *Storage) GetHistorySummary(ctx context.Context, orgID, conversationID string) (*HistorySummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var sum HistorySummary
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND conversation_id = ?", orgID, conversationID).
		First(&sum).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get history summary: %w", err)
	}
	return &sum, nil
}

func (s *Storage) UpsertHistorySummary(ctx context.Context, sum *HistorySummary) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if sum == nil {
		return errors.New("summary is nil")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary", "covered_until", "updated_at"}),
	}).Create(sum).Error
	if err != nil {
		return fmt.Errorf("upsert history summary: %w", err)
	}
	return nil
}

// GetPerson 按 (org, person) 读取人员记录；不存在时返回 (nil, nil)。
// 发送者身份/权限读取失败对整轮是致命的，该区分由 Context Builder 负责。
func (s *Storage) GetPerson(ctx context.Context, orgID, personID string) (*Person, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var p Person
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND person_id = ?", orgID, personID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get person: %w", err)
	}
	return &p, nil
}

func (s *Storage) UpsertPerson(ctx context.Context, p *Person) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if p == nil {
		return errors.New("person is nil")
	}
	if p.ObservedAt.IsZero() {
		p.ObservedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "person_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "role", "permissions_json", "source", "observed_at"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("upsert person: %w", err)
	}
	return nil
}

type TaskQuery struct {
	// OrgID 必填；AssigneeID/Status 为可选过滤条件。
	OrgID      string
	AssigneeID string
	Status     string
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
}

func (s *Storage) InsertTask(ctx context.Context, task *Task) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if task == nil {
		return errors.New("task is nil")
	}
	if task.ObservedAt.IsZero() {
		task.ObservedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Storage) QueryTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	if q.OrgID == "" {
		return nil, errors.New("org id is required")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&Task{}).Where("org_id = ?", q.OrgID)
	if q.AssigneeID != "" {
		db = db.Where("assignee_id = ?", q.AssigneeID)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}

	var out []Task
	if err := db.Order("observed_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return out, nil
}

func (s *Storage) UpdateTaskStatus(ctx context.Context, orgID, taskID, status string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("org_id = ? AND task_id = ?", orgID, taskID).
		Updates(map[string]interface{}{"status": status, "observed_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("update task status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

type GoalQuery struct {
	// OrgID 必填；OwnerID/Status 为可选过滤条件。
	OrgID   string
	OwnerID string
	Status  string
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
}

func (s *Storage) InsertGoal(ctx context.Context, goal *Goal) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if goal == nil {
		return errors.New("goal is nil")
	}
	if goal.ObservedAt.IsZero() {
		goal.ObservedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(goal).Error; err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (s *Storage) QueryGoals(ctx context.Context, q GoalQuery) ([]Goal, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	if q.OrgID == "" {
		return nil, errors.New("org id is required")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&Goal{}).Where("org_id = ?", q.OrgID)
	if q.OwnerID != "" {
		db = db.Where("owner_id = ?", q.OwnerID)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}

	var out []Goal
	if err := db.Order("observed_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	return out, nil
}

// DeleteGoalsByOwner 删除某用户的全部目标，返回删除条数（bulk delete 工具用）。
func (s *Storage) DeleteGoalsByOwner(ctx context.Context, orgID, ownerID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	if orgID == "" || ownerID == "" {
		return 0, errors.New("org id and owner id are required")
	}

	res := s.db.WithContext(ctx).
		Where("org_id = ? AND owner_id = ?", orgID, ownerID).
		Delete(&Goal{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete goals: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteGoalByID 删除单个目标，返回删除条数（0 表示不存在）。
func (s *Storage) DeleteGoalByID(ctx context.Context, orgID, goalID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	if orgID == "" || goalID == "" {
		return 0, errors.New("org id and goal id are required")
	}

	res := s.db.WithContext(ctx).
		Where("org_id = ? AND goal_id = ?", orgID, goalID).
		Delete(&Goal{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete goal: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) InsertKnowledgeSnippet(ctx context.Context, snip *KnowledgeSnippet) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if snip == nil {
		return errors.New("snippet is nil")
	}
	if snip.ObservedAt.IsZero() {
		snip.ObservedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(snip).Error; err != nil {
		return fmt.Errorf("insert knowledge snippet: %w", err)
	}
	return nil
}

// QueryKnowledgeSnippets 按相关度得分倒序返回知识片段。
func (s *Storage) QueryKnowledgeSnippets(ctx context.Context, orgID string, limit int) ([]KnowledgeSnippet, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit = normalizeLimit(limit)
	var out []KnowledgeSnippet
	err := s.db.WithContext(ctx).Model(&KnowledgeSnippet{}).
		Where("org_id = ?", orgID).
		Order("score DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query knowledge snippets: %w", err)
	}
	return out, nil
}

func (s *Storage) InsertTeaching(ctx context.Context, teaching *Teaching) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if teaching == nil {
		return errors.New("teaching is nil")
	}
	if teaching.ObservedAt.IsZero() {
		teaching.ObservedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(teaching).Error; err != nil {
		return fmt.Errorf("insert teaching: %w", err)
	}
	return nil
}

func (s *Storage) QueryTeachings(ctx context.Context, orgID string) ([]Teaching, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var out []Teaching
	err := s.db.WithContext(ctx).Model(&Teaching{}).
		Where("org_id = ?", orgID).
		Order("observed_at DESC").
		Limit(maxLimit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query teachings: %w", err)
	}
	return out, nil
}

func (s *Storage) UpsertPreference(ctx context.Context, pref *Preference) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if pref == nil {
		return errors.New("preference is nil")
	}
	if pref.ObservedAt.IsZero() {
		pref.ObservedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "user_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "source", "observed_at"}),
	}).Create(pref).Error
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func (s *Storage) QueryPreferences(ctx context.Context, orgID, userID string) ([]Preference, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var out []Preference
	err := s.db.WithContext(ctx).Model(&Preference{}).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Order("key ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return out, nil
}
