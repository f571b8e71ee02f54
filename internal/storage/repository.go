package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

// AuditQuery 用于查询审计记录的过滤条件。
//
// 设计原则：
//   - 所有字段都是"可选过滤条件"，零值表示不参与过滤。
//   - 时间范围使用 CreatedAt（写入时间），用于"最近 N 次操作/某段时间内发生了什么"这类审计检索。
type AuditQuery struct {
	// TraceID 精确匹配链路 ID。
	TraceID string
	// OrgID 精确匹配组织。
	OrgID string
	// Action 精确匹配动作名（稳定的工具名）。
	Action string
	// Status 精确匹配执行状态（例如 running/success/failed/rejected）。
	Status string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回（优先返回最新记录）。
	Desc bool
}

func (s *Storage) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("audit record is nil")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Storage) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&AuditRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.OrgID != "" {
		db = db.Where("org_id = ?", q.OrgID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC")
	} else {
		db = db.Order("created_at ASC")
	}
	db = db.Limit(limit)

	var out []AuditRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

type AuditUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateAuditRecord(ctx context.Context, id uint64, up AuditUpdate) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.ResultJSON != nil {
		updates["result_json"] = *up.ResultJSON
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&AuditRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update audit record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundError{Entity: "audit record", ID: id}
	}
	return nil
}

func (s *Storage) DeleteAuditRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	db := s.db.WithContext(ctx).Model(&AuditRecord{}).
		Select("id").
		Where("created_at < ?", before).
		Order("id ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select audit record ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type MetricsQuery struct {
	// TraceID/OrgID/ConversationID 为可选精确匹配条件。
	TraceID        string
	OrgID          string
	ConversationID string
	// Verdict/FailureClass 为可选精确匹配条件。
	Verdict      string
	FailureClass string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回。
	Desc bool
}

func (s *Storage) InsertTurnMetrics(ctx context.Context, metrics []TurnMetric) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if len(metrics) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range metrics {
		if metrics[i].CreatedAt.IsZero() {
			metrics[i].CreatedAt = now
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(metrics, 200).Error; err != nil {
		return fmt.Errorf("insert turn metrics: %w", err)
	}
	return nil
}

func (s *Storage) QueryTurnMetrics(ctx context.Context, q MetricsQuery) ([]TurnMetric, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&TurnMetric{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.OrgID != "" {
		db = db.Where("org_id = ?", q.OrgID)
	}
	if q.ConversationID != "" {
		db = db.Where("conversation_id = ?", q.ConversationID)
	}
	if q.Verdict != "" {
		db = db.Where("verdict = ?", q.Verdict)
	}
	if q.FailureClass != "" {
		db = db.Where("failure_class = ?", q.FailureClass)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC")
	} else {
		db = db.Order("created_at ASC")
	}
	db = db.Limit(limit)

	var out []TurnMetric
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query turn metrics: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteTurnMetricsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	db := s.db.WithContext(ctx).Model(&TurnMetric{}).
		Select("id").
		Where("created_at < ?", before).
		Order("id ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select turn metric ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&TurnMetric{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete turn metrics: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	ID     uint64
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}

// CountAuditRecords 返回审计记录总数。
func (s *Storage) CountAuditRecords(ctx context.Context) (int64, error) {
	return s.countTable(ctx, &AuditRecord{})
}

// CountTurnMetrics 返回轮次指标总数。
func (s *Storage) CountTurnMetrics(ctx context.Context) (int64, error) {
	return s.countTable(ctx, &TurnMetric{})
}

// CountChatMessages 返回会话消息总数。
func (s *Storage) CountChatMessages(ctx context.Context) (int64, error) {
	return s.countTable(ctx, &ChatMessage{})
}

// CountConversationStates 返回会话状态总数（含已过期未清扫的）。
func (s *Storage) CountConversationStates(ctx context.Context) (int64, error) {
	return s.countTable(ctx, &ConversationState{})
}

func (s *Storage) countTable(ctx context.Context, model interface{}) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return count, nil
}

// DeleteAuditRecordsKeepLatest 只保留最新的 keep 条审计记录，返回删除行数。
func (s *Storage) DeleteAuditRecordsKeepLatest(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	if keep <= 0 {
		return 0, errors.New("keep must be positive")
	}

	var cutID uint64
	err := s.db.WithContext(ctx).Model(&AuditRecord{}).
		Select("id").
		Order("id DESC").
		Offset(keep - 1).
		Limit(1).
		Scan(&cutID).Error
	if err != nil {
		return 0, fmt.Errorf("find audit cut id: %w", err)
	}
	if cutID == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id < ?", cutID).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records keep latest: %w", res.Error)
	}
	return res.RowsAffected, nil
}
