package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrStateConflict 表示会话状态保存时发生并发冲突（版本号不匹配或唯一键已被抢占）。
// 调用方应重读当前状态后重新决策，而不是覆盖写入。
var ErrStateConflict = errors.New("conversation state conflict")

// StateKey 为会话状态的逻辑主键。ThreadID 可为空串。
type StateKey struct {
	OrgID          string
	ConversationID string
	ThreadID       string
}

func (k StateKey) validate() error {
	if k.OrgID == "" {
		return errors.New("org id is required")
	}
	if k.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	return nil
}

// GetConversationState 读取一个键的当前状态；不存在时返回 (nil, nil)。
// 过期判定由上层 State Manager 负责（这里只做纯读取）。
func (s *Storage) GetConversationState(ctx context.Context, key StateKey) (*ConversationState, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	if err := key.validate(); err != nil {
		return nil, err
	}

	var st ConversationState
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND conversation_id = ? AND thread_id = ?", key.OrgID, key.ConversationID, key.ThreadID).
		First(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation state: %w", err)
	}
	return &st, nil
}

// SaveConversationState 以"整行替换"语义保存状态。
//
//   - st.ID == 0：视为新建。唯一键已被其他调用抢占时返回 ErrStateConflict。
//   - st.ID != 0：按 (id, version) 做乐观锁更新，成功后 st.Version 自增；
//     版本不匹配（期间已被他人改写或删除）返回 ErrStateConflict。
func (s *Storage) SaveConversationState(ctx context.Context, st *ConversationState) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if st == nil {
		return errors.New("state is nil")
	}
	if err := (StateKey{OrgID: st.OrgID, ConversationID: st.ConversationID, ThreadID: st.ThreadID}).validate(); err != nil {
		return err
	}
	if st.ExpiresAt.IsZero() {
		return errors.New("expires_at is required")
	}

	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}

	if st.ID == 0 {
		st.Version = 1
		if err := s.db.WithContext(ctx).Create(st).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrStateConflict
			}
			return fmt.Errorf("create conversation state: %w", err)
		}
		return nil
	}

	res := s.db.WithContext(ctx).Model(&ConversationState{}).
		Where("id = ? AND version = ?", st.ID, st.Version).
		Updates(map[string]interface{}{
			"state_type":          st.StateType,
			"pending_tool":        st.PendingTool,
			"pending_params_json": st.PendingParamsJSON,
			"payload_json":        st.PayloadJSON,
			"created_at":          st.CreatedAt,
			"expires_at":          st.ExpiresAt,
			"version":             st.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update conversation state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStateConflict
	}
	st.Version++
	return nil
}

// DeleteConversationState 删除一个键的状态；键不存在时视为成功（幂等）。
func (s *Storage) DeleteConversationState(ctx context.Context, key StateKey) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if err := key.validate(); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Where("org_id = ? AND conversation_id = ? AND thread_id = ?", key.OrgID, key.ConversationID, key.ThreadID).
		Delete(&ConversationState{})
	if res.Error != nil {
		return fmt.Errorf("delete conversation state: %w", res.Error)
	}
	return nil
}

// DeleteExpiredConversationStates 物理清理过期状态，供周期 Sweeper 调用。
func (s *Storage) DeleteExpiredConversationStates(ctx context.Context, now time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	db := s.db.WithContext(ctx).Model(&ConversationState{}).
		Select("id").
		Where("expires_at <= ?", now).
		Order("id ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select expired state ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&ConversationState{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired states: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite 未实现 gorm 的错误翻译，这里兜底匹配 SQLite 的约束错误文本。
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
