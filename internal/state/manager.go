package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wwwzy/DeskAgent/internal/storage"
)

// ErrConflict 表示保存时输掉了并发竞争（键已被其他调用改写）。
// 调用方应 Load 最新状态并重启本轮决策，而不是重试写入同一份旧状态。
var ErrConflict = storage.ErrStateConflict

type Config struct {
	// TTL 为状态存活时长；超龄状态按不存在处理并被周期清扫删除。
	TTL time.Duration `mapstructure:"ttl"`
}

func DefaultConfig() Config {
	return Config{TTL: 30 * time.Minute}
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultConfig().TTL
	}
	return c
}

type Manager struct {
	cfg   Config
	store *storage.Storage

	now func() time.Time
}

func NewManager(store *storage.Storage, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &Manager{cfg: cfg.withDefaults(), store: store, now: time.Now}, nil
}

// WithClock 注入时钟，测试用。
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if m == nil {
		return nil
	}
	if now != nil {
		m.now = now
	}
	return m
}

// TTL 返回配置的状态存活时长。
func (m *Manager) TTL() time.Duration {
	if m == nil {
		return 0
	}
	return m.cfg.TTL
}

// Load 读取一个键的当前状态。不存在或已过期返回 (nil, nil)；
// 过期行顺手物理删除（删除失败不影响本轮——周期清扫兜底）。
func (m *Manager) Load(ctx context.Context, key storage.StateKey) (*State, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("state manager not initialized")
	}

	row, err := m.store.GetConversationState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	if !row.ExpiresAt.After(m.now().UTC()) {
		_ = m.store.DeleteConversationState(ctx, key)
		return nil, nil
	}

	st := &State{
		Key:       key,
		Type:      Type(row.StateType),
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
		row:       row,
	}
	if !st.Type.Valid() {
		// 持久层出现枚举之外的值属于数据损坏；当作不存在并清掉。
		_ = m.store.DeleteConversationState(ctx, key)
		return nil, nil
	}

	if row.PendingTool != "" {
		pending := &PendingAction{Tool: row.PendingTool, Params: map[string]interface{}{}}
		if row.PendingParamsJSON != "" {
			if err := json.Unmarshal([]byte(row.PendingParamsJSON), &pending.Params); err != nil {
				return nil, fmt.Errorf("decode pending params: %w", err)
			}
		}
		st.Pending = pending
	}
	if row.PayloadJSON != "" {
		st.Payload = json.RawMessage(row.PayloadJSON)
	}

	return st, nil
}

// Save 以"整体替换"语义保存状态，并续上 TTL。
//
// st 来自 Load 时按其乐观锁版本做 CAS 更新；全新状态走新建路径。
// 两条路径上发生的并发竞争均以 ErrConflict 返回。
func (m *Manager) Save(ctx context.Context, st *State) error {
	if m == nil || m.store == nil {
		return errors.New("state manager not initialized")
	}
	if st == nil {
		return errors.New("state is nil")
	}
	if !st.Type.Valid() {
		return fmt.Errorf("invalid state type: %s", st.Type)
	}

	now := m.now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.ExpiresAt = now.Add(m.cfg.TTL)

	row := st.row
	if row == nil {
		row = &storage.ConversationState{
			OrgID:          st.Key.OrgID,
			ConversationID: st.Key.ConversationID,
			ThreadID:       st.Key.ThreadID,
		}
	}

	row.StateType = string(st.Type)
	row.PendingTool = ""
	row.PendingParamsJSON = ""
	if st.Pending != nil {
		row.PendingTool = st.Pending.Tool
		if len(st.Pending.Params) > 0 {
			data, err := json.Marshal(st.Pending.Params)
			if err != nil {
				return fmt.Errorf("encode pending params: %w", err)
			}
			row.PendingParamsJSON = string(data)
		}
	}
	row.PayloadJSON = string(st.Payload)
	row.CreatedAt = st.CreatedAt
	row.ExpiresAt = st.ExpiresAt

	if err := m.store.SaveConversationState(ctx, row); err != nil {
		return err
	}
	st.row = row
	return nil
}

// Clear 删除一个键的状态（幂等）。
func (m *Manager) Clear(ctx context.Context, key storage.StateKey) error {
	if m == nil || m.store == nil {
		return errors.New("state manager not initialized")
	}
	return m.store.DeleteConversationState(ctx, key)
}

// NewConfirmation 构建一个"等待用户确认"的新状态。
func NewConfirmation(key storage.StateKey, pending PendingAction) *State {
	return &State{Key: key, Type: TypeConfirmation, Pending: &pending}
}

// NewListContext 构建一个携带可枚举列表的新状态。
func NewListContext(key storage.StateKey, payload ListPayload) (*State, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode list payload: %w", err)
	}
	return &State{Key: key, Type: TypeListContext, Payload: data}, nil
}

// DecodeListPayload 解出 list_context 状态的列表载荷。
func (s *State) DecodeListPayload() (ListPayload, error) {
	var payload ListPayload
	if s == nil || len(s.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode list payload: %w", err)
	}
	return payload, nil
}
