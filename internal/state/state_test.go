package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/DeskAgent/internal/storage"
)

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "deskagent.db")
	s, err := storage.Open(ctx, storage.Config{Path: dbPath, EnableWAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testManager(t *testing.T, ttl time.Duration) (*Manager, *storage.Storage) {
	t.Helper()

	store := openTestStorage(t)
	m, err := NewManager(store, Config{TTL: ttl})
	require.NoError(t, err)
	return m, store
}

func testKey() storage.StateKey {
	return storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"}
}

func TestManagerSaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, 30*time.Minute)

	st := NewConfirmation(testKey(), PendingAction{
		Tool:   "delete_goals",
		Params: map[string]interface{}{"owner_id": "u-alice"},
	})
	require.NoError(t, m.Save(ctx, st))

	loaded, err := m.Load(ctx, testKey())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, TypeConfirmation, loaded.Type)
	require.NotNil(t, loaded.Pending)
	assert.Equal(t, "delete_goals", loaded.Pending.Tool)
	assert.Equal(t, "u-alice", loaded.Pending.Params["owner_id"])
	assert.True(t, loaded.ExpiresAt.After(loaded.CreatedAt))
}

func TestManagerLoadMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, 30*time.Minute)

	loaded, err := m.Load(ctx, testKey())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestManagerExpiredStateIsGone(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, 10*time.Minute)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	now := base
	m.WithClock(func() time.Time { return now })

	st := NewConfirmation(testKey(), PendingAction{Tool: "delete_goals"})
	require.NoError(t, m.Save(ctx, st))

	// TTL 内可见
	loaded, err := m.Load(ctx, testKey())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	// 过了 TTL 之后按不存在处理
	now = base.Add(11 * time.Minute)
	loaded, err = m.Load(ctx, testKey())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestManagerSaveReplacesWholeState(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, 30*time.Minute)

	st := NewConfirmation(testKey(), PendingAction{Tool: "delete_goals"})
	require.NoError(t, m.Save(ctx, st))

	loaded, err := m.Load(ctx, testKey())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	listState, err := NewListContext(testKey(), ListPayload{Items: []ListItem{
		{Label: "週次レポート", Tool: "generate_report"},
	}})
	require.NoError(t, err)
	listState.row = loaded.row
	require.NoError(t, m.Save(ctx, listState))

	loaded, err = m.Load(ctx, testKey())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, TypeListContext, loaded.Type)
	assert.Nil(t, loaded.Pending)

	payload, err := loaded.DecodeListPayload()
	require.NoError(t, err)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "generate_report", payload.Items[0].Tool)
}

func TestManagerSaveConflictOnStaleHandle(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, 30*time.Minute)

	require.NoError(t, m.Save(ctx, NewConfirmation(testKey(), PendingAction{Tool: "delete_goals"})))

	// 両方が同じ行を読み、片方が先に書く
	first, err := m.Load(ctx, testKey())
	require.NoError(t, err)
	second, err := m.Load(ctx, testKey())
	require.NoError(t, err)

	first.Pending = &PendingAction{Tool: "post_message"}
	require.NoError(t, m.Save(ctx, first))

	second.Pending = &PendingAction{Tool: "set_goal"}
	err = m.Save(ctx, second)
	require.ErrorIs(t, err, ErrConflict)

	// 勝った方の書き込みが残る
	loaded, err := m.Load(ctx, testKey())
	require.NoError(t, err)
	require.NotNil(t, loaded.Pending)
	assert.Equal(t, "post_message", loaded.Pending.Tool)
}

func TestManagerCreateConflictOnRace(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, 30*time.Minute)

	require.NoError(t, m.Save(ctx, NewConfirmation(testKey(), PendingAction{Tool: "delete_goals"})))

	// 同じ鍵への新規作成はユニーク制約で負ける
	err := m.Save(ctx, NewConfirmation(testKey(), PendingAction{Tool: "post_message"}))
	require.ErrorIs(t, err, ErrConflict)
}

func TestManagerClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, 30*time.Minute)

	require.NoError(t, m.Save(ctx, NewConfirmation(testKey(), PendingAction{Tool: "delete_goals"})))
	require.NoError(t, m.Clear(ctx, testKey()))
	require.NoError(t, m.Clear(ctx, testKey()))

	loaded, err := m.Load(ctx, testKey())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestManagerRejectsInvalidType(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, 30*time.Minute)

	st := &State{Key: testKey(), Type: Type("bogus")}
	err := m.Save(ctx, st)
	require.Error(t, err)
}

func TestMatchConfirmation(t *testing.T) {
	tests := []struct {
		reply string
		want  ConfirmationVerdict
	}{
		{"はい", VerdictAffirm},
		{"はい。", VerdictAffirm},
		{"お願いします", VerdictAffirm},
		{"OK", VerdictAffirm},
		{"  yes  ", VerdictAffirm},
		{"実行してください", VerdictAffirm},
		{"いいえ", VerdictDecline},
		{"キャンセル", VerdictDecline},
		{"やめて！", VerdictDecline},
		{"cancel", VerdictDecline},
		{"", VerdictUnrelated},
		{"明日の天気は？", VerdictUnrelated},
		{"はい、でも来週にして", VerdictUnrelated},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchConfirmation(tt.reply))
		})
	}
}

func TestResolveListReference(t *testing.T) {
	payload := ListPayload{Items: []ListItem{
		{Label: "日次レポート", Tool: "generate_report", Params: map[string]interface{}{"kind": "daily"}},
		{Label: "週次レポート", Tool: "generate_report", Params: map[string]interface{}{"kind": "weekly"}},
		{Label: "月次レポート", Tool: "generate_report", Params: map[string]interface{}{"kind": "monthly"}},
	}}

	tests := []struct {
		reply    string
		wantKind string
		wantOK   bool
	}{
		{"1つ目", "daily", true},
		{"2番目", "weekly", true},
		{"２番目", "weekly", true},
		{"三番目", "monthly", true},
		{"3", "monthly", true},
		{"最後", "monthly", true},
		{"最初", "daily", true},
		{"4番目", "", false},
		{"0番目", "", false},
		{"それ", "", false},
		{"やっぱりいい", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			action, ok := ResolveListReference(tt.reply, payload)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, "generate_report", action.Tool)
				assert.Equal(t, tt.wantKind, action.Params["kind"])
			}
		})
	}
}

func TestResolveListReferenceDemonstrativeSingleItem(t *testing.T) {
	payload := ListPayload{Items: []ListItem{
		{Label: "週次レポート", Tool: "generate_report", Params: map[string]interface{}{"kind": "weekly"}},
	}}

	action, ok := ResolveListReference("それ", payload)
	require.True(t, ok)
	assert.Equal(t, "generate_report", action.Tool)

	_, ok = ResolveListReference("それ", ListPayload{})
	assert.False(t, ok)
}
