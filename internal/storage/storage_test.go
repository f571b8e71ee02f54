package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorm.io/gorm/logger"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "deskagent.db")
	s, err := Open(ctx, Config{
		Path:      dbPath,
		EnableWAL: true,
		Logger:    logger.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenInMemory(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(ctx))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestConversationStateOptimisticLock(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	expires := time.Now().UTC().Add(30 * time.Minute)
	st := &ConversationState{
		OrgID:          "org-1",
		ConversationID: "conv-1",
		StateType:      "confirmation",
		PendingTool:    "delete_goals",
		ExpiresAt:      expires,
	}
	require.NoError(t, s.SaveConversationState(ctx, st))
	assert.Equal(t, uint64(1), st.Version)

	// 两个调用方各自读到 version=1
	a, err := s.GetConversationState(ctx, StateKey{OrgID: "org-1", ConversationID: "conv-1"})
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := s.GetConversationState(ctx, StateKey{OrgID: "org-1", ConversationID: "conv-1"})
	require.NoError(t, err)
	require.NotNil(t, b)

	a.StateType = "list_context"
	require.NoError(t, s.SaveConversationState(ctx, a))
	assert.Equal(t, uint64(2), a.Version)

	b.StateType = "task_pending"
	err = s.SaveConversationState(ctx, b)
	require.ErrorIs(t, err, ErrStateConflict)

	got, err := s.GetConversationState(ctx, StateKey{OrgID: "org-1", ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, "list_context", got.StateType)
	assert.Equal(t, uint64(2), got.Version)
}

func TestConversationStateUniqueKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	expires := time.Now().UTC().Add(30 * time.Minute)
	first := &ConversationState{OrgID: "org-1", ConversationID: "conv-1", StateType: "normal", ExpiresAt: expires}
	require.NoError(t, s.SaveConversationState(ctx, first))

	// 同键再建一行视为并发冲突
	dup := &ConversationState{OrgID: "org-1", ConversationID: "conv-1", StateType: "confirmation", ExpiresAt: expires}
	err := s.SaveConversationState(ctx, dup)
	require.ErrorIs(t, err, ErrStateConflict)

	// ThreadID 不同则为另一个键
	threaded := &ConversationState{OrgID: "org-1", ConversationID: "conv-1", ThreadID: "th-1", StateType: "confirmation", ExpiresAt: expires}
	require.NoError(t, s.SaveConversationState(ctx, threaded))
}

func TestDeleteExpiredConversationStates(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	now := time.Now().UTC()
	expired := &ConversationState{OrgID: "org-1", ConversationID: "conv-old", StateType: "confirmation", ExpiresAt: now.Add(-time.Minute)}
	require.NoError(t, s.SaveConversationState(ctx, expired))
	alive := &ConversationState{OrgID: "org-1", ConversationID: "conv-new", StateType: "confirmation", ExpiresAt: now.Add(30 * time.Minute)}
	require.NoError(t, s.SaveConversationState(ctx, alive))

	deleted, err := s.DeleteExpiredConversationStates(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := s.GetConversationState(ctx, StateKey{OrgID: "org-1", ConversationID: "conv-new"})
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestAuditRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	rec := &AuditRecord{
		TraceID:    "trace-1",
		OrgID:      "org-1",
		Actor:      "u-alice",
		Action:     "delete_goals",
		ParamsJSON: `{"owner_id":"u-alice"}`,
		Verdict:    "needs_confirmation",
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.InsertAuditRecord(ctx, rec))
	require.NotZero(t, rec.ID)

	status := "success"
	result := `{"deleted":3}`
	finished := time.Now().UTC()
	require.NoError(t, s.UpdateAuditRecord(ctx, rec.ID, AuditUpdate{
		Status:     &status,
		ResultJSON: &result,
		FinishedAt: &finished,
	}))

	rows, err := s.QueryAuditRecords(ctx, AuditQuery{TraceID: "trace-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "success", rows[0].Status)
	assert.Equal(t, result, rows[0].ResultJSON)
	assert.Equal(t, "delete_goals", rows[0].Action)
	assert.False(t, rows[0].FinishedAt.IsZero())
}

func TestUpdateAuditRecordNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	status := "failed"
	err := s.UpdateAuditRecord(ctx, 9999, AuditUpdate{Status: &status})
	require.Error(t, err)
}

func TestQueryAuditRecordsFilters(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, action := range []string{"create_task", "delete_goals", "create_task"} {
		require.NoError(t, s.InsertAuditRecord(ctx, &AuditRecord{
			OrgID:     "org-1",
			Actor:     "u-alice",
			Action:    action,
			Verdict:   "auto_approve",
			Status:    "success",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	rows, err := s.QueryAuditRecords(ctx, AuditQuery{OrgID: "org-1", Action: "create_task", Desc: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].CreatedAt.After(rows[1].CreatedAt))

	from := base.Add(30 * time.Minute)
	rows, err = s.QueryAuditRecords(ctx, AuditQuery{From: &from})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDeleteAuditRecordsKeepLatest(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertAuditRecord(ctx, &AuditRecord{
			OrgID:  "org-1",
			Actor:  "u-alice",
			Action: "create_task",
			Status: "success",
		}))
	}

	deleted, err := s.DeleteAuditRecordsKeepLatest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	count, err := s.CountAuditRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// 多於保留目標なら no-op
	deleted, err = s.DeleteAuditRecordsKeepLatest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestTurnMetricsBatchInsertAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	old := time.Now().UTC().AddDate(0, 0, -10)
	metrics := []TurnMetric{
		{OrgID: "org-1", ConversationID: "conv-1", ToolName: "list_tasks", Verdict: "auto_approve", DurationMS: 120, CreatedAt: old},
		{OrgID: "org-1", ConversationID: "conv-1", ToolName: "delete_goals", Verdict: "needs_confirmation", DurationMS: 340},
	}
	require.NoError(t, s.InsertTurnMetrics(ctx, metrics))

	rows, err := s.QueryTurnMetrics(ctx, MetricsQuery{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	deleted, err := s.DeleteTurnMetricsBeforeLimited(ctx, time.Now().UTC().AddDate(0, 0, -7), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := s.CountTurnMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestChatMessageDedupeQueries(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	inbound := &ChatMessage{
		OrgID:          "org-1",
		ConversationID: "conv-1",
		MessageID:      "msg-42",
		SenderID:       "u-alice",
		Role:           "user",
		Content:        "タスクを見せて",
	}
	require.NoError(t, s.InsertChatMessage(ctx, inbound))

	reply := &ChatMessage{
		OrgID:          "org-1",
		ConversationID: "conv-1",
		SenderID:       "assistant",
		Role:           "assistant",
		Content:        "タスクは3件です。",
	}
	require.NoError(t, s.InsertChatMessage(ctx, reply))

	found, err := s.FindChatMessageByMessageID(ctx, "org-1", "conv-1", "msg-42")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, inbound.ID, found.ID)

	// 空の MessageID は照合対象外
	found, err = s.FindChatMessageByMessageID(ctx, "org-1", "conv-1", "")
	require.NoError(t, err)
	assert.Nil(t, found)

	after, err := s.FirstAssistantReplyAfter(ctx, "org-1", "conv-1", inbound.ID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, "タスクは3件です。", after.Content)

	after, err = s.FirstAssistantReplyAfter(ctx, "org-1", "conv-1", reply.ID)
	require.NoError(t, err)
	assert.Nil(t, after)
}

func TestQueryRecentChatMessagesOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertChatMessage(ctx, &ChatMessage{
			OrgID:          "org-1",
			ConversationID: "conv-1",
			SenderID:       "u-alice",
			Role:           "user",
			Content:        string(rune('a' + i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// 最新 3 条，按时间正序返回
	msgs, err := s.QueryRecentChatMessages(ctx, "org-1", "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "c", msgs[0].Content)
	assert.Equal(t, "e", msgs[2].Content)
}

func TestUpsertPersonReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	require.NoError(t, s.UpsertPerson(ctx, &Person{
		OrgID:       "org-1",
		PersonID:    "u-alice",
		DisplayName: "Alice",
		Role:        "member",
		Source:      "primary",
	}))
	require.NoError(t, s.UpsertPerson(ctx, &Person{
		OrgID:       "org-1",
		PersonID:    "u-alice",
		DisplayName: "Alice Yamada",
		Role:        "manager",
		Source:      "primary",
	}))

	p, err := s.GetPerson(ctx, "org-1", "u-alice")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Alice Yamada", p.DisplayName)
	assert.Equal(t, "manager", p.Role)

	missing, err := s.GetPerson(ctx, "org-1", "u-nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeleteGoalsByOwner(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	require.NoError(t, s.InsertGoal(ctx, &Goal{OrgID: "org-1", GoalID: "g-1", OwnerID: "u-alice", Title: "Q1売上", Status: "active", Source: "primary"}))
	require.NoError(t, s.InsertGoal(ctx, &Goal{OrgID: "org-1", GoalID: "g-2", OwnerID: "u-alice", Title: "採用", Status: "active", Source: "primary"}))
	require.NoError(t, s.InsertGoal(ctx, &Goal{OrgID: "org-1", GoalID: "g-3", OwnerID: "u-bob", Title: "新機能", Status: "active", Source: "primary"}))

	deleted, err := s.DeleteGoalsByOwner(ctx, "org-1", "u-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	rest, err := s.QueryGoals(ctx, GoalQuery{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "u-bob", rest[0].OwnerID)
}

func TestUpsertHistorySummary(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertHistorySummary(ctx, &HistorySummary{
		OrgID:          "org-1",
		ConversationID: "conv-1",
		Summary:        "タスクの相談をした",
		CoveredUntil:   first,
	}))
	require.NoError(t, s.UpsertHistorySummary(ctx, &HistorySummary{
		OrgID:          "org-1",
		ConversationID: "conv-1",
		Summary:        "タスクと目標の相談をした",
		CoveredUntil:   first.Add(time.Hour),
	}))

	sum, err := s.GetHistorySummary(ctx, "org-1", "conv-1")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "タスクと目標の相談をした", sum.Summary)
	assert.WithinDuration(t, first.Add(time.Hour), sum.CoveredUntil, time.Second)
}
