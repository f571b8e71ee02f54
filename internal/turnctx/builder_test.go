package turnctx

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/DeskAgent/internal/storage"
	"github.com/wwwzy/DeskAgent/internal/truth"
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

func testBuilder(t *testing.T, cfg Config) (*Builder, *storage.Storage) {
	t.Helper()

	store := openTestStorage(t)
	b, err := NewBuilder(store, truth.NewResolver(truth.DefaultConfig()), cfg)
	require.NoError(t, err)
	return b, store
}

func seedSender(t *testing.T, store *storage.Storage) {
	t.Helper()
	require.NoError(t, store.UpsertPerson(context.Background(), &storage.Person{
		OrgID:           "org-1",
		PersonID:        "u-alice",
		DisplayName:     "Alice",
		Role:            "manager",
		PermissionsJSON: `["post_message","delete_goals"]`,
		Source:          "primary",
	}))
}

func TestBuildRequiresKnownSender(t *testing.T) {
	ctx := context.Background()
	b, _ := testBuilder(t, Config{})

	_, err := b.Build(ctx, "org-1", "conv-1", "u-ghost", "タスクを見せて")
	require.ErrorIs(t, err, ErrSenderLookup)
}

func TestBuildAssemblesSources(t *testing.T) {
	ctx := context.Background()
	b, store := testBuilder(t, Config{})
	seedSender(t, store)

	require.NoError(t, store.InsertChatMessage(ctx, &storage.ChatMessage{
		OrgID: "org-1", ConversationID: "conv-1", SenderID: "u-alice", Role: "user", Content: "タスクを見せて",
	}))
	require.NoError(t, store.InsertTask(ctx, &storage.Task{
		OrgID: "org-1", TaskID: "t-1", Title: "資料作成", AssigneeID: "u-alice", Status: "open", Source: "primary",
	}))
	require.NoError(t, store.InsertGoal(ctx, &storage.Goal{
		OrgID: "org-1", GoalID: "g-1", OwnerID: "u-alice", Title: "Q1売上", Status: "active", Source: "primary",
	}))
	require.NoError(t, store.InsertKnowledgeSnippet(ctx, &storage.KnowledgeSnippet{
		OrgID: "org-1", Content: "定例は月曜10時", Source: "wiki", Score: 0.8,
	}))
	require.NoError(t, store.InsertTeaching(ctx, &storage.Teaching{
		OrgID: "org-1", RuleName: "allow-bulk-report", Kind: "loosen", ToolPattern: "generate_report",
		Content: "レポート生成は確認不要", Source: "admin",
	}))

	bundle, err := b.Build(ctx, "org-1", "conv-1", "u-alice", "タスクを見せて")
	require.NoError(t, err)

	assert.Equal(t, "org-1", bundle.OrgID)
	assert.Equal(t, "u-alice", bundle.Sender.ID)
	assert.Equal(t, "manager", bundle.Sender.Role)
	assert.Contains(t, bundle.Sender.Permissions, "delete_goals")

	require.Len(t, bundle.RecentMessages, 1)
	assert.Equal(t, "タスクを見せて", bundle.RecentMessages[0].Content)

	require.Len(t, bundle.Tasks, 1)
	assert.Equal(t, "t-1", bundle.Tasks[0].ID)
	require.Len(t, bundle.Goals, 1)
	assert.Equal(t, "g-1", bundle.Goals[0].ID)
	require.Len(t, bundle.Snippets, 1)
	require.Len(t, bundle.Teachings, 1)
	assert.Equal(t, "allow-bulk-report", bundle.Teachings[0].RuleName)
}

func TestBuildFoldsOverBudgetIntoSummary(t *testing.T) {
	ctx := context.Background()
	b, store := testBuilder(t, Config{MaxContextChars: 40, MaxSummaryChars: 500})
	seedSender(t, store)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	contents := []string{
		strings.Repeat("あ", 10), // 30 bytes
		strings.Repeat("い", 10),
		strings.Repeat("う", 10),
	}
	for i, c := range contents {
		require.NoError(t, store.InsertChatMessage(ctx, &storage.ChatMessage{
			OrgID: "org-1", ConversationID: "conv-1", SenderID: "u-alice", Role: "user",
			Content: c, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	bundle, err := b.Build(ctx, "org-1", "conv-1", "u-alice", "続き")
	require.NoError(t, err)

	// 古い側から畳まれ、新しい側が残る
	require.Len(t, bundle.RecentMessages, 1)
	assert.Equal(t, contents[2], bundle.RecentMessages[0].Content)
	assert.Contains(t, bundle.HistorySummary, contents[0])
	assert.Contains(t, bundle.HistorySummary, contents[1])

	// 摘要已落库，下一轮直接可用
	sum, err := store.GetHistorySummary(ctx, "org-1", "conv-1")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Contains(t, sum.Summary, contents[0])
}

func TestBuildSummaryBudgetKeepsNewest(t *testing.T) {
	ctx := context.Background()
	b, store := testBuilder(t, Config{MaxContextChars: 10, MaxSummaryChars: 60})
	seedSender(t, store)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertChatMessage(ctx, &storage.ChatMessage{
			OrgID: "org-1", ConversationID: "conv-1", SenderID: "u-alice", Role: "user",
			Content: strings.Repeat("x", 30), CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	bundle, err := b.Build(ctx, "org-1", "conv-1", "u-alice", "続き")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(bundle.HistorySummary), 60)
	assert.NotEmpty(t, bundle.HistorySummary)
}

func TestBuildPreferencesScopedToOrg(t *testing.T) {
	ctx := context.Background()
	b, store := testBuilder(t, Config{})
	seedSender(t, store)

	now := time.Now().UTC()
	// 別組織の同名キーは混ざらない
	require.NoError(t, store.UpsertPreference(ctx, &storage.Preference{
		OrgID: "org-1", UserID: "u-alice", Key: "report_format", Value: "markdown",
		Source: string(truth.SourcePrimary), ObservedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.UpsertPreference(ctx, &storage.Preference{
		OrgID: "org-2", UserID: "u-alice", Key: "report_format", Value: "other-org",
		Source: string(truth.SourcePrimary), ObservedAt: now,
	}))

	bundle, err := b.Build(ctx, "org-1", "conv-1", "u-alice", "レポートを作って")
	require.NoError(t, err)
	assert.Equal(t, "markdown", bundle.Preferences["report_format"])
}

func TestBuildStalePreferenceIsUnknownNotEmpty(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t)
	resolver := truth.NewResolver(truth.Config{
		Default: truth.FieldRule{
			Precedence: []truth.Source{truth.SourcePrimary},
			MaxAge:     time.Hour,
		},
	})
	b, err := NewBuilder(store, resolver, Config{})
	require.NoError(t, err)
	seedSender(t, store)

	require.NoError(t, store.UpsertPreference(ctx, &storage.Preference{
		OrgID: "org-1", UserID: "u-alice", Key: "report_format", Value: "markdown",
		Source: string(truth.SourcePrimary), ObservedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))

	bundle, err := b.Build(ctx, "org-1", "conv-1", "u-alice", "レポートを作って")
	require.NoError(t, err)

	// 期限切れは「不明」であって空値ではない：キー自体が出ない
	_, ok := bundle.Preferences["report_format"]
	assert.False(t, ok)
}

// slowSnippetStore 的知识片段查询一直阻塞到超时。其余来源走真实存储。
type slowSnippetStore struct {
	*storage.Storage
}

func (s *slowSnippetStore) QueryKnowledgeSnippets(ctx context.Context, _ string, _ int) ([]storage.KnowledgeSnippet, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBuildDegradesWhenSnippetSourceTimesOut(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t)
	seedSender(t, store)

	require.NoError(t, store.InsertTask(ctx, &storage.Task{
		OrgID: "org-1", TaskID: "t-1", Title: "資料作成", AssigneeID: "u-alice", Status: "open", Source: "primary",
	}))
	require.NoError(t, store.InsertKnowledgeSnippet(ctx, &storage.KnowledgeSnippet{
		OrgID: "org-1", Content: "定例は月曜10時", Source: "wiki", Score: 0.8,
	}))

	b, err := NewBuilder(&slowSnippetStore{Storage: store}, truth.NewResolver(truth.DefaultConfig()),
		Config{SourceTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	bundle, err := b.Build(ctx, "org-1", "conv-1", "u-alice", "タスクを見せて")
	require.NoError(t, err)

	// 知識片段は空リストに退化するだけで、他の来源と本体は生きている
	assert.Empty(t, bundle.Snippets)
	require.Len(t, bundle.Tasks, 1)
	assert.Equal(t, "u-alice", bundle.Sender.ID)
}
