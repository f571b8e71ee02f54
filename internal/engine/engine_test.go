package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/DeskAgent/internal/dispatch"
	"github.com/wwwzy/DeskAgent/internal/guardian"
	"github.com/wwwzy/DeskAgent/internal/registry"
	"github.com/wwwzy/DeskAgent/internal/state"
	"github.com/wwwzy/DeskAgent/internal/storage"
	"github.com/wwwzy/DeskAgent/internal/truth"
	"github.com/wwwzy/DeskAgent/internal/turnctx"
	"github.com/wwwzy/DeskAgent/internal/understand"
)

// scriptedUnderstander 按预置脚本依次返回理解结果。
type scriptedUnderstander struct {
	results []understand.Result
	calls   int

	lastMessage string
}

func (s *scriptedUnderstander) Understand(_ context.Context, _ *turnctx.Bundle, message string, _ *registry.Registry) (understand.Result, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	s.lastMessage = message
	return s.results[idx], nil
}

type countingTool struct {
	name   string
	output string

	mu    sync.Mutex
	calls int
}

func (c *countingTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: c.name}, nil
}

func (c *countingTool) InvokableRun(_ context.Context, _ string, _ ...tool.Option) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.output, nil
}

func (c *countingTool) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memorySink struct {
	mu      sync.Mutex
	metrics []storage.TurnMetric
}

func (m *memorySink) Record(metric storage.TurnMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, metric)
}

func (m *memorySink) last(t *testing.T) storage.TurnMetric {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.metrics)
	return m.metrics[len(m.metrics)-1]
}

type testHarness struct {
	engine *Engine
	store  *storage.Storage
	states *state.Manager
	sink   *memorySink
	um     *scriptedUnderstander
	tools  map[string]*countingTool
}

func newHarness(t *testing.T, results ...understand.Result) *testHarness {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "deskagent.db")
	store, err := storage.Open(ctx, storage.Config{Path: dbPath, EnableWAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// 发送者必须是已知人员，否则整轮失败
	require.NoError(t, store.UpsertPerson(ctx, &storage.Person{
		OrgID:       "org-1",
		PersonID:    "u-alice",
		DisplayName: "Alice",
		Role:        "member",
		Source:      "primary",
		ObservedAt:  time.Now().UTC(),
	}))

	tools := map[string]*countingTool{
		"list_tasks":   {name: "list_tasks", output: `{"message":"タスクは3件です。"}`},
		"delete_goals": {name: "delete_goals", output: `{"message":"全てのゴールを削除しました。"}`},
		"generate_report": {
			name:   "generate_report",
			output: `{"message":"レポートを生成しました。"}`,
		},
	}
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Entry{
		Name: "list_tasks", Desc: "タスク一覧", Danger: registry.DangerSafe, Handler: tools["list_tasks"],
	}))
	require.NoError(t, reg.Register(&registry.Entry{
		Name: "delete_goals", Desc: "ゴール削除", Danger: registry.DangerDangerous,
		RequiresConfirmation: true, Handler: tools["delete_goals"],
	}))
	require.NoError(t, reg.Register(&registry.Entry{
		Name: "generate_report", Desc: "レポート生成", Danger: registry.DangerSafe, Handler: tools["generate_report"],
	}))

	builder, err := turnctx.NewBuilder(store, truth.NewResolver(truth.DefaultConfig()), turnctx.Config{})
	require.NoError(t, err)
	states, err := state.NewManager(store, state.Config{})
	require.NoError(t, err)
	guard, err := guardian.NewGuardian(reg, guardian.Config{})
	require.NoError(t, err)
	disp, err := dispatch.NewDispatcher(reg, store)
	require.NoError(t, err)

	um := &scriptedUnderstander{results: results}
	sink := &memorySink{}

	eng, err := New(Options{
		Store:      store,
		Builder:    builder,
		States:     states,
		Understand: um,
		Guardian:   guard,
		Dispatcher: disp,
		Registry:   reg,
		Metrics:    sink,
	})
	require.NoError(t, err)

	return &testHarness{engine: eng, store: store, states: states, sink: sink, um: um, tools: tools}
}

func turnReq(message string) TurnRequest {
	return TurnRequest{
		OrgID:          "org-1",
		ConversationID: "conv-1",
		SenderID:       "u-alice",
		Message:        message,
	}
}

func proposal(name string, params map[string]interface{}) understand.Result {
	return understand.Result{Call: &registry.ToolCall{
		Name:       name,
		Params:     params,
		Confidence: registry.ConfidenceScores{Intent: 0.9, Params: 0.9, Safety: 0.9},
	}}
}

func TestHandleTurnAutoApprove(t *testing.T) {
	h := newHarness(t, proposal("list_tasks", map[string]interface{}{}))

	reply, err := h.engine.HandleTurn(context.Background(), turnReq("今日のタスクは？"))
	require.NoError(t, err)
	assert.True(t, reply.Executed)
	assert.Equal(t, "タスクは3件です。", reply.Text)
	assert.Equal(t, 1, h.tools["list_tasks"].callCount())

	metric := h.sink.last(t)
	assert.Equal(t, "list_tasks", metric.ToolName)
	assert.Equal(t, "auto_approve", metric.Verdict)
	assert.Equal(t, string(state.TypeNormal), metric.StateType)

	recs, err := h.store.QueryAuditRecords(context.Background(), storage.AuditQuery{TraceID: reply.TraceID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, dispatch.StatusSuccess, recs[0].Status)
}

func TestHandleTurnConfirmFlow(t *testing.T) {
	h := newHarness(t, proposal("delete_goals", map[string]interface{}{}))
	ctx := context.Background()

	reply, err := h.engine.HandleTurn(ctx, turnReq("ゴールを全部消して"))
	require.NoError(t, err)
	assert.False(t, reply.Executed)
	assert.Equal(t, "全てのゴールを削除します。よろしいですか？", reply.Text)
	assert.Equal(t, 0, h.tools["delete_goals"].callCount())

	key := storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"}
	st, err := h.states.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.TypeConfirmation, st.Type)

	reply, err = h.engine.HandleTurn(ctx, turnReq("はい"))
	require.NoError(t, err)
	assert.True(t, reply.Executed)
	assert.Equal(t, "全てのゴールを削除しました。", reply.Text)
	assert.Equal(t, 1, h.tools["delete_goals"].callCount())

	st, err = h.states.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestHandleTurnDeclineClearsState(t *testing.T) {
	h := newHarness(t, proposal("delete_goals", map[string]interface{}{}))
	ctx := context.Background()

	_, err := h.engine.HandleTurn(ctx, turnReq("ゴールを全部消して"))
	require.NoError(t, err)

	reply, err := h.engine.HandleTurn(ctx, turnReq("いいえ"))
	require.NoError(t, err)
	assert.False(t, reply.Executed)
	assert.Equal(t, 0, h.tools["delete_goals"].callCount())

	st, err := h.states.Load(ctx, storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestHandleTurnUnrelatedReplyKeepsState(t *testing.T) {
	h := newHarness(t,
		proposal("delete_goals", map[string]interface{}{}),
		understand.Result{Reason: understand.ReasonNoToolCall, Reply: "現在のゴールは2件です。"},
	)
	ctx := context.Background()

	_, err := h.engine.HandleTurn(ctx, turnReq("ゴールを全部消して"))
	require.NoError(t, err)

	// 答非所问：普通消息照常处理，待确认状态原样保留
	reply, err := h.engine.HandleTurn(ctx, turnReq("今のゴールはいくつ？"))
	require.NoError(t, err)
	assert.Equal(t, "現在のゴールは2件です。", reply.Text)

	st, err := h.states.Load(ctx, storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"})
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.TypeConfirmation, st.Type)
}

func TestHandleTurnRejectsInconsistentDates(t *testing.T) {
	h := newHarness(t, proposal("generate_report", map[string]interface{}{
		"period_start": "2026-03-10",
		"period_end":   "2026-03-01",
	}))
	ctx := context.Background()

	reply, err := h.engine.HandleTurn(ctx, turnReq("レポートを作って"))
	require.NoError(t, err)
	assert.False(t, reply.Executed)
	assert.Equal(t, 0, h.tools["generate_report"].callCount())

	recs, err := h.store.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: reply.TraceID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, dispatch.StatusRejected, recs[0].Status)
}

func TestHandleTurnReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, proposal("list_tasks", map[string]interface{}{}))
	ctx := context.Background()

	req := turnReq("今日のタスクは？")
	req.MessageID = "msg-42"

	first, err := h.engine.HandleTurn(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Executed)

	second, err := h.engine.HandleTurn(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.False(t, second.Executed)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, h.tools["list_tasks"].callCount())
}

func TestHandleTurnUnknownSender(t *testing.T) {
	h := newHarness(t, proposal("list_tasks", map[string]interface{}{}))

	req := turnReq("タスクは？")
	req.SenderID = "u-stranger"

	reply, err := h.engine.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, reply.Executed)
	assert.Equal(t, replySenderUnknown, reply.Text)
	assert.Equal(t, "sender_lookup", h.sink.last(t).FailureClass)
}

func TestHandleTurnProviderErrorFallback(t *testing.T) {
	h := newHarness(t, understand.Result{Reason: understand.ReasonProviderError})

	reply, err := h.engine.HandleTurn(context.Background(), turnReq("タスクは？"))
	require.NoError(t, err)
	assert.Equal(t, replyTransient, reply.Text)
	assert.Equal(t, string(understand.ReasonProviderError), h.sink.last(t).FailureClass)
}

func TestHandleTurnListReference(t *testing.T) {
	h := newHarness(t, proposal("list_tasks", map[string]interface{}{}))
	ctx := context.Background()

	key := storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"}
	st, err := state.NewListContext(key, state.ListPayload{Items: []state.ListItem{
		{Label: "週報タスク", Tool: "list_tasks", Params: map[string]interface{}{"assignee": "u-alice"}},
		{Label: "月報タスク", Tool: "generate_report", Params: map[string]interface{}{}},
	}})
	require.NoError(t, err)
	require.NoError(t, h.states.Save(ctx, st))

	reply, err := h.engine.HandleTurn(ctx, turnReq("2番目"))
	require.NoError(t, err)
	assert.True(t, reply.Executed)
	assert.Equal(t, "レポートを生成しました。", reply.Text)
	assert.Equal(t, 1, h.tools["generate_report"].callCount())
	assert.Equal(t, 0, h.um.calls)
}

func TestHandleTurnAttachmentNamesReachUnderstanding(t *testing.T) {
	h := newHarness(t, proposal("list_tasks", map[string]interface{}{}))

	req := turnReq("この資料のタスクを見せて")
	req.Attachments = []string{"q1_plan.xlsx"}

	reply, err := h.engine.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, reply.Executed)
	assert.Contains(t, h.um.lastMessage, "この資料のタスクを見せて")
	assert.Contains(t, h.um.lastMessage, "q1_plan.xlsx")
}

func TestHandleTurnListOutputEntersListContext(t *testing.T) {
	h := newHarness(t, proposal("list_tasks", map[string]interface{}{}))
	ctx := context.Background()

	h.tools["list_tasks"].output = `{"message":"タスク一覧:\n1. 週報作成","items":[{"label":"週報作成","tool":"generate_report","params":{}}]}`

	reply, err := h.engine.HandleTurn(ctx, turnReq("今日のタスクは？"))
	require.NoError(t, err)
	assert.True(t, reply.Executed)

	key := storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"}
	st, err := h.states.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.TypeListContext, st.Type)
	assert.Equal(t, string(state.TypeListContext), h.sink.last(t).StateType)

	payload, err := st.DecodeListPayload()
	require.NoError(t, err)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "週報作成", payload.Items[0].Label)

	// 序数での指し直しは LLM を経由せず決定的に復元される
	reply, err = h.engine.HandleTurn(ctx, turnReq("1つ目"))
	require.NoError(t, err)
	assert.True(t, reply.Executed)
	assert.Equal(t, "レポートを生成しました。", reply.Text)
	assert.Equal(t, 1, h.tools["generate_report"].callCount())
	assert.Equal(t, 1, h.um.calls)

	// 列表を持たない出力で完了したので状態は消える
	st, err = h.states.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestHandleTurnListOutputWithoutActionsClearsState(t *testing.T) {
	h := newHarness(t, proposal("list_tasks", map[string]interface{}{}))
	ctx := context.Background()

	// 復元可能な動作が一つもない列表は状態にしない
	h.tools["list_tasks"].output = `{"message":"タスク一覧:\n1. 週報作成","items":[{"label":"週報作成","tool":"","params":{}}]}`

	_, err := h.engine.HandleTurn(ctx, turnReq("今日のタスクは？"))
	require.NoError(t, err)

	st, err := h.states.Load(ctx, storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, string(state.TypeNormal), h.sink.last(t).StateType)
}

// interferingUnderstander 在理解调用期间从另一个句柄改写同一键的状态，
// 模拟同一会话的并发轮次赢下竞争。
type interferingUnderstander struct {
	inner      *scriptedUnderstander
	states     *state.Manager
	key        storage.StateKey
	interferes int

	calls int
}

func (s *interferingUnderstander) Understand(ctx context.Context, bundle *turnctx.Bundle, message string, reg *registry.Registry) (understand.Result, error) {
	s.calls++
	if s.calls <= s.interferes {
		if s.calls == 1 {
			st := state.NewConfirmation(s.key, state.PendingAction{Tool: "delete_goals", Params: map[string]interface{}{}})
			if err := s.states.Save(ctx, st); err != nil {
				return understand.Result{}, err
			}
		} else {
			st, err := s.states.Load(ctx, s.key)
			if err != nil {
				return understand.Result{}, err
			}
			if st != nil {
				if err := s.states.Save(ctx, st); err != nil {
					return understand.Result{}, err
				}
			}
		}
	}
	return s.inner.Understand(ctx, bundle, message, reg)
}

func TestHandleTurnRestartsOnceAfterLostRace(t *testing.T) {
	h := newHarness(t,
		proposal("delete_goals", map[string]interface{}{}),
		proposal("delete_goals", map[string]interface{}{}),
	)
	ctx := context.Background()

	key := storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"}
	h.engine.um = &interferingUnderstander{inner: h.um, states: h.states, key: key, interferes: 1}

	// 初回保存は相手の新規作成に敗れ、最新状態で一度だけやり直して成功する
	reply, err := h.engine.HandleTurn(ctx, turnReq("ゴールを全部消して"))
	require.NoError(t, err)
	assert.False(t, reply.Executed)
	assert.Equal(t, "全てのゴールを削除します。よろしいですか？", reply.Text)
	assert.Equal(t, 2, h.um.calls)

	st, err := h.states.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.TypeConfirmation, st.Type)
}

func TestHandleTurnSecondLostRaceRepliesBusy(t *testing.T) {
	h := newHarness(t,
		proposal("delete_goals", map[string]interface{}{}),
		proposal("delete_goals", map[string]interface{}{}),
	)
	ctx := context.Background()

	key := storage.StateKey{OrgID: "org-1", ConversationID: "conv-1"}
	h.engine.um = &interferingUnderstander{inner: h.um, states: h.states, key: key, interferes: 2}

	reply, err := h.engine.HandleTurn(ctx, turnReq("ゴールを全部消して"))
	require.NoError(t, err)
	assert.False(t, reply.Executed)
	assert.Equal(t, replyBusy, reply.Text)
	assert.Equal(t, 2, h.um.calls)
	assert.Equal(t, "state_conflict", h.sink.last(t).FailureClass)
}
