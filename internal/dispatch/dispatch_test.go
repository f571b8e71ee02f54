package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/DeskAgent/internal/registry"
	"github.com/wwwzy/DeskAgent/internal/storage"
)

type fakeTool struct {
	name   string
	output string
	err    error

	gotArgs string
	gotMeta registry.TurnMeta
}

func (f *fakeTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: f.name}, nil
}

func (f *fakeTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	f.gotArgs = argumentsInJSON
	f.gotMeta = registry.TurnMetaFromContext(ctx)
	return f.output, f.err
}

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "deskagent.db")
	s, err := storage.Open(ctx, storage.Config{Path: dbPath, EnableWAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDispatcher(t *testing.T, tools ...*fakeTool) (*Dispatcher, *storage.Storage) {
	t.Helper()

	store := openTestStorage(t)
	reg := registry.New()
	for _, ft := range tools {
		require.NoError(t, reg.Register(&registry.Entry{
			Name:    ft.name,
			Desc:    ft.name,
			Handler: ft,
		}))
	}
	d, err := NewDispatcher(reg, store)
	require.NoError(t, err)
	return d, store
}

func TestExecuteSuccessWritesAudit(t *testing.T) {
	ft := &fakeTool{name: "create_task", output: `{"task_id":"tsk-1"}`}
	d, store := testDispatcher(t, ft)
	ctx := context.Background()

	meta := registry.TurnMeta{OrgID: "org-1", Actor: "u-alice", TraceID: "trace-1"}
	call := &registry.ToolCall{
		Name:   "create_task",
		Params: map[string]interface{}{"title": "週報"},
	}

	res, err := d.Execute(ctx, meta, call, "auto_approve")
	require.NoError(t, err)
	assert.Equal(t, `{"task_id":"tsk-1"}`, res.Output)
	assert.Equal(t, FailureNone, res.FailureClass)
	assert.NotZero(t, res.AuditID)

	assert.Contains(t, ft.gotArgs, "週報")
	assert.Equal(t, "u-alice", ft.gotMeta.Actor)

	recs, err := store.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: "trace-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusSuccess, recs[0].Status)
	assert.Equal(t, "auto_approve", recs[0].Verdict)
	assert.Equal(t, "create_task", recs[0].Action)
	assert.Contains(t, recs[0].ResultJSON, "tsk-1")
	assert.False(t, recs[0].FinishedAt.IsZero())
}

func TestExecuteFailureClassified(t *testing.T) {
	ft := &fakeTool{name: "post_message", err: errors.New("smtp unreachable")}
	d, store := testDispatcher(t, ft)
	ctx := context.Background()

	meta := registry.TurnMeta{OrgID: "org-1", Actor: "u-alice", TraceID: "trace-2"}
	res, err := d.Execute(ctx, meta, &registry.ToolCall{Name: "post_message", Params: map[string]interface{}{}}, "auto_approve")
	require.NoError(t, err)
	assert.Equal(t, FailureToolError, res.FailureClass)

	recs, err := store.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: "trace-2"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].ErrorMessage, "smtp unreachable")
}

func TestExecuteTimeoutClassified(t *testing.T) {
	ft := &fakeTool{name: "generate_report", err: context.DeadlineExceeded}
	d, _ := testDispatcher(t, ft)

	res, err := d.Execute(context.Background(), registry.TurnMeta{TraceID: "trace-3"},
		&registry.ToolCall{Name: "generate_report", Params: map[string]interface{}{}}, "auto_approve")
	require.NoError(t, err)
	assert.Equal(t, FailureTimeout, res.FailureClass)
}

func TestExecuteMissingToolIsFatal(t *testing.T) {
	d, _ := testDispatcher(t)

	_, err := d.Execute(context.Background(), registry.TurnMeta{},
		&registry.ToolCall{Name: "vanished", Params: map[string]interface{}{}}, "auto_approve")
	assert.ErrorIs(t, err, ErrToolMissing)
}

func TestRecordRejection(t *testing.T) {
	ft := &fakeTool{name: "delete_goals", output: "{}"}
	d, store := testDispatcher(t, ft)
	ctx := context.Background()

	meta := registry.TurnMeta{OrgID: "org-1", Actor: "u-bob", TraceID: "trace-4"}
	err := d.RecordRejection(ctx, meta, &registry.ToolCall{
		Name:   "delete_goals",
		Params: map[string]interface{}{},
	}, "終了日が開始日より前になっています。")
	require.NoError(t, err)

	recs, err := store.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: "trace-4"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusRejected, recs[0].Status)
	assert.Equal(t, "reject", recs[0].Verdict)
	assert.NotEmpty(t, recs[0].ErrorMessage)
}
