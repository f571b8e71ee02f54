package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/wwwzy/DeskAgent/internal/storage"
)

func newRecordID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// 内置工具集：职场助手的基础动作，全部落在 sqlite 上。
// 每个工具遵循 eino 的 InvokableTool 约定（Info + InvokableRun），
// 组织/操作者从 ctx 的 TurnMeta 读取，业务参数从入参 JSON 读取。

const dateLayout = "2006-01-02"

// ListOutputItem 为列表系工具输出 items 中的一项：展示ラベルと、
// 用户按序数回指该项时应当复原的动作。引擎据此把列表存成会话状态。
type ListOutputItem struct {
	Label  string                 `json:"label"`
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// CreateTaskTool 创建任务
type CreateTaskTool struct {
	store *storage.Storage
}

func (t *CreateTaskTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "create_task",
		Desc: "Create a new task. Use when the user asks to add a todo or assign work.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"title": {
				Desc:     "Task title",
				Type:     schema.String,
				Required: true,
			},
			"assignee_id": {
				Desc:     "Person ID of the assignee (defaults to the sender)",
				Type:     schema.String,
				Required: false,
			},
			"due_date": {
				Desc:     "Due date in YYYY-MM-DD format",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *CreateTaskTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Title      string `json:"title"`
		AssigneeID string `json:"assignee_id"`
		DueDate    string `json:"due_date"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	if args.AssigneeID == "" {
		args.AssigneeID = meta.Actor
	}

	task := storage.Task{
		OrgID:      meta.OrgID,
		TaskID:     newRecordID("task"),
		Title:      args.Title,
		AssigneeID: args.AssigneeID,
		Status:     "open",
		Source:     "primary",
	}
	if args.DueDate != "" {
		due, err := time.Parse(dateLayout, args.DueDate)
		if err != nil {
			return "", fmt.Errorf("invalid due_date: %w", err)
		}
		task.DueAt = &due
	}

	if err := t.store.InsertTask(ctx, &task); err != nil {
		return "", err
	}

	data, err := json.Marshal(map[string]interface{}{"task_id": task.TaskID, "title": task.Title})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// ListTasksTool 列出任务
type ListTasksTool struct {
	store *storage.Storage
}

func (t *ListTasksTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "list_tasks",
		Desc: "List known tasks. You can filter by status or assignee.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"status": {
				Desc:     "Filter by status (e.g., 'open', 'done')",
				Type:     schema.String,
				Required: false,
			},
			"assignee_id": {
				Desc:     "Filter by assignee person ID",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *ListTasksTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Status     string `json:"status"`
		AssigneeID string `json:"assignee_id"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	tasks, err := t.store.QueryTasks(ctx, storage.TaskQuery{
		OrgID:      meta.OrgID,
		AssigneeID: args.AssigneeID,
		Status:     args.Status,
	})
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		data, err := json.Marshal(map[string]interface{}{"message": "タスクはありません。"})
		if err != nil {
			return "", fmt.Errorf("failed to marshal result: %w", err)
		}
		return string(data), nil
	}

	// 番号付きで提示した列表をそのまま items に載せる。後続ターンの
	// 序数指し（「1つ目」等）はこの items から動作を復元する。
	items := make([]ListOutputItem, 0, len(tasks))
	var lines []string
	for i, task := range tasks {
		label := task.Title
		if task.Status != "" {
			label = fmt.Sprintf("%s (%s)", task.Title, task.Status)
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, label))
		items = append(items, ListOutputItem{
			Label:  label,
			Tool:   "complete_task",
			Params: map[string]interface{}{"task_id": task.TaskID},
		})
	}

	data, err := json.Marshal(map[string]interface{}{
		"message": "タスク一覧:\n" + strings.Join(lines, "\n"),
		"items":   items,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// CompleteTaskTool 完成任务
type CompleteTaskTool struct {
	store *storage.Storage
}

func (t *CompleteTaskTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "complete_task",
		Desc: "Mark a task as done.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "The ID of the task to complete",
				Type:     schema.String,
				Required: true,
			},
		}),
	}, nil
}

func (t *CompleteTaskTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	if err := t.store.UpdateTaskStatus(ctx, meta.OrgID, args.TaskID, "done"); err != nil {
		return "", err
	}

	data, err := json.Marshal(map[string]interface{}{"task_id": args.TaskID, "status": "done"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// PostMessageTool 发送消息（广播/通知）
type PostMessageTool struct {
	store *storage.Storage
}

func (t *PostMessageTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "post_message",
		Desc: "Post a message to one or more conversations on behalf of the user.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"text": {
				Desc:     "Message body to post",
				Type:     schema.String,
				Required: true,
			},
			"recipients": {
				Desc:     "Conversation IDs to post to (defaults to the current conversation)",
				Type:     schema.Array,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
				Required: false,
			},
		}),
	}, nil
}

func (t *PostMessageTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Text       string   `json:"text"`
		Recipients []string `json:"recipients"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	recipients := make([]string, 0, len(args.Recipients))
	for _, conv := range args.Recipients {
		if conv = strings.TrimSpace(conv); conv != "" {
			recipients = append(recipients, conv)
		}
	}
	if len(recipients) == 0 && meta.ConversationID != "" {
		recipients = []string{meta.ConversationID}
	}
	if len(recipients) == 0 {
		return "", fmt.Errorf("recipients is required when there is no current conversation")
	}

	posted := 0
	for _, conv := range recipients {
		msg := storage.ChatMessage{
			OrgID:          meta.OrgID,
			ConversationID: conv,
			SenderID:       meta.Actor,
			Role:           "user",
			Content:        args.Text,
		}
		if err := t.store.InsertChatMessage(ctx, &msg); err != nil {
			return "", err
		}
		posted++
	}

	data, err := json.Marshal(map[string]interface{}{"posted": posted})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// SetGoalTool 设定目标
type SetGoalTool struct {
	store *storage.Storage
}

func (t *SetGoalTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "set_goal",
		Desc: "Set a new goal for a user.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"title": {
				Desc:     "Goal title",
				Type:     schema.String,
				Required: true,
			},
			"owner_id": {
				Desc:     "Person ID of the goal owner (defaults to the sender)",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *SetGoalTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Title   string `json:"title"`
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	if args.OwnerID == "" {
		args.OwnerID = meta.Actor
	}

	goal := storage.Goal{
		OrgID:   meta.OrgID,
		GoalID:  newRecordID("goal"),
		OwnerID: args.OwnerID,
		Title:   args.Title,
		Status:  "active",
		Source:  "primary",
	}
	if err := t.store.InsertGoal(ctx, &goal); err != nil {
		return "", err
	}

	data, err := json.Marshal(map[string]interface{}{"goal_id": goal.GoalID, "title": goal.Title})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// ListGoalsTool 列出目标
type ListGoalsTool struct {
	store *storage.Storage
}

func (t *ListGoalsTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "list_goals",
		Desc: "List known goals. You can filter by owner.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"owner_id": {
				Desc:     "Filter by owner person ID",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *ListGoalsTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	goals, err := t.store.QueryGoals(ctx, storage.GoalQuery{OrgID: meta.OrgID, OwnerID: args.OwnerID})
	if err != nil {
		return "", err
	}
	if len(goals) == 0 {
		data, err := json.Marshal(map[string]interface{}{"message": "ゴールはありません。"})
		if err != nil {
			return "", fmt.Errorf("failed to marshal result: %w", err)
		}
		return string(data), nil
	}

	items := make([]ListOutputItem, 0, len(goals))
	var lines []string
	for i, goal := range goals {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, goal.Title))
		items = append(items, ListOutputItem{
			Label:  goal.Title,
			Tool:   "delete_goal",
			Params: map[string]interface{}{"goal_id": goal.GoalID},
		})
	}

	data, err := json.Marshal(map[string]interface{}{
		"message": "ゴール一覧:\n" + strings.Join(lines, "\n"),
		"items":   items,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// DeleteGoalTool 删除单个目标（破坏性操作、需确认）
type DeleteGoalTool struct {
	store *storage.Storage
}

func (t *DeleteGoalTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "delete_goal",
		Desc: "Delete a single goal by its ID. Destructive, cannot be undone.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"goal_id": {
				Desc:     "The ID of the goal to delete",
				Type:     schema.String,
				Required: true,
			},
		}),
	}, nil
}

func (t *DeleteGoalTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		GoalID string `json:"goal_id"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	deleted, err := t.store.DeleteGoalByID(ctx, meta.OrgID, args.GoalID)
	if err != nil {
		return "", err
	}
	if deleted == 0 {
		return "", fmt.Errorf("goal %s not found", args.GoalID)
	}

	data, err := json.Marshal(map[string]interface{}{"goal_id": args.GoalID, "message": "ゴールを削除しました。"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// DeleteGoalsTool 批量删除目标（高危操作）
type DeleteGoalsTool struct {
	store *storage.Storage
}

func (t *DeleteGoalsTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "delete_goals",
		Desc: "Delete ALL goals of a user. Destructive, cannot be undone.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"owner_id": {
				Desc:     "Person ID whose goals will be deleted (defaults to the sender)",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *DeleteGoalsTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	if args.OwnerID == "" {
		args.OwnerID = meta.Actor
	}

	deleted, err := t.store.DeleteGoalsByOwner(ctx, meta.OrgID, args.OwnerID)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(map[string]interface{}{"deleted": deleted})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// GenerateReportTool 生成报告（任务/目标/决策概况）
type GenerateReportTool struct {
	store *storage.Storage
}

func (t *GenerateReportTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "generate_report",
		Desc: "Generate a summary report of tasks and goals for a period.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"period_start": {
				Desc:     "Period start date in YYYY-MM-DD format",
				Type:     schema.String,
				Required: false,
			},
			"period_end": {
				Desc:     "Period end date in YYYY-MM-DD format",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *GenerateReportTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		PeriodStart string `json:"period_start"`
		PeriodEnd   string `json:"period_end"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	meta := TurnMetaFromContext(ctx)
	tasks, err := t.store.QueryTasks(ctx, storage.TaskQuery{OrgID: meta.OrgID})
	if err != nil {
		return "", err
	}
	goals, err := t.store.QueryGoals(ctx, storage.GoalQuery{OrgID: meta.OrgID})
	if err != nil {
		return "", err
	}

	open, done := 0, 0
	for _, task := range tasks {
		if task.Status == "done" {
			done++
		} else {
			open++
		}
	}

	data, err := json.Marshal(map[string]interface{}{
		"period_start": args.PeriodStart,
		"period_end":   args.PeriodEnd,
		"open_tasks":   open,
		"done_tasks":   done,
		"goals":        len(goals),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

// Builtin 组装内置工具目录。危险分类与确认标记在这里集中声明，
// Guardian 据此做静态分类检查。
func Builtin(store *storage.Storage) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}

	r := New()
	entries := []*Entry{
		{
			Name: "create_task",
			Desc: "Create a new task.",
			Params: map[string]*ParamSpec{
				"title":       {Type: schema.String, Desc: "Task title", Required: true},
				"assignee_id": {Type: schema.String, Desc: "Person ID of the assignee (defaults to the sender)"},
				"due_date":    {Type: schema.String, Desc: "Due date in YYYY-MM-DD format"},
			},
			Danger:  DangerSafe,
			Handler: &CreateTaskTool{store: store},
		},
		{
			Name: "list_tasks",
			Desc: "List known tasks.",
			Params: map[string]*ParamSpec{
				"status":      {Type: schema.String, Desc: "Filter by status"},
				"assignee_id": {Type: schema.String, Desc: "Filter by assignee person ID"},
			},
			Danger:  DangerSafe,
			Handler: &ListTasksTool{store: store},
		},
		{
			Name: "complete_task",
			Desc: "Mark a task as done.",
			Params: map[string]*ParamSpec{
				"task_id": {Type: schema.String, Desc: "The ID of the task to complete", Required: true},
			},
			Danger:  DangerSafe,
			Handler: &CompleteTaskTool{store: store},
		},
		{
			Name: "post_message",
			Desc: "Post a message to one or more conversations.",
			Params: map[string]*ParamSpec{
				"text":       {Type: schema.String, Desc: "Message body to post", Required: true},
				"recipients": {Type: schema.Array, Elem: schema.String, Desc: "Conversation IDs to post to"},
			},
			Danger:  DangerCaution,
			Handler: &PostMessageTool{store: store},
		},
		{
			Name: "set_goal",
			Desc: "Set a new goal for a user.",
			Params: map[string]*ParamSpec{
				"title":    {Type: schema.String, Desc: "Goal title", Required: true},
				"owner_id": {Type: schema.String, Desc: "Person ID of the goal owner (defaults to the sender)"},
			},
			Danger:  DangerSafe,
			Handler: &SetGoalTool{store: store},
		},
		{
			Name: "list_goals",
			Desc: "List known goals.",
			Params: map[string]*ParamSpec{
				"owner_id": {Type: schema.String, Desc: "Filter by owner person ID"},
			},
			Danger:  DangerSafe,
			Handler: &ListGoalsTool{store: store},
		},
		{
			Name: "delete_goal",
			Desc: "Delete a single goal by its ID. Destructive, cannot be undone.",
			Params: map[string]*ParamSpec{
				"goal_id": {Type: schema.String, Desc: "The ID of the goal to delete", Required: true},
			},
			RequiresConfirmation: true,
			Danger:               DangerCaution,
			Handler:              &DeleteGoalTool{store: store},
		},
		{
			Name: "delete_goals",
			Desc: "Delete ALL goals of a user. Destructive, cannot be undone.",
			Params: map[string]*ParamSpec{
				"owner_id": {Type: schema.String, Desc: "Person ID whose goals will be deleted (defaults to the sender)"},
			},
			RequiresConfirmation: true,
			Danger:               DangerDangerous,
			Handler:              &DeleteGoalsTool{store: store},
		},
		{
			Name: "generate_report",
			Desc: "Generate a summary report of tasks and goals for a period.",
			Params: map[string]*ParamSpec{
				"period_start": {Type: schema.String, Desc: "Period start date in YYYY-MM-DD format"},
				"period_end":   {Type: schema.String, Desc: "Period end date in YYYY-MM-DD format"},
			},
			Danger:  DangerSafe,
			Handler: &GenerateReportTool{store: store},
		},
	}

	for _, e := range entries {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}
