// Package dispatch 负责把已批准的工具调用真正执行掉，并留下完整审计痕迹。
//
// 审计采用两段式写入：执行前插入 running 记录，执行结束后更新为终态。
// 这样即使进程在执行中途崩溃，审计里也会留下一条 running 的孤儿记录，
// 便于事后排查，而不是什么都没有。
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wwwzy/DeskAgent/internal/registry"
	"github.com/wwwzy/DeskAgent/internal/storage"
)

const auditTruncateLimit = 2048

// 执行状态，与审计记录的 Status 字段一致。
const (
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// 失败分类，供监控聚合使用。
const (
	FailureNone      = ""
	FailureToolError = "tool_error"
	FailureTimeout   = "timeout"
	FailureCanceled  = "canceled"
)

// ErrToolMissing 表示批准的调用在目录里找不到对应工具。
// 这是配置缺陷而不是用户错误：批准与执行之间目录不应该变化。
var ErrToolMissing = errors.New("approved tool missing from catalog")

// ExecutionResult 为一次执行的产出。
type ExecutionResult struct {
	// Output 为工具返回的 JSON 文本（已截断前的原文返回给调用方）。
	Output string
	// FailureClass 失败时的分类；成功为空。
	FailureClass string
	// AuditID 为对应审计记录主键（插入失败时为 0）。
	AuditID uint64
}

type Dispatcher struct {
	reg   *registry.Registry
	store *storage.Storage

	now func() time.Time
}

func NewDispatcher(reg *registry.Registry, store *storage.Storage) (*Dispatcher, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &Dispatcher{reg: reg, store: store, now: time.Now}, nil
}

// WithClock 注入时钟，测试用。
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if d == nil {
		return nil
	}
	if now != nil {
		d.now = now
	}
	return d
}

// Execute 执行一个已批准的调用。actor 为批准人（自动批准时为发送者本人）。
// 工具失败不返回 error：失败信息收敛进 ExecutionResult，error 只留给
// 目录缺失这类配置缺陷。
func (d *Dispatcher) Execute(ctx context.Context, meta registry.TurnMeta, call *registry.ToolCall, verdict string) (*ExecutionResult, error) {
	if d == nil || call == nil {
		return nil, errors.New("dispatcher or call is nil")
	}

	entry, ok := d.reg.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolMissing, call.Name)
	}

	args, err := json.Marshal(call.Params)
	if err != nil {
		// 参数来自 JSON 反序列化，重新序列化失败几乎不可能；仍按配置缺陷处理
		return nil, fmt.Errorf("marshal params for %s: %w", call.Name, err)
	}

	startedAt := d.now().UTC()
	record := &storage.AuditRecord{
		TraceID:    meta.TraceID,
		OrgID:      meta.OrgID,
		Actor:      meta.Actor,
		Action:     call.Name,
		ParamsJSON: truncate(string(args), auditTruncateLimit),
		Verdict:    verdict,
		Status:     StatusRunning,
		StartedAt:  startedAt,
	}
	// 插入失败只打日志不阻断执行
	if err := d.store.InsertAuditRecord(ctx, record); err != nil {
		fmt.Printf("[WARN] Failed to insert audit record: %v\n", err)
	}

	runCtx := registry.WithTurnMeta(ctx, meta)
	output, runErr := entry.Handler.InvokableRun(runCtx, string(args))

	finishedAt := d.now().UTC()
	status := StatusSuccess
	var errMsg *string
	var resultJSON *string
	if runErr != nil {
		status = StatusFailed
		e := truncate(runErr.Error(), auditTruncateLimit)
		errMsg = &e
	} else {
		r := truncate(output, auditTruncateLimit)
		resultJSON = &r
	}

	if record.ID != 0 {
		update := storage.AuditUpdate{
			Status:       &status,
			ResultJSON:   resultJSON,
			ErrorMessage: errMsg,
			FinishedAt:   &finishedAt,
		}
		if err := d.store.UpdateAuditRecord(ctx, record.ID, update); err != nil {
			fmt.Printf("[WARN] Failed to update audit record: %v\n", err)
		}
	}

	res := &ExecutionResult{Output: output, AuditID: record.ID}
	if runErr != nil {
		res.FailureClass = classifyFailure(runErr)
	}
	return res, nil
}

// RecordRejection 把被安全门拒绝的调用写入审计。拒绝也是决策，必须留痕。
func (d *Dispatcher) RecordRejection(ctx context.Context, meta registry.TurnMeta, call *registry.ToolCall, reason string) error {
	if d == nil || call == nil {
		return errors.New("dispatcher or call is nil")
	}

	args, err := json.Marshal(call.Params)
	if err != nil {
		args = []byte("{}")
	}

	now := d.now().UTC()
	record := &storage.AuditRecord{
		TraceID:      meta.TraceID,
		OrgID:        meta.OrgID,
		Actor:        meta.Actor,
		Action:       call.Name,
		ParamsJSON:   truncate(string(args), auditTruncateLimit),
		Verdict:      "reject",
		Status:       StatusRejected,
		ErrorMessage: truncate(reason, auditTruncateLimit),
		StartedAt:    now,
		FinishedAt:   now,
	}
	return d.store.InsertAuditRecord(ctx, record)
}

func classifyFailure(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	default:
		return FailureToolError
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
