// Package engine 为决策引擎：把一条入站消息走完"组装上下文 → 理解 →
// 安全门 → 状态机 → 执行"的完整链路，产出一条确定性的回复。
//
// 并发约定：同一会话的两轮并发处理依靠状态存储的乐观锁裁决，
// 输掉的一方基于最新状态重新决策一次；再次失败按瞬态失败回复。
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wwwzy/DeskAgent/internal/dispatch"
	"github.com/wwwzy/DeskAgent/internal/guardian"
	"github.com/wwwzy/DeskAgent/internal/registry"
	"github.com/wwwzy/DeskAgent/internal/state"
	"github.com/wwwzy/DeskAgent/internal/storage"
	"github.com/wwwzy/DeskAgent/internal/turnctx"
	"github.com/wwwzy/DeskAgent/internal/understand"
)

// Understander 为意图理解的最小接口，便于测试替换真实 LLM。
type Understander interface {
	Understand(ctx context.Context, bundle *turnctx.Bundle, message string, reg *registry.Registry) (understand.Result, error)
}

// MetricSink 接收每轮观测数据。实现必须非阻塞：决策路径不等监控。
type MetricSink interface {
	Record(m storage.TurnMetric)
}

// TurnRequest 为一条入站消息。
type TurnRequest struct {
	OrgID          string
	ConversationID string
	// ThreadID 可为空（非线程化会话）。
	ThreadID string
	SenderID string
	// MessageID 为消息平台侧 ID，重放去重用；可为空（不去重）。
	MessageID string
	Message   string
	// Attachments 为附件文件名列表（可为空）。附件内容不进入决策，
	// 文件名作为消息的一部分供理解模块参考。
	Attachments []string
}

// content 返回消息正文与附件名合成后的文本。
func (r TurnRequest) content() string {
	if len(r.Attachments) == 0 {
		return r.Message
	}
	s := r.Message
	for _, name := range r.Attachments {
		s += "\n[添付: " + name + "]"
	}
	return s
}

func (r TurnRequest) validate() error {
	if r.OrgID == "" || r.ConversationID == "" || r.SenderID == "" {
		return errors.New("org, conversation and sender are required")
	}
	if r.Message == "" {
		return errors.New("message is empty")
	}
	return nil
}

// TurnReply 为一轮处理的产出。
type TurnReply struct {
	Text    string
	TraceID string
	// Executed 表示本轮真正执行了一个工具。
	Executed bool
	// Replayed 表示命中了重放去重，返回的是上一次的回复。
	Replayed bool
}

type Engine struct {
	store   *storage.Storage
	builder *turnctx.Builder
	states  *state.Manager
	um      Understander
	guard   *guardian.Guardian
	disp    *dispatch.Dispatcher
	reg     *registry.Registry
	metrics MetricSink

	now func() time.Time
}

type Options struct {
	Store      *storage.Storage
	Builder    *turnctx.Builder
	States     *state.Manager
	Understand Understander
	Guardian   *guardian.Guardian
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	// Metrics 可为 nil（不观测）。
	Metrics MetricSink
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Builder == nil || opts.States == nil ||
		opts.Understand == nil || opts.Guardian == nil || opts.Dispatcher == nil || opts.Registry == nil {
		return nil, errors.New("engine: missing required component")
	}
	return &Engine{
		store:   opts.Store,
		builder: opts.Builder,
		states:  opts.States,
		um:      opts.Understand,
		guard:   opts.Guardian,
		disp:    opts.Dispatcher,
		reg:     opts.Registry,
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

// WithClock 注入时钟，测试用。
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if e == nil {
		return nil
	}
	if now != nil {
		e.now = now
	}
	return e
}

// turnOutcome 为一次决策尝试的内部产出。
type turnOutcome struct {
	reply        string
	toolName     string
	verdict      string
	stateType    state.Type
	confidence   registry.ConfidenceScores
	failureClass string
	executed     bool
}

// HandleTurn 处理一条入站消息，返回要发给用户的回复。
// 基础设施故障之外不返回 error：用户可见的失败收敛进回复文本。
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (*TurnReply, error) {
	if e == nil {
		return nil, errors.New("engine is nil")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	started := e.now()
	traceID := uuid.NewString()

	// 重放去重：同一条消息只处理一次，重复投递返回上一次的回复。
	if req.MessageID != "" {
		prior, err := e.store.FindChatMessageByMessageID(ctx, req.OrgID, req.ConversationID, req.MessageID)
		if err != nil {
			return nil, fmt.Errorf("dedupe lookup: %w", err)
		}
		if prior != nil {
			reply := replyReplayed
			if assistant, err := e.store.FirstAssistantReplyAfter(ctx, req.OrgID, req.ConversationID, prior.ID); err == nil && assistant != nil {
				reply = assistant.Content
			}
			return &TurnReply{Text: reply, TraceID: traceID, Replayed: true}, nil
		}
	}

	if err := e.store.InsertChatMessage(ctx, &storage.ChatMessage{
		OrgID:          req.OrgID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		SenderID:       req.SenderID,
		Role:           "user",
		Content:        req.content(),
	}); err != nil {
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}

	key := storage.StateKey{OrgID: req.OrgID, ConversationID: req.ConversationID, ThreadID: req.ThreadID}
	meta := registry.TurnMeta{OrgID: req.OrgID, Actor: req.SenderID, ConversationID: req.ConversationID, TraceID: traceID}

	outcome := e.runTurn(ctx, meta, key, req)

	// 助手回复入流水，下一轮作为历史出现
	if err := e.store.InsertChatMessage(ctx, &storage.ChatMessage{
		OrgID:          req.OrgID,
		ConversationID: req.ConversationID,
		SenderID:       "assistant",
		Role:           "assistant",
		Content:        outcome.reply,
	}); err != nil {
		fmt.Printf("[WARN] Failed to persist assistant reply: %v\n", err)
	}

	if e.metrics != nil {
		e.metrics.Record(storage.TurnMetric{
			TraceID:        traceID,
			OrgID:          req.OrgID,
			ConversationID: req.ConversationID,
			ToolName:       outcome.toolName,
			Verdict:        outcome.verdict,
			StateType:      string(outcome.stateType),
			IntentScore:    outcome.confidence.Intent,
			ParamScore:     outcome.confidence.Params,
			SafetyScore:    outcome.confidence.Safety,
			DurationMS:     e.now().Sub(started).Milliseconds(),
			FailureClass:   outcome.failureClass,
		})
	}

	return &TurnReply{Text: outcome.reply, TraceID: traceID, Executed: outcome.executed}, nil
}

// runTurn 组装上下文并决策。输掉乐观锁竞争时基于最新状态重来一次。
func (e *Engine) runTurn(ctx context.Context, meta registry.TurnMeta, key storage.StateKey, req TurnRequest) turnOutcome {
	bundle, err := e.builder.Build(ctx, req.OrgID, req.ConversationID, req.SenderID, req.content())
	if err != nil {
		if errors.Is(err, turnctx.ErrSenderLookup) {
			return turnOutcome{reply: replySenderUnknown, failureClass: "sender_lookup"}
		}
		return turnOutcome{reply: replyTransient, failureClass: "context_build"}
	}

	for attempt := 0; ; attempt++ {
		outcome, err := e.decide(ctx, meta, key, bundle, req.content())
		if err == nil {
			return outcome
		}
		if errors.Is(err, state.ErrConflict) && attempt == 0 {
			continue
		}
		if errors.Is(err, state.ErrConflict) {
			return turnOutcome{reply: replyBusy, failureClass: "state_conflict"}
		}
		return turnOutcome{reply: replyTransient, failureClass: "internal_error"}
	}
}

// decide 执行一次完整决策。返回 state.ErrConflict 表示并发竞争失败，可重来。
func (e *Engine) decide(ctx context.Context, meta registry.TurnMeta, key storage.StateKey, bundle *turnctx.Bundle, message string) (turnOutcome, error) {
	st, err := e.states.Load(ctx, key)
	if err != nil {
		return turnOutcome{}, fmt.Errorf("load state: %w", err)
	}

	// 确认短路径：待确认状态下先按固定词表匹配回复，不经过 LLM。
	if st != nil && st.Type == state.TypeConfirmation && st.Pending != nil {
		switch state.MatchConfirmation(message) {
		case state.VerdictAffirm:
			call := &registry.ToolCall{
				Name:       st.Pending.Tool,
				Params:     st.Pending.Params,
				Confidence: deterministicConfidence(),
			}
			return e.execute(ctx, meta, key, st, call, string(guardian.VerdictNeedsConfirmation))
		case state.VerdictDecline:
			if err := e.states.Clear(ctx, key); err != nil {
				return turnOutcome{}, fmt.Errorf("clear state: %w", err)
			}
			return turnOutcome{reply: replyDeclined, toolName: st.Pending.Tool, verdict: "declined", stateType: state.TypeNormal}, nil
		}
		// 答非所问：状态原样保留（到 TTL 自然过期），本条消息按普通消息处理
	}

	// 列表回指：用户按序数/指代引用最近展示的列表项时，确定性复原动作。
	if st != nil && st.Type == state.TypeListContext {
		if payload, err := st.DecodeListPayload(); err == nil {
			if pending, ok := state.ResolveListReference(message, payload); ok {
				call := &registry.ToolCall{
					Name:       pending.Tool,
					Params:     pending.Params,
					Confidence: deterministicConfidence(),
				}
				return e.gate(ctx, meta, key, st, bundle, call)
			}
		}
	}

	res, err := e.um.Understand(ctx, bundle, message, e.reg)
	if err != nil {
		return turnOutcome{}, fmt.Errorf("understand: %w", err)
	}
	if res.Call == nil {
		return turnOutcome{
			reply:        fallbackReply(res),
			stateType:    stateTypeOf(st),
			failureClass: failureClassFor(res.Reason),
		}, nil
	}

	return e.gate(ctx, meta, key, st, bundle, res.Call)
}

// gate 把提议的调用交给安全门裁决并落实裁决结果。
func (e *Engine) gate(ctx context.Context, meta registry.TurnMeta, key storage.StateKey, st *state.State, bundle *turnctx.Bundle, call *registry.ToolCall) (turnOutcome, error) {
	verdict := e.guard.Check(call, bundle, st)

	switch verdict.Verdict {
	case guardian.VerdictReject:
		if err := e.disp.RecordRejection(ctx, meta, call, verdict.Reason); err != nil {
			fmt.Printf("[WARN] Failed to audit rejection: %v\n", err)
		}
		return turnOutcome{
			reply:      verdict.Reason,
			toolName:   call.Name,
			verdict:    string(verdict.Verdict),
			stateType:  stateTypeOf(st),
			confidence: call.Confidence,
		}, nil

	case guardian.VerdictNeedsConfirmation:
		pending := &state.PendingAction{Tool: call.Name, Params: call.Params}
		var next *state.State
		if st != nil {
			// 已有状态整体替换为新的待确认状态，沿用乐观锁句柄
			st.Type = state.TypeConfirmation
			st.Pending = pending
			st.Payload = nil
			next = st
		} else {
			next = state.NewConfirmation(key, *pending)
		}
		if err := e.states.Save(ctx, next); err != nil {
			return turnOutcome{}, err
		}
		return turnOutcome{
			reply:      verdict.Question,
			toolName:   call.Name,
			verdict:    string(verdict.Verdict),
			stateType:  state.TypeConfirmation,
			confidence: call.Confidence,
		}, nil

	default:
		return e.execute(ctx, meta, key, st, call, string(verdict.Verdict))
	}
}

// execute 执行已批准的调用。成功后清掉会话状态，失败保留状态以便重试。
// 工具输出携带可回指列表（items）时，成功后改存 list_context 状态，
// 下一轮用户按序数回指即可确定性复原动作。
func (e *Engine) execute(ctx context.Context, meta registry.TurnMeta, key storage.StateKey, st *state.State, call *registry.ToolCall, verdict string) (turnOutcome, error) {
	res, err := e.disp.Execute(ctx, meta, call, verdict)
	if err != nil {
		return turnOutcome{}, fmt.Errorf("dispatch: %w", err)
	}

	if res.FailureClass != "" {
		return turnOutcome{
			reply:        replyExecuteFailed,
			toolName:     call.Name,
			verdict:      verdict,
			stateType:    stateTypeOf(st),
			confidence:   call.Confidence,
			failureClass: res.FailureClass,
		}, nil
	}

	outcome := turnOutcome{
		reply:      successReply(res.Output),
		toolName:   call.Name,
		verdict:    verdict,
		stateType:  state.TypeNormal,
		confidence: call.Confidence,
		executed:   true,
	}

	// 动作已执行完毕，状态保存失败不再回卷整轮：降级为无状态继续。
	if payload, ok := listPayloadFromOutput(res.Output); ok {
		if err := e.saveListContext(ctx, key, st, payload); err != nil {
			fmt.Printf("[WARN] Failed to save list context: %v\n", err)
		} else {
			outcome.stateType = state.TypeListContext
			return outcome, nil
		}
	}

	if err := e.states.Clear(ctx, key); err != nil {
		fmt.Printf("[WARN] Failed to clear state: %v\n", err)
	}
	return outcome, nil
}

// saveListContext 把执行结果里的列表存成会话状态。已有状态整体替换，
// 沿用乐观锁句柄。
func (e *Engine) saveListContext(ctx context.Context, key storage.StateKey, st *state.State, payload state.ListPayload) error {
	var next *state.State
	if st != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode list payload: %w", err)
		}
		st.Type = state.TypeListContext
		st.Pending = nil
		st.Payload = data
		next = st
	} else {
		var err error
		next, err = state.NewListContext(key, payload)
		if err != nil {
			return err
		}
	}
	return e.states.Save(ctx, next)
}

// listPayloadFromOutput 从工具输出 JSON 中解出可回指列表。
// 只有带可复原动作（tool 非空）的项才计入；一项都没有则不进入列表状态。
func listPayloadFromOutput(output string) (state.ListPayload, bool) {
	var envelope struct {
		Items []state.ListItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(output), &envelope); err != nil {
		return state.ListPayload{}, false
	}

	var payload state.ListPayload
	for _, item := range envelope.Items {
		if item.Tool == "" {
			continue
		}
		payload.Items = append(payload.Items, item)
	}
	return payload, len(payload.Items) > 0
}

// stateTypeOf 返回一个状态的类型；无状态按 normal 计（观测用）。
func stateTypeOf(st *state.State) state.Type {
	if st == nil {
		return state.TypeNormal
	}
	return st.Type
}

// deterministicConfidence 用于确认/列表回指这类不经 LLM 的确定性路径。
func deterministicConfidence() registry.ConfidenceScores {
	return registry.ConfidenceScores{Intent: 1, Params: 1, Safety: 1}
}

func failureClassFor(reason understand.Reason) string {
	switch reason {
	case understand.ReasonNone, understand.ReasonNoToolCall:
		return ""
	default:
		return string(reason)
	}
}
