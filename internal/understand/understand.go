package understand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/DeskAgent/internal/registry"
	"github.com/wwwzy/DeskAgent/internal/turnctx"
)

// Reason 为"无动作提议"的原因码。
type Reason string

const (
	// ReasonNone 表示成功提议了一个工具调用。
	ReasonNone Reason = ""
	// ReasonNoToolCall 表示模型选择直接回答，不需要动作。
	ReasonNoToolCall Reason = "no_tool_call"
	// ReasonProviderError 表示瞬态供应商失败（限流/超时），重试已耗尽。
	ReasonProviderError Reason = "provider_error"
	// ReasonUnknownTool 表示模型报出了目录之外的工具名。
	ReasonUnknownTool Reason = "unknown_tool"
	// ReasonMissingParam 表示必填参数缺失（绝不猜测补全）。
	ReasonMissingParam Reason = "missing_param"
	// ReasonMalformed 表示参数 JSON 无法解析。
	ReasonMalformed Reason = "malformed_output"
)

// Result 为一次理解的产出。Call 为 nil 时 Reason 说明原因，
// Reply 为模型的直接文本回复（可为空，引擎会兜底）。
type Result struct {
	Call   *registry.ToolCall
	Reply  string
	Reason Reason
}

type Module struct {
	cfg Config
	cm  model.ToolCallingChatModel

	now func() time.Time
}

// NewModule 用已初始化的模型构建理解模块。测试时传入确定性桩。
func NewModule(cm model.ToolCallingChatModel, cfg Config) (*Module, error) {
	if cm == nil {
		return nil, errors.New("chat model is required")
	}
	return &Module{cfg: cfg.withDefaults(), cm: cm, now: time.Now}, nil
}

// WithClock 注入时钟，测试用。
func (m *Module) WithClock(now func() time.Time) *Module {
	if m == nil {
		return nil
	}
	if now != nil {
		m.now = now
	}
	return m
}

// Understand 把上下文包与本轮消息交给模型，解析出候选工具调用。
//
// 所有失败路径（供应商错误、格式错误的输出）都折叠进 Result 的原因码，
// 返回 error 仅表示编程层面的异常（模块未初始化等）。
func (m *Module) Understand(ctx context.Context, bundle *turnctx.Bundle, message string, reg *registry.Registry) (Result, error) {
	if m == nil || m.cm == nil {
		return Result{}, errors.New("understand module not initialized")
	}
	if bundle == nil {
		return Result{}, errors.New("bundle is required")
	}
	if reg == nil {
		return Result{}, errors.New("registry is required")
	}

	messages, err := m.buildMessages(ctx, bundle, message)
	if err != nil {
		return Result{}, fmt.Errorf("build messages: %w", err)
	}

	tcm, err := m.cm.WithTools(reg.ToolInfos())
	if err != nil {
		return Result{}, fmt.Errorf("bind tools: %w", err)
	}

	aiMsg, callErr := m.generateWithRetry(ctx, tcm, messages)
	if callErr != nil {
		return Result{Reason: ReasonProviderError}, nil
	}

	return m.parse(aiMsg, reg), nil
}

func (m *Module) buildMessages(ctx context.Context, bundle *turnctx.Bundle, message string) ([]*schema.Message, error) {
	template := NewChatTemplate()
	vars := templateVars(bundle, m.now().Format(time.RFC3339))
	msgs, err := template.Format(ctx, vars)
	if err != nil {
		return nil, err
	}

	// 最新一条用户消息由调用方单独传入，避免依赖消息流水是否已包含它
	msgs = append(msgs, schema.UserMessage(message))
	return msgs, nil
}

// generateWithRetry 做有限次数的退避重试。超时按供应商失败处理，不留悬挂调用。
func (m *Module) generateWithRetry(ctx context.Context, cm model.ToolCallingChatModel, messages []*schema.Message) (*schema.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * m.cfg.RetryBackoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		aiMsg, err := cm.Generate(callCtx, messages)
		cancel()
		if err == nil && aiMsg != nil {
			return aiMsg, nil
		}
		if err == nil {
			err = errors.New("empty response")
		}
		lastErr = err

		// 外层 context 已取消时不再重试
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// parse 从助手回复中解析工具调用与置信度。
// 非法输出（未知工具、必填缺失、参数 JSON 损坏）一律走无动作路径。
func (m *Module) parse(aiMsg *schema.Message, reg *registry.Registry) Result {
	reply := stripConfidence(aiMsg.Content)

	if len(aiMsg.ToolCalls) == 0 {
		return Result{Reply: reply, Reason: ReasonNoToolCall}
	}

	// 一轮最多一次模型调用、一次动作提议；多余的调用忽略首个之外的部分。
	tc := aiMsg.ToolCalls[0]
	name := tc.Function.Name

	params := map[string]interface{}{}
	args := strings.TrimSpace(tc.Function.Arguments)
	if args != "" && args != "null" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return Result{Reply: reply, Reason: ReasonMalformed}
		}
	}

	validated, err := reg.ValidateParams(name, params)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownTool) {
			return Result{Reply: reply, Reason: ReasonUnknownTool}
		}
		return Result{Reply: reply, Reason: ReasonMissingParam}
	}

	return Result{
		Call: &registry.ToolCall{
			Name:       name,
			Params:     validated,
			Confidence: extractConfidence(aiMsg.Content),
		},
		Reply: reply,
	}
}
