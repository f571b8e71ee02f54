// Package guardian 是"提议"与"执行"之间的安全门。
//
// 规则分组固定顺序执行：静态危险分类 → 数量/收件人阈值 → 跨参数一致性 →
// 日期合理性 → 组织教导（只能调整前两组，永远不能绕过一致性检查）。
// 裁决优先级 reject > needs_confirmation > auto_approve。
// 确认问题由工具名与已绑定参数确定性生成，不回问 LLM——问题必须可复现、可测试。
package guardian

import (
	"fmt"
	"time"

	"github.com/wwwzy/DeskAgent/internal/registry"
	"github.com/wwwzy/DeskAgent/internal/state"
	"github.com/wwwzy/DeskAgent/internal/turnctx"
)

// Verdict 为安全门裁决。
type Verdict string

const (
	VerdictAutoApprove       Verdict = "auto_approve"
	VerdictNeedsConfirmation Verdict = "needs_confirmation"
	VerdictReject            Verdict = "reject"
)

// Result 为一次检查的产出。
type Result struct {
	Verdict Verdict
	// TriggeredRules 为触发的规则名列表（含被教导调整的记录）。
	TriggeredRules []string
	// Question 为需要确认时的确认问题（日本語、确定性生成）。
	Question string
	// Reason 为拒绝时给用户看的理由。
	Reason string
}

type Config struct {
	// MagnitudeThreshold 为数量/收件人确认阈值；达到即强制确认。
	MagnitudeThreshold int `mapstructure:"magnitude_threshold"`
	// MaxPastDays/MaxFutureDays 为日期合理区间；出界触发确认（不是拒绝）。
	MaxPastDays   int `mapstructure:"max_past_days"`
	MaxFutureDays int `mapstructure:"max_future_days"`
	// ConfidenceFloor 为置信度下限：任一维度低于下限即强制确认。
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
}

func DefaultConfig() Config {
	return Config{
		MagnitudeThreshold: 10,
		MaxPastDays:        365,
		MaxFutureDays:      730,
		ConfidenceFloor:    0.6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MagnitudeThreshold <= 0 {
		c.MagnitudeThreshold = d.MagnitudeThreshold
	}
	if c.MaxPastDays <= 0 {
		c.MaxPastDays = d.MaxPastDays
	}
	if c.MaxFutureDays <= 0 {
		c.MaxFutureDays = d.MaxFutureDays
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = d.ConfidenceFloor
	}
	return c
}

type Guardian struct {
	cfg Config
	reg *registry.Registry

	now func() time.Time
}

func NewGuardian(reg *registry.Registry, cfg Config) (*Guardian, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	return &Guardian{cfg: cfg.withDefaults(), reg: reg, now: time.Now}, nil
}

// WithClock 注入时钟，测试用。
func (g *Guardian) WithClock(now func() time.Time) *Guardian {
	if g == nil {
		return nil
	}
	if now != nil {
		g.now = now
	}
	return g
}

// Check 对一个候选工具调用做安全裁决。纯函数：只读配置、目录与上下文。
func (g *Guardian) Check(call *registry.ToolCall, bundle *turnctx.Bundle, st *state.State) Result {
	if g == nil || call == nil {
		return Result{Verdict: VerdictReject, Reason: "内部エラーが発生しました。", TriggeredRules: []string{"invalid_input"}}
	}

	entry, ok := g.reg.Get(call.Name)
	if !ok {
		// 到这里之前理解模块已校验过目录；仍然兜底拒绝而不是放行。
		return Result{Verdict: VerdictReject, Reason: "この操作は利用できません。", TriggeredRules: []string{"unknown_tool"}}
	}

	var teachings []turnctx.TeachingRecord
	if bundle != nil {
		teachings = bundle.Teachings
	}

	var triggered []string
	needsConfirm := false
	rejected := false
	rejectReason := ""

	// (a) 静态危险分类。教导可以放宽（loosen）这一组。
	if entry.RequiresConfirmation || entry.Danger == registry.DangerDangerous {
		if loosened, rule := loosenedByTeaching(teachings, call.Name); loosened {
			triggered = append(triggered, rule)
		} else {
			triggered = append(triggered, "danger_class")
			needsConfirm = true
		}
	}

	// 置信度下限：理解模块没把握的提议一律先问人。教导不作用于该组。
	if minScore(call.Confidence) < g.cfg.ConfidenceFloor {
		triggered = append(triggered, "low_confidence")
		needsConfirm = true
	}

	// (b) 数量/收件人阈值。教导可以收紧或放宽阈值。
	threshold := effectiveThreshold(g.cfg.MagnitudeThreshold, teachings, call.Name, &triggered)
	if magnitude := magnitudeOf(call.Params); magnitude >= threshold {
		triggered = append(triggered, "magnitude")
		needsConfirm = true
	}

	// (c) 跨参数一致性。教导永远不能绕过这一组。
	if rule, reason, bad := checkConsistency(call.Params); bad {
		triggered = append(triggered, rule)
		rejected = true
		rejectReason = reason
	}

	// (d) 日期合理性：远过去/远未来触发确认，不是拒绝。
	if !rejected {
		if rule, bad := g.checkDatePlausibility(call.Params); bad {
			triggered = append(triggered, rule)
			needsConfirm = true
		}
	}

	switch {
	case rejected:
		return Result{Verdict: VerdictReject, TriggeredRules: triggered, Reason: rejectReason}
	case needsConfirm:
		return Result{
			Verdict:        VerdictNeedsConfirmation,
			TriggeredRules: triggered,
			Question:       ConfirmationQuestion(call.Name, call.Params),
		}
	default:
		return Result{Verdict: VerdictAutoApprove, TriggeredRules: triggered}
	}
}

func minScore(c registry.ConfidenceScores) float64 {
	min := c.Intent
	if c.Params < min {
		min = c.Params
	}
	if c.Safety < min {
		min = c.Safety
	}
	return min
}

// loosenedByTeaching 判断是否有教导放宽了该工具的静态确认要求。
func loosenedByTeaching(teachings []turnctx.TeachingRecord, tool string) (bool, string) {
	for _, t := range teachings {
		if t.Kind != "loosen" {
			continue
		}
		if t.ToolPattern != "" && t.ToolPattern != tool {
			continue
		}
		if t.MagnitudeThreshold > 0 {
			// 阈值类教导只作用于 (b) 组
			continue
		}
		return true, "teaching:" + t.RuleName
	}
	return false, ""
}

// effectiveThreshold 应用阈值类教导后得到生效阈值。tighten 取更小值，loosen 取更大值。
func effectiveThreshold(base int, teachings []turnctx.TeachingRecord, tool string, triggered *[]string) int {
	threshold := base
	for _, t := range teachings {
		if t.MagnitudeThreshold <= 0 {
			continue
		}
		if t.ToolPattern != "" && t.ToolPattern != tool {
			continue
		}
		switch t.Kind {
		case "tighten":
			if t.MagnitudeThreshold < threshold {
				threshold = t.MagnitudeThreshold
				*triggered = append(*triggered, "teaching:"+t.RuleName)
			}
		case "loosen":
			if t.MagnitudeThreshold > threshold {
				threshold = t.MagnitudeThreshold
				*triggered = append(*triggered, "teaching:"+t.RuleName)
			}
		}
	}
	return threshold
}

// magnitudeOf 从参数里提取"规模"：收件人列表长度与数量类数值参数的最大值。
func magnitudeOf(params map[string]interface{}) int {
	magnitude := 0
	for name, v := range params {
		switch name {
		case "recipients":
			if arr, ok := v.([]interface{}); ok && len(arr) > magnitude {
				magnitude = len(arr)
			}
			if arr, ok := v.([]string); ok && len(arr) > magnitude {
				magnitude = len(arr)
			}
		case "count", "quantity", "amount":
			if n, ok := asInt(v); ok && n > magnitude {
				magnitude = n
			}
		}
	}
	return magnitude
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

const dateLayout = "2006-01-02"

// 参数名按 (start, end) 配对做一致性检查。
var dateRangePairs = [][2]string{
	{"period_start", "period_end"},
	{"start_date", "end_date"},
}

// checkConsistency 检查跨参数一致性。解析不了的日期同样拒绝：无法校验的就不执行。
func checkConsistency(params map[string]interface{}) (rule, reason string, bad bool) {
	for _, pair := range dateRangePairs {
		startRaw, hasStart := stringParam(params, pair[0])
		endRaw, hasEnd := stringParam(params, pair[1])
		if !hasStart || !hasEnd {
			continue
		}

		start, err1 := time.Parse(dateLayout, startRaw)
		end, err2 := time.Parse(dateLayout, endRaw)
		if err1 != nil || err2 != nil {
			return "date_parse", "日付の形式が正しくありません。", true
		}
		if end.Before(start) {
			return "date_range_order", "終了日が開始日より前になっています。", true
		}
	}
	return "", "", false
}

// 日期合理性检查覆盖的参数。
var dateParams = []string{"due_date", "period_start", "period_end", "start_date", "end_date"}

func (g *Guardian) checkDatePlausibility(params map[string]interface{}) (string, bool) {
	now := g.now().UTC()
	pastCut := now.AddDate(0, 0, -g.cfg.MaxPastDays)
	futureCut := now.AddDate(0, 0, g.cfg.MaxFutureDays)

	for _, name := range dateParams {
		raw, ok := stringParam(params, name)
		if !ok {
			continue
		}
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			// 格式问题归 (c) 组处理
			continue
		}
		if d.Before(pastCut) || d.After(futureCut) {
			return "date_plausibility", true
		}
	}
	return "", false
}

func stringParam(params map[string]interface{}, name string) (string, bool) {
	v, ok := params[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
