// Package truth 在同一逻辑事实存在多个候选来源（缓存、主库、实时外部系统）时，
// 按"来源优先级 + 新鲜度"挑选唯一权威值。
//
// 优先级表本身是配置而不是写死的逻辑：不同组织对同一字段类型可以有不同的裁决规则。
// Resolve 是纯函数（除注入的时钟外无任何副作用），便于独立测试。
package truth

import (
	"time"
)

// Source 标识候选值的来源类别。
type Source string

const (
	// SourceLive 为实时访问外部系统取得的值。
	SourceLive Source = "live"
	// SourcePrimary 为主存储中的值。
	SourcePrimary Source = "primary"
	// SourceCache 为缓存中的值。
	SourceCache Source = "cache"
	// SourceSnapshot 为离线快照中的值。
	SourceSnapshot Source = "snapshot"
)

// Candidate 为某个字段的一个候选值。
type Candidate struct {
	Value      interface{}
	Source     Source
	ObservedAt time.Time
}

// FieldRule 为某类字段的裁决规则。
type FieldRule struct {
	// Precedence 为来源优先级，排在前面的优先。未列出的来源排在所有已列出来源之后。
	Precedence []Source `mapstructure:"precedence"`
	// MaxAge 为候选最大可信年龄；超龄候选直接丢弃而不参与排序。<=0 表示不限制。
	MaxAge time.Duration `mapstructure:"max_age"`
}

// Config 为解析器配置：逐字段规则 + 默认规则。
type Config struct {
	Default FieldRule            `mapstructure:"default"`
	Fields  map[string]FieldRule `mapstructure:"fields"`
}

func DefaultConfig() Config {
	return Config{
		Default: FieldRule{
			Precedence: []Source{SourceLive, SourcePrimary, SourceCache, SourceSnapshot},
			MaxAge:     24 * time.Hour,
		},
	}
}

// Resolution 为裁决结果。Known=false 表示所有候选缺失或过期，
// 调用方必须把"未知"与"空值"区分处理，不得当作猜测出来的值使用。
type Resolution struct {
	Value      interface{}
	Source     Source
	ObservedAt time.Time
	Known      bool
}

type Resolver struct {
	cfg Config

	now func() time.Time
}

func NewResolver(cfg Config) *Resolver {
	if len(cfg.Default.Precedence) == 0 {
		cfg.Default = DefaultConfig().Default
	}
	return &Resolver{cfg: cfg, now: time.Now}
}

// WithClock 注入时钟，测试用。
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	if r == nil {
		return nil
	}
	if now != nil {
		r.now = now
	}
	return r
}

// Resolve 按字段规则从候选中挑出权威值。
//
// 规则：先按 MaxAge 丢弃过期候选；剩余候选按 Precedence 排名，
// 同来源取 ObservedAt 最新者；没有任何存活候选时返回 Known=false。
func (r *Resolver) Resolve(fieldID string, candidates []Candidate) Resolution {
	if r == nil {
		return Resolution{}
	}

	rule := r.cfg.Default
	if fr, ok := r.cfg.Fields[fieldID]; ok {
		if len(fr.Precedence) == 0 {
			fr.Precedence = rule.Precedence
		}
		rule = fr
	}

	now := r.now().UTC()

	best := Resolution{}
	bestRank := -1
	for _, c := range candidates {
		if c.Value == nil {
			continue
		}
		if rule.MaxAge > 0 && !c.ObservedAt.IsZero() && now.Sub(c.ObservedAt) > rule.MaxAge {
			continue
		}

		rank := sourceRank(rule.Precedence, c.Source)
		switch {
		case !best.Known:
			// 首个存活候选
		case rank < bestRank:
			// 来源优先级更高
		case rank == bestRank && c.ObservedAt.After(best.ObservedAt):
			// 同来源取更新者
		default:
			continue
		}

		best = Resolution{Value: c.Value, Source: c.Source, ObservedAt: c.ObservedAt, Known: true}
		bestRank = rank
	}

	return best
}

func sourceRank(precedence []Source, s Source) int {
	for i, p := range precedence {
		if p == s {
			return i
		}
	}
	// 未列出的来源统一排在已列出来源之后
	return len(precedence)
}
