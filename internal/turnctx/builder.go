package turnctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wwwzy/DeskAgent/internal/storage"
	"github.com/wwwzy/DeskAgent/internal/truth"
)

// ErrSenderLookup 表示发送者身份/权限获取失败。
// 与其他可选数据源不同，这个失败对整轮是致命的。
var ErrSenderLookup = errors.New("sender lookup failed")

type Config struct {
	// MaxRecentMessages 为纳入上下文的最近消息条数上限。
	MaxRecentMessages int `mapstructure:"max_recent_messages"`
	// MaxContextChars 为最近消息的字符预算；超出部分折叠进历史摘要。
	MaxContextChars int `mapstructure:"max_context_chars"`
	// MaxSummaryChars 为历史摘要自身的字符预算；超出时整体重新生成而非无限追加。
	MaxSummaryChars int `mapstructure:"max_summary_chars"`
	// MaxSnippets 为知识片段条数上限。
	MaxSnippets int `mapstructure:"max_snippets"`
	// SourceTimeout 为单个数据源查询的超时；超时按"该来源为空"降级处理。
	SourceTimeout time.Duration `mapstructure:"source_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxRecentMessages: 20,
		MaxContextChars:   8000,
		MaxSummaryChars:   2000,
		MaxSnippets:       10,
		SourceTimeout:     3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRecentMessages <= 0 {
		c.MaxRecentMessages = d.MaxRecentMessages
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = d.MaxContextChars
	}
	if c.MaxSummaryChars <= 0 {
		c.MaxSummaryChars = d.MaxSummaryChars
	}
	if c.MaxSnippets <= 0 {
		c.MaxSnippets = d.MaxSnippets
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = d.SourceTimeout
	}
	return c
}

// Store 为组装上下文所需的数据面。*storage.Storage 满足该接口；
// 测试可以包一层注入单源故障。
type Store interface {
	GetPerson(ctx context.Context, orgID, personID string) (*storage.Person, error)
	QueryRecentChatMessages(ctx context.Context, orgID, conversationID string, limit int) ([]storage.ChatMessage, error)
	GetHistorySummary(ctx context.Context, orgID, conversationID string) (*storage.HistorySummary, error)
	UpsertHistorySummary(ctx context.Context, sum *storage.HistorySummary) error
	QueryPreferences(ctx context.Context, orgID, userID string) ([]storage.Preference, error)
	QueryTasks(ctx context.Context, q storage.TaskQuery) ([]storage.Task, error)
	QueryGoals(ctx context.Context, q storage.GoalQuery) ([]storage.Goal, error)
	QueryKnowledgeSnippets(ctx context.Context, orgID string, limit int) ([]storage.KnowledgeSnippet, error)
	QueryTeachings(ctx context.Context, orgID string) ([]storage.Teaching, error)
}

type Builder struct {
	cfg      Config
	store    Store
	resolver *truth.Resolver
}

func NewBuilder(store Store, resolver *truth.Resolver, cfg Config) (*Builder, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if resolver == nil {
		resolver = truth.NewResolver(truth.DefaultConfig())
	}
	return &Builder{cfg: cfg.withDefaults(), store: store, resolver: resolver}, nil
}

// Build 组装本轮上下文包。
//
// 发送者查询失败（或查无此人）返回 ErrSenderLookup；
// 其余数据源并发查询，单源失败/超时退化为空列表。
func (b *Builder) Build(ctx context.Context, orgID, conversationID, senderID, incoming string) (*Bundle, error) {
	if b == nil || b.store == nil {
		return nil, errors.New("builder not initialized")
	}
	if orgID == "" || conversationID == "" || senderID == "" {
		return nil, errors.New("org, conversation and sender ids are required")
	}

	// 1. 发送者身份（致命路径，先于其他来源）
	sender, err := b.lookupSender(ctx, orgID, senderID)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		OrgID:          orgID,
		ConversationID: conversationID,
		Sender:         sender,
		Preferences:    map[string]string{},
	}

	// 2. 可选数据源并发查询。各自写独立的结果槽，无共享可变状态。
	var (
		wg       sync.WaitGroup
		messages []storage.ChatMessage
		summary  *storage.HistorySummary
		prefs    []storage.Preference
		tasks    []storage.Task
		goals    []storage.Goal
		snippets []storage.KnowledgeSnippet
		teachs   []storage.Teaching
	)

	fetch := func(fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, b.cfg.SourceTimeout)
			defer cancel()
			fn(srcCtx)
		}()
	}

	fetch(func(ctx context.Context) {
		if out, err := b.store.QueryRecentChatMessages(ctx, orgID, conversationID, b.cfg.MaxRecentMessages); err == nil {
			messages = out
		}
	})
	fetch(func(ctx context.Context) {
		if out, err := b.store.GetHistorySummary(ctx, orgID, conversationID); err == nil {
			summary = out
		}
	})
	fetch(func(ctx context.Context) {
		if out, err := b.store.QueryPreferences(ctx, orgID, senderID); err == nil {
			prefs = out
		}
	})
	fetch(func(ctx context.Context) {
		if out, err := b.store.QueryTasks(ctx, storage.TaskQuery{OrgID: orgID, AssigneeID: senderID}); err == nil {
			tasks = out
		}
	})
	fetch(func(ctx context.Context) {
		if out, err := b.store.QueryGoals(ctx, storage.GoalQuery{OrgID: orgID, OwnerID: senderID}); err == nil {
			goals = out
		}
	})
	fetch(func(ctx context.Context) {
		if out, err := b.store.QueryKnowledgeSnippets(ctx, orgID, b.cfg.MaxSnippets); err == nil {
			snippets = out
		}
	})
	fetch(func(ctx context.Context) {
		if out, err := b.store.QueryTeachings(ctx, orgID); err == nil {
			teachs = out
		}
	})

	wg.Wait()

	// 3. 偏好走 Truth Resolver：同一个键可能有多个来源的行，按来源优先级与新鲜度取一。
	bundle.Preferences = b.resolvePreferences(prefs)

	for _, t := range tasks {
		bundle.Tasks = append(bundle.Tasks, TaskRecord{
			ID: t.TaskID, Title: t.Title, AssigneeID: t.AssigneeID, Status: t.Status, DueAt: t.DueAt,
		})
	}
	for _, g := range goals {
		bundle.Goals = append(bundle.Goals, GoalRecord{ID: g.GoalID, OwnerID: g.OwnerID, Title: g.Title, Status: g.Status})
	}
	for _, sn := range snippets {
		bundle.Snippets = append(bundle.Snippets, Snippet{Content: sn.Content, Source: sn.Source, Score: sn.Score})
	}
	for _, te := range teachs {
		bundle.Teachings = append(bundle.Teachings, TeachingRecord{
			RuleName:           te.RuleName,
			Kind:               te.Kind,
			ToolPattern:        te.ToolPattern,
			MagnitudeThreshold: te.MagnitudeThreshold,
			Content:            te.Content,
		})
	}

	// 4. 套用字符预算：超出部分折叠进摘要（重新生成，不累加）。
	recent, folded := splitByBudget(messages, b.cfg.MaxContextChars)
	for _, m := range recent {
		bundle.RecentMessages = append(bundle.RecentMessages, Message{
			SenderID: m.SenderID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt,
		})
	}

	prior := ""
	if summary != nil {
		prior = summary.Summary
	}
	bundle.HistorySummary = prior

	if len(folded) > 0 {
		regenerated := renderSummary(prior, folded, b.cfg.MaxSummaryChars)
		bundle.HistorySummary = regenerated
		// 摘要持久化失败只影响下一轮的重算成本，按可选组件降级处理。
		_ = b.store.UpsertHistorySummary(ctx, &storage.HistorySummary{
			OrgID:          orgID,
			ConversationID: conversationID,
			Summary:        regenerated,
			CoveredUntil:   folded[len(folded)-1].CreatedAt,
		})
	}

	return bundle, nil
}

func (b *Builder) lookupSender(ctx context.Context, orgID, senderID string) (PersonRecord, error) {
	srcCtx, cancel := context.WithTimeout(ctx, b.cfg.SourceTimeout)
	defer cancel()

	p, err := b.store.GetPerson(srcCtx, orgID, senderID)
	if err != nil {
		return PersonRecord{}, fmt.Errorf("%w: %v", ErrSenderLookup, err)
	}
	if p == nil {
		return PersonRecord{}, fmt.Errorf("%w: unknown person %s", ErrSenderLookup, senderID)
	}

	var perms []string
	if p.PermissionsJSON != "" {
		// 权限解析失败按无权限处理，不中断整轮
		_ = json.Unmarshal([]byte(p.PermissionsJSON), &perms)
	}
	return PersonRecord{ID: p.PersonID, DisplayName: p.DisplayName, Role: p.Role, Permissions: perms}, nil
}

// resolvePreferences 把同键多来源的偏好行交给 Truth Resolver 裁决。
// 裁决结果为"未知"（全部过期）的键不出现在结果中——未知不等于空值。
func (b *Builder) resolvePreferences(prefs []storage.Preference) map[string]string {
	byKey := make(map[string][]truth.Candidate)
	for _, p := range prefs {
		byKey[p.Key] = append(byKey[p.Key], truth.Candidate{
			Value:      p.Value,
			Source:     truth.Source(p.Source),
			ObservedAt: p.ObservedAt,
		})
	}

	out := make(map[string]string, len(byKey))
	for key, candidates := range byKey {
		res := b.resolver.Resolve("preference."+key, candidates)
		if !res.Known {
			continue
		}
		if s, ok := res.Value.(string); ok {
			out[key] = s
		}
	}
	return out
}

// splitByBudget 从最旧一侧裁掉超预算的消息，返回 (保留, 折叠)。两段均保持时间正序。
func splitByBudget(messages []storage.ChatMessage, maxChars int) (recent, folded []storage.ChatMessage) {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	i := 0
	for i < len(messages) && total > maxChars {
		total -= len(messages[i].Content)
		i++
	}
	return messages[i:], messages[:i]
}

// renderSummary 将旧摘要与折叠消息合成新摘要，并强制执行摘要预算：
// 超出预算时保留末尾（最新）部分，整体重新生成而不是无限追加。
func renderSummary(prior string, folded []storage.ChatMessage, maxChars int) string {
	var sb strings.Builder
	if prior != "" {
		sb.WriteString(prior)
		sb.WriteString("\n")
	}
	for _, m := range folded {
		sb.WriteString(m.SenderID)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	s := strings.TrimSpace(sb.String())
	if len(s) <= maxChars {
		return s
	}

	// 按行保留末尾，直到放得下为止
	lines := strings.Split(s, "\n")
	for len(lines) > 1 {
		lines = lines[1:]
		s = strings.Join(lines, "\n")
		if len(s) <= maxChars {
			return s
		}
	}
	if len(s) > maxChars {
		s = s[len(s)-maxChars:]
	}
	return s
}
