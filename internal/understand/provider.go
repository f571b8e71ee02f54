// Package understand 负责"意图理解"：把上下文包与本轮消息交给 LLM，
// 从回复里解析出一个候选工具调用与各维度置信度。
//
// LLM 是外部的非确定性依赖，统一藏在 eino 的 ToolCallingChatModel 接口后面，
// 便于测试时换成确定性桩。限流/超时等瞬态失败在本包内做有限重试，
// 重试耗尽后降级为"无动作提议 + 原因码"，绝不向上抛崩溃。
package understand

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// ArkConfig 为 Ark 模型接入配置。
type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

type Config struct {
	// Provider 选择模型供应商；按配置选定，不做逐次调用的动态切换。
	Provider string    `mapstructure:"provider"`
	Ark      ArkConfig `mapstructure:"ark"`

	// CallTimeout 为单次模型调用的超时。
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// MaxRetries 为瞬态失败的最大重试次数（不含首次调用）。
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBackoff 为重试间隔基数；第 n 次重试等待 n*RetryBackoff。
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

func DefaultConfig() Config {
	return Config{
		Provider:     "ark",
		CallTimeout:  30 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

// NewChatModel 按配置初始化模型供应商。
func NewChatModel(ctx context.Context, cfg Config) (model.ToolCallingChatModel, error) {
	cfg = cfg.withDefaults()

	switch cfg.Provider {
	case "ark":
		if cfg.Ark.APIKey == "" || cfg.Ark.ModelID == "" {
			return nil, fmt.Errorf("ark api_key and model_id must be set")
		}
		cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey:  cfg.Ark.APIKey,
			Model:   cfg.Ark.ModelID,
			BaseURL: cfg.Ark.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init ark chat model: %w", err)
		}
		return cm, nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
