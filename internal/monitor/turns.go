package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/wwwzy/DeskAgent/internal/storage"
)

// TurnCollector 收集每轮决策指标并批量落库。
//
// Record 在决策路径上被调用，必须非阻塞：队列满时丢弃指标而不是等待。
// 指标只做事后检查用，丢一条不影响正确性。
type TurnCollector struct {
	cfg TurnsConfig

	store *storage.Storage
	queue chan storage.TurnMetric
}

func NewTurnCollector(store *storage.Storage, cfg TurnsConfig) (*TurnCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	cfg = cfg.withDefaults()
	return &TurnCollector{
		cfg:   cfg,
		store: store,
		queue: make(chan storage.TurnMetric, cfg.QueueSize),
	}, nil
}

// Record 入队一条指标。队列满时直接丢弃。
func (c *TurnCollector) Record(m storage.TurnMetric) {
	if c == nil || c.queue == nil {
		return
	}
	select {
	case c.queue <- m:
	default:
		// 队列满：丢弃
	}
}

func (c *TurnCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("turn collector not initialized")
	}

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]storage.TurnMetric, 0, c.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// 退出路径也要把缓冲写完，用独立的短超时上下文
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.InsertTurnMetrics(flushCtx, batch); err != nil {
			c.cfg.OnError(err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// 清空队列里残留的指标再退出
			for {
				select {
				case m := <-c.queue:
					batch = append(batch, m)
					if len(batch) >= c.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return nil
				}
			}
		case m := <-c.queue:
			batch = append(batch, m)
			if len(batch) >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
