package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wwwzy/DeskAgent/internal/storage"
)

// RetentionCollector 按保留时长分批清理指标表与审计表。
type RetentionCollector struct {
	cfg RetentionConfig

	store *storage.Storage
}

func NewRetentionCollector(store *storage.Storage, cfg RetentionConfig) (*RetentionCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &RetentionCollector{cfg: cfg.withDefaults(), store: store}, nil
}

func (c *RetentionCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}

	if err := c.runOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.runOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

func (c *RetentionCollector) runOnce(ctx context.Context, now time.Time) error {
	metricsCut := now.Add(-c.cfg.MetricsKeep)
	auditCut := now.Add(-c.cfg.AuditKeep)

	tasks := []func(context.Context) error{
		func(ctx context.Context) error {
			return c.deleteLoop(ctx, func(ctx context.Context) (int64, error) {
				return c.store.DeleteTurnMetricsBeforeLimited(ctx, metricsCut, c.cfg.BatchRows)
			})
		},
		func(ctx context.Context) error {
			return c.deleteLoop(ctx, func(ctx context.Context) (int64, error) {
				return c.store.DeleteAuditRecordsBeforeLimited(ctx, auditCut, c.cfg.BatchRows)
			})
		},
	}

	workers := c.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	jobs := make(chan func(context.Context) error)
	errs := make(chan error, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			return ctx.Err()
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			c.cfg.OnError(err)
			return err
		}
	}
	return nil
}

// deleteLoop 分批删除直到没有命中行，批与批之间按配置小睡，避免长事务压垮库。
func (c *RetentionCollector) deleteLoop(ctx context.Context, del func(context.Context) (int64, error)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		affected, err := del(ctx)
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return err
		}
	}
}

func (c *RetentionCollector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Prune 按给定留存策略立即执行一次全量清理。storage 子命令用。
func Prune(ctx context.Context, store *storage.Storage, cfg RetentionConfig) error {
	c, err := NewRetentionCollector(store, cfg)
	if err != nil {
		return err
	}
	return c.runOnce(ctx, time.Now().UTC())
}
