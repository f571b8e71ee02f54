package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/wwwzy/DeskAgent/internal/storage"
)

// StateSweeper 定期清扫过期的会话状态。
//
// 读取路径本身做惰性过期（过期即视为不存在），清扫只是兜底回收存储，
// 所以落后几个周期也没有正确性问题。
type StateSweeper struct {
	cfg SweeperConfig

	store *storage.Storage
}

func NewStateSweeper(store *storage.Storage, cfg SweeperConfig) (*StateSweeper, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &StateSweeper{cfg: cfg.withDefaults(), store: store}, nil
}

func (s *StateSweeper) Run(ctx context.Context) error {
	if s == nil || s.store == nil {
		return errors.New("state sweeper not initialized")
	}

	if err := s.sweepOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweepOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

func (s *StateSweeper) sweepOnce(ctx context.Context, now time.Time) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		affected, err := s.store.DeleteExpiredConversationStates(ctx, now, s.cfg.BatchRows)
		if err != nil {
			s.cfg.OnError(err)
			return err
		}
		if affected == 0 {
			return nil
		}
	}
}
