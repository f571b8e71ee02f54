// Package monitor 为后台观测与维护：轮次指标落库、留存清理、过期状态清扫。
// 所有组件都跑在决策路径之外，出错只影响观测，不影响回复用户。
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type Manager struct {
	cfg Config

	turns     *TurnCollector
	retention *RetentionCollector
	sweeper   *StateSweeper

	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runErrMu sync.Mutex
	runErr   error
}

func NewManager(cfg Config) (*Manager, error) {
	cfg.Turns = cfg.Turns.withDefaults()
	cfg.Retention = cfg.Retention.withDefaults()
	cfg.Sweeper = cfg.Sweeper.withDefaults()
	return &Manager{cfg: cfg}, nil
}

func (m *Manager) WithTurns(turns *TurnCollector) *Manager {
	if m == nil {
		return nil
	}
	m.turns = turns
	return m
}

func (m *Manager) WithRetention(retention *RetentionCollector) *Manager {
	if m == nil {
		return nil
	}
	m.retention = retention
	return m
}

func (m *Manager) WithSweeper(sweeper *StateSweeper) *Manager {
	if m == nil {
		return nil
	}
	m.sweeper = sweeper
	return m
}

// Turns 返回轮次采集器（引擎以 MetricSink 接入）；未启用时为 nil。
func (m *Manager) Turns() *TurnCollector {
	if m == nil {
		return nil
	}
	return m.turns
}

func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	type runner interface {
		Run(ctx context.Context) error
	}

	launch := func(r runner) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := r.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.runErrMu.Lock()
				if m.runErr == nil {
					m.runErr = err
				}
				m.runErrMu.Unlock()
				m.cancel()
			}
		}()
	}

	if m.cfg.Turns.Enabled {
		if m.turns == nil {
			m.cancel()
			return errors.New("turn collector is required when turns enabled")
		}
		launch(m.turns)
	}

	if m.cfg.Retention.Enabled {
		if m.retention == nil {
			m.cancel()
			return errors.New("retention collector is required when retention enabled")
		}
		launch(m.retention)
	}

	if m.cfg.Sweeper.Enabled {
		if m.sweeper == nil {
			m.cancel()
			return errors.New("state sweeper is required when sweeper enabled")
		}
		launch(m.sweeper)
	}

	return nil
}

func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
}

func (m *Manager) Wait() error {
	if m == nil {
		return nil
	}
	m.wg.Wait()
	m.runErrMu.Lock()
	defer m.runErrMu.Unlock()
	return m.runErr
}
