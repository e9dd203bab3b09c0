package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/state"
)

// AutomationWorker 按轮询间隔运行告警引擎，并把结果推给界面
type AutomationWorker struct {
	interval time.Duration
	data     DataSource
	accounts *account.Store
	gui      GUI
	history  AlertRecorder
	factory  EngineFactory
	machine  *state.Machine
	logger   *zap.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// 引擎跨轮次保留，通知去重状态不丢失
	engines []alerts.Engine
	toggles string
}

// NewAutomationWorker 创建告警 worker，history 可为 nil
func NewAutomationWorker(interval time.Duration, data DataSource, accounts *account.Store, gui GUI, history AlertRecorder, factory EngineFactory, machine *state.Machine, logger *zap.Logger) *AutomationWorker {
	return &AutomationWorker{
		interval: interval,
		data:     data,
		accounts: accounts,
		gui:      gui,
		history:  history,
		factory:  factory,
		machine:  machine,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动告警循环，数据 worker 就绪后开始第一轮
func (w *AutomationWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.stopCh = make(chan struct{})
	w.running = true

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop 取消进行中的请求与重试，等当前一轮返回后退出
func (w *AutomationWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("Stopping automation worker")
	close(w.stopCh)
	w.wg.Wait()
	w.machine.Fire(state.EventStop)
	w.logger.Info("Automation worker stopped")
}

// Wake 立即开始下一轮，例如账号开关变化后
func (w *AutomationWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *AutomationWorker) run(ctx context.Context) {
	defer w.wg.Done()

	// Stop 时取消本轮的所有请求、重试与跨 worker 查询
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.machine.Fire(state.EventWaitSignal)
	w.logger.Info("Automation worker waiting for data worker")
	select {
	case <-w.data.Ready():
	case <-w.stopCh:
		return
	case <-ctx.Done():
		return
	}
	w.machine.Fire(state.EventStartLoop)
	w.logger.Info("Automation worker started", zap.Duration("interval", w.interval))

	for {
		if ctx.Err() != nil {
			return
		}
		w.cycle(ctx)

		timer := time.NewTimer(w.interval)
		select {
		case <-w.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func togglesKey(acc account.Account) string {
	key := make([]byte, 0, 3)
	for _, on := range []bool{acc.LateRides, acc.Batteries, acc.LongRides} {
		if on {
			key = append(key, '1')
		} else {
			key = append(key, '0')
		}
	}
	return string(key)
}

// currentEngines 开关变化时重建引擎
func (w *AutomationWorker) currentEngines() []alerts.Engine {
	acc := w.accounts.Get()
	key := togglesKey(acc)
	if w.engines == nil || key != w.toggles {
		w.engines = w.factory(acc, w)
		w.toggles = key
		w.logger.Info("Alert engines configured", zap.String("toggles", key), zap.Int("engines", len(w.engines)))
	}
	return w.engines
}

// cycle 并发运行一轮所有启用的引擎
func (w *AutomationWorker) cycle(ctx context.Context) {
	engines := w.currentEngines()
	if len(engines) == 0 {
		return
	}

	w.gui.Loading(true)
	defer w.gui.Loading(false)

	start := time.Now()
	var g errgroup.Group
	for _, e := range engines {
		e := e
		g.Go(func() error {
			if err := e.StartRequests(ctx, ""); err != nil {
				w.logger.Warn("Alert engine failed", zap.String("engine", e.Name()), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.machine.SetDetail(err.Error())
	} else {
		w.machine.SetDetail("")
	}
	w.logger.Debug("Alert cycle finished", zap.Duration("elapsed", time.Since(start)))
}

// PushRows 实现 alerts.Sink
func (w *AutomationWorker) PushRows(table string, rows []alerts.Row) {
	w.gui.PushRows(table, rows)
}

// ShowToast 实现 alerts.Sink，同时写入告警历史
func (w *AutomationWorker) ShowToast(t alerts.Toast) {
	w.gui.ShowToast(t)
	if w.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &models.AlertRecord{
		Kind:      t.Kind,
		RideID:    t.RideID,
		Title:     t.Title,
		Message:   t.Message,
		CreatedAt: time.Now(),
	}
	if err := w.history.Record(ctx, rec); err != nil {
		w.logger.Warn("Failed to record alert", zap.String("kind", t.Kind), zap.Error(err))
	}
}

// RequestLocation 实现 alerts.Sink
func (w *AutomationWorker) RequestLocation(ctx context.Context, plate string) (string, error) {
	return w.data.Locate(ctx, plate)
}

// RequestToken 实现 alerts.Sink
func (w *AutomationWorker) RequestToken(ctx context.Context, backend models.Backend) (string, error) {
	return w.data.Token(ctx, backend)
}
