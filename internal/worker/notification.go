package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/api/crm"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/state"
)

var platePattern = regexp.MustCompile(`\d{2,3}-\d{2,3}-\d{2,3}`)

// NotificationConfig 通知过滤规则
type NotificationConfig struct {
	MaxAge   time.Duration
	Keywords []string // 标题含关键字的电量类通知跳过
	Icons    map[models.Backend]string
}

type notificationBatch struct {
	backend models.Backend
	items   []models.Notification
}

// NotificationWorker 处理 CRM 推送通知：过滤、取正文、提取车牌后弹出通知
type NotificationWorker struct {
	cfg     NotificationConfig
	clients map[models.Backend]*crm.Client
	cookies CookieSource
	sink    func(alerts.Toast)
	machine *state.Machine
	logger  *zap.Logger
	now     func() time.Time

	queue chan notificationBatch

	seenMu sync.Mutex
	seen   map[string]time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewNotificationWorker 创建通知 worker。sink 通常是告警 worker 的 ShowToast，以便写入告警历史
func NewNotificationWorker(cfg NotificationConfig, clients map[models.Backend]*crm.Client, cookies CookieSource, sink func(alerts.Toast), machine *state.Machine, logger *zap.Logger) *NotificationWorker {
	return &NotificationWorker{
		cfg:     cfg,
		clients: clients,
		cookies: cookies,
		sink:    sink,
		machine: machine,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan notificationBatch, 32),
		seen:    make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
}

// Start 启动处理循环
func (w *NotificationWorker) Start(ctx context.Context) {
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

// Stop 停止处理循环
func (w *NotificationWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.machine.Fire(state.EventStop)
}

// Enqueue 放入一批通知，队列满时丢弃
func (w *NotificationWorker) Enqueue(backend models.Backend, items []models.Notification) {
	select {
	case w.queue <- notificationBatch{backend: backend, items: items}:
	default:
		w.logger.Warn("Notification queue full, dropping batch", zap.String("backend", string(backend)), zap.Int("items", len(items)))
	}
}

func (w *NotificationWorker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case b := <-w.queue:
			w.machine.Fire(state.EventProcess)
			w.process(ctx, b)
			w.machine.Fire(state.EventProcessed)
		}
	}
}

// Filter 丢弃过期、重复、电量相关的通知
func (w *NotificationWorker) Filter(items []models.Notification) []models.Notification {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()

	now := w.now()
	for id, at := range w.seen {
		if now.Sub(at) > 2*w.cfg.MaxAge {
			delete(w.seen, id)
		}
	}

	var out []models.Notification
	for _, n := range items {
		if w.cfg.MaxAge > 0 && now.Sub(n.CreatedOn) > w.cfg.MaxAge {
			continue
		}
		if _, dup := w.seen[n.ID]; dup {
			continue
		}
		w.seen[n.ID] = n.CreatedOn
		if batteryTitle(n.Title, w.cfg.Keywords) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func batteryTitle(title string, keywords []string) bool {
	lower := strings.ToLower(title)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// ExtractPlate 正文中的车牌号
func ExtractPlate(text string) string {
	return platePattern.FindString(text)
}

func (w *NotificationWorker) process(ctx context.Context, b notificationBatch) {
	items := w.Filter(b.items)
	if len(items) == 0 {
		return
	}

	bodies := w.fetchBodies(ctx, b.backend, items)
	for i, n := range items {
		text := bodies[i]
		if text == "" {
			text = crm.StripHTML(n.Body)
		}
		plate := ExtractPlate(text)

		message := text
		if plate != "" {
			message = fmt.Sprintf("%s\n%s", plate, text)
		}
		w.sink(alerts.Toast{
			Title:   n.Title,
			Message: message,
			Icon:    w.cfg.Icons[b.backend],
			Kind:    models.KindNotification,
			RideID:  plate,
		})
	}
}

// fetchBodies 取引用实体的正文，失败时返回空字符串，由调用方回退到通知自带正文
func (w *NotificationWorker) fetchBodies(ctx context.Context, backend models.Backend, items []models.Notification) []string {
	bodies := make([]string, len(items))

	var refs []crm.Ref
	var idx []int
	for i, n := range items {
		if ref, ok := crm.ParseRef(n.Body); ok {
			refs = append(refs, ref)
			idx = append(idx, i)
		}
	}
	client := w.clients[backend]
	if len(refs) == 0 || client == nil {
		return bodies
	}

	cookie, err := w.cookies.Cookies(ctx, backend)
	if err != nil || cookie == "" {
		w.logger.Warn("No CRM cookies for notification bodies", zap.String("backend", string(backend)), zap.Error(err))
		return bodies
	}

	fetched, err := client.FetchBodies(ctx, cookie, refs)
	if err != nil {
		w.logger.Warn("Failed to fetch notification bodies", zap.String("backend", string(backend)), zap.Error(err))
		return bodies
	}
	for j, text := range fetched {
		if j < len(idx) {
			bodies[idx[j]] = text
		}
	}
	return bodies
}
