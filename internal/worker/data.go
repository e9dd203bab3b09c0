package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/api/crm"
	"github.com/langchou/fleetalert/internal/bridge"
	"github.com/langchou/fleetalert/internal/browser"
	"github.com/langchou/fleetalert/internal/config"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/pointer"
	"github.com/langchou/fleetalert/internal/state"
)

type taskKind string

const (
	taskOpenURL       taskKind = "open_url"
	taskLocate        taskKind = "locate"
	taskToken         taskKind = "token"
	taskCookies       taskKind = "cookies"
	taskReloadPointer taskKind = "reload_pointer"
	taskReinit        taskKind = "reinit"
)

type task struct {
	kind    taskKind
	id      string
	key     string
	payload string
}

// query 同一类查询串行发出，避免互相顶替
type query struct {
	mu   sync.Mutex
	slot bridge.Slot[string]
}

// NotificationHandler 收到 CRM 通知列表时的回调
type NotificationHandler func(backend models.Backend, items []models.Notification)

// DataWorker 独占浏览器：初始化页面、维持登录、应答其他 worker 的查询
type DataWorker struct {
	cfg      *config.Config
	browser  Browser
	flow     *pointer.Flow
	selector string
	accounts *account.Store
	gui      GUI
	machine  *state.Machine
	logger   *zap.Logger

	tasks    chan task
	codes    chan string
	relaunch chan error
	ready    chan struct{}
	once     sync.Once

	qmu     sync.Mutex
	queries map[string]*query

	mu             sync.RWMutex
	running        bool
	stopCh         chan struct{}
	wg             sync.WaitGroup
	cron           *cron.Cron
	sessionCancel  context.CancelFunc
	logins         int
	onNotification NotificationHandler
}

// NewDataWorker 创建数据 worker。flow 为 nil 时不使用定位服务
func NewDataWorker(cfg *config.Config, b Browser, flow *pointer.Flow, accounts *account.Store, gui GUI, machine *state.Machine, logger *zap.Logger) *DataWorker {
	return &DataWorker{
		cfg:      cfg,
		browser:  b,
		flow:     flow,
		selector: pointer.DefaultSelectors().OTPInput,
		accounts: accounts,
		gui:      gui,
		machine:  machine,
		logger:   logger,
		tasks:    make(chan task, 64),
		codes:    make(chan string, 1),
		relaunch: make(chan error, 1),
		ready:    make(chan struct{}),
		queries:  make(map[string]*query),
		stopCh:   make(chan struct{}),
	}
}

// OnNotification 设置通知回调，需在 Start 前调用
func (w *DataWorker) OnNotification(fn NotificationHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onNotification = fn
}

// Start 启动浏览器和服务循环
func (w *DataWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.stopCh = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	w.logger.Info("Starting data worker")

	if err := w.browser.Launch(ctx); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.machine.Fire(state.EventStop)
		return fmt.Errorf("launch browser: %w", err)
	}

	w.cron = cron.New()
	if w.cfg.PointerRefreshInterval > 0 {
		spec := "@every " + w.cfg.PointerRefreshInterval.String()
		if _, err := w.cron.AddFunc(spec, func() {
			if err := w.enqueue(task{kind: taskReloadPointer}); err != nil {
				w.logger.Debug("Skipped pointer reload", zap.Error(err))
			}
		}); err != nil {
			w.logger.Warn("Invalid pointer refresh schedule", zap.String("spec", spec), zap.Error(err))
		}
	}
	w.cron.Start()

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop 停止服务循环并关闭浏览器
func (w *DataWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("Stopping data worker")
	close(w.stopCh)
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	w.wg.Wait()
	w.machine.Fire(state.EventStop)
	if err := w.browser.Close(); err != nil {
		w.logger.Warn("Failed to close browser", zap.Error(err))
	}
	w.logger.Info("Data worker stopped")
}

// Ready 页面初始化且定位服务登录完成（或无需登录）后关闭
func (w *DataWorker) Ready() <-chan struct{} {
	return w.ready
}

// SubmitOTP 提交用户输入的验证码，未完成的旧验证码会被替换
func (w *DataWorker) SubmitOTP(code string) {
	select {
	case <-w.codes:
	default:
	}
	select {
	case w.codes <- strings.TrimSpace(code):
	default:
	}
}

// OpenURL 在新标签页打开链接
func (w *DataWorker) OpenURL(url string) error {
	return w.enqueue(task{kind: taskOpenURL, payload: url})
}

// ReloadPointer 刷新定位服务页面
func (w *DataWorker) ReloadPointer() error {
	return w.enqueue(task{kind: taskReloadPointer})
}

// AccountChanged 账号设置保存后调用：补齐页面，定位服务未登录时重新发起登录
func (w *DataWorker) AccountChanged() error {
	return w.enqueue(task{kind: taskReinit})
}

// Locate 查询车辆位置
func (w *DataWorker) Locate(ctx context.Context, plate string) (string, error) {
	return w.ask(ctx, string(taskLocate), w.cfg.LocateTimeout, task{kind: taskLocate, payload: plate})
}

// Token 取后台 X-Token
func (w *DataWorker) Token(ctx context.Context, backend models.Backend) (string, error) {
	key := string(taskToken) + ":" + string(backend)
	return w.ask(ctx, key, w.cfg.TokenTimeout, task{kind: taskToken, payload: string(backend)})
}

// Cookies 取 CRM cookie
func (w *DataWorker) Cookies(ctx context.Context, backend models.Backend) (string, error) {
	key := string(taskCookies) + ":" + string(backend)
	return w.ask(ctx, key, w.cfg.CookieTimeout, task{kind: taskCookies, payload: string(backend)})
}

func (w *DataWorker) queryFor(key string) *query {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	q, ok := w.queries[key]
	if !ok {
		q = &query{}
		w.queries[key] = q
	}
	return q
}

func (w *DataWorker) ask(ctx context.Context, key string, timeout time.Duration, t task) (string, error) {
	q := w.queryFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()

	t.key = key
	return q.slot.Ask(ctx, timeout, func(id string) error {
		t.id = id
		return w.enqueue(t)
	})
}

func (w *DataWorker) answer(t task, v string, err error) {
	if !w.queryFor(t.key).slot.Deliver(t.id, v, err) {
		w.logger.Debug("Dropped stale answer", zap.String("task", string(t.kind)), zap.String("id", t.id))
	}
}

func (w *DataWorker) enqueue(t task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		return ErrNotRunning
	}
	select {
	case w.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *DataWorker) run(ctx context.Context) {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.machine.Fire(state.EventInitPages)
	if err := w.setup(ctx); err != nil {
		w.logger.Error("Failed to initialize pages", zap.Error(err))
		if browser.IsTargetClosed(err) {
			w.fail(err)
		} else {
			w.becomeReady()
		}
	}

	ticker := time.NewTicker(w.cfg.ServeTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.endSession()
			return
		case err := <-w.relaunch:
			if !w.restart(ctx, err) {
				w.endSession()
				return
			}
		case t := <-w.tasks:
			w.handle(ctx, t)
		case <-ticker.C:
			w.keepAlive(ctx)
		}
	}
}

// setup 接管已有标签页、补齐缺少的页面、启动登录与通知监听。
// 登录与监听绑定在本次浏览器会话上，重启时一起取消
func (w *DataWorker) setup(ctx context.Context) error {
	if err := w.initPages(ctx); err != nil {
		return err
	}

	w.endSession()
	sctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.sessionCancel = cancel
	w.mu.Unlock()

	w.startListeners(sctx)
	w.startPointer(sctx)
	return nil
}

func (w *DataWorker) endSession() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionCancel != nil {
		w.sessionCancel()
		w.sessionCancel = nil
	}
}

func (w *DataWorker) targets() map[string]string {
	acc := w.accounts.Get()
	targets := map[string]string{PageBlank: "about:blank"}
	if acc.Pointer && w.flow != nil {
		targets[PagePointer] = w.cfg.PointerURL
	}
	if w.cfg.CreateGotoTabs {
		targets[PageGotoBO] = w.cfg.GotoBOURL
		targets[PageGotoCRM] = w.cfg.GotoCRMURL
	}
	if w.cfg.CreateAutotelTabs {
		targets[PageAutotelBO] = w.cfg.AutotelBOURL
		targets[PageAutotelCRM] = w.cfg.AutotelCRMURL
	}
	if w.cfg.CreateWhatsappPage {
		targets[PageWhatsapp] = w.cfg.WhatsappURL
	}
	return targets
}

// TabPlan 已有标签页的处理方案
type TabPlan struct {
	Adopt  map[string]string // 页面名 -> 标签页 ID
	Close  []string
	Create map[string]string // 页面名 -> URL
}

var adoptOrder = []string{PageGotoBO, PageGotoCRM, PageAutotelBO, PageAutotelCRM, PageWhatsapp}

// PlanTabs 按 URL 复用已打开的标签页：定位服务登录页与空白页直接接管，
// 其余登录页、空白页、定位服务页关闭，后台页面按前缀匹配接管
func PlanTabs(tabs []browser.Tab, targets map[string]string) TabPlan {
	plan := TabPlan{Adopt: make(map[string]string), Create: make(map[string]string)}
	remaining := make(map[string]string, len(targets))
	for name, url := range targets {
		remaining[name] = url
	}

	for _, tab := range tabs {
		if url := remaining[PagePointer]; url != "" && tab.URL == url {
			plan.Adopt[PagePointer] = tab.ID
			delete(remaining, PagePointer)
			continue
		}
		if url := remaining[PageBlank]; url != "" && tab.URL == url {
			plan.Adopt[PageBlank] = tab.ID
			delete(remaining, PageBlank)
			continue
		}
		if strings.Contains(tab.URL, "login") || strings.Contains(tab.URL, "about:blank") || strings.Contains(tab.URL, "pointer4u") {
			plan.Close = append(plan.Close, tab.ID)
			continue
		}
		for _, name := range adoptOrder {
			if url := remaining[name]; url != "" && strings.Contains(tab.URL, url) {
				plan.Adopt[name] = tab.ID
				delete(remaining, name)
				break
			}
		}
	}

	for name, url := range remaining {
		plan.Create[name] = url
	}
	return plan
}

func (w *DataWorker) initPages(ctx context.Context) error {
	tabs, err := w.browser.Tabs(ctx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	targets := w.targets()
	plan := PlanTabs(tabs, targets)

	for _, id := range plan.Close {
		if err := w.browser.CloseTab(id); err != nil {
			w.logger.Debug("Failed to close stale tab", zap.String("tab", id), zap.Error(err))
		}
	}
	for name, id := range plan.Adopt {
		if err := w.browser.Adopt(name, id); err != nil {
			w.logger.Warn("Failed to adopt tab", zap.String("page", name), zap.Error(err))
			plan.Create[name] = targets[name]
		}
	}

	// 停在验证码输入的旧登录页无法继续使用
	if _, ok := plan.Adopt[PagePointer]; ok && w.browser.HasPage(PagePointer) {
		visible, err := w.browser.Visible(ctx, PagePointer, w.selector, time.Second)
		if err == nil && !visible {
			if err := w.flow.Resume(ctx); err != nil {
				w.logger.Warn("Failed to resume pointer session", zap.Error(err))
			}
		} else {
			if err := w.browser.ClosePage(PagePointer); err != nil {
				w.logger.Debug("Failed to close pointer tab", zap.Error(err))
			}
			plan.Create[PagePointer] = targets[PagePointer]
		}
	}

	w.logger.Info("Initializing pages",
		zap.Int("adopted", len(plan.Adopt)),
		zap.Int("closed", len(plan.Close)),
		zap.Int("created", len(plan.Create)))
	return w.browser.CreatePages(ctx, plan.Create)
}

// startPointer 需要时在后台完成定位服务登录，完成后标记就绪
func (w *DataWorker) startPointer(ctx context.Context) {
	acc := w.accounts.Get()
	if w.flow == nil || !acc.Pointer || !w.browser.HasPage(PagePointer) || w.flow.Authenticated() {
		w.becomeReady()
		return
	}
	if acc.NeedsSetup() {
		w.logger.Warn("Pointer credentials missing, skipping login")
		w.gui.RequestSettings(acc)
		w.becomeReady()
		return
	}

	codes := pointer.CodeFunc(func(ctx context.Context) (string, error) {
		w.machine.Fire(state.EventNeedOTP)
		w.gui.RequestOTP()
		select {
		case code := <-w.codes:
			return code, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	w.mu.Lock()
	w.logins++
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			w.logins--
			w.mu.Unlock()
		}()
		if err := w.flow.Login(ctx, acc.PointerUser, acc.Phone, codes); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("Pointer login failed", zap.Error(err))
			w.machine.SetDetail("pointer login failed")
			w.fail(err)
		} else {
			w.logger.Info("Pointer logged in")
		}
		w.becomeReady()
	}()
}

func (w *DataWorker) becomeReady() {
	w.machine.Fire(state.EventBecomeReady)
	w.once.Do(func() { close(w.ready) })
}

// startListeners 在 CRM 页面上监听通知接口的响应
func (w *DataWorker) startListeners(ctx context.Context) {
	w.mu.RLock()
	handler := w.onNotification
	w.mu.RUnlock()

	if handler == nil {
		return
	}

	sources := []struct {
		backend models.Backend
		page    string
		base    string
	}{
		{models.BackendGoto, PageGotoCRM, w.cfg.GotoCRMURL},
		{models.BackendAutotel, PageAutotelCRM, w.cfg.AutotelCRMURL},
	}
	for _, src := range sources {
		if !w.browser.HasPage(src.page) {
			continue
		}
		backend := src.backend
		err := w.browser.WatchJSON(ctx, src.page, src.base+crm.NotificationsPath, func(body []byte) {
			items, err := DecodeNotifications(body)
			if err != nil {
				w.logger.Debug("Failed to decode notifications", zap.String("backend", string(backend)), zap.Error(err))
				return
			}
			if len(items) > 0 {
				handler(backend, items)
			}
		})
		if err != nil {
			w.logger.Warn("Failed to watch notifications", zap.String("page", src.page), zap.Error(err))
			w.fail(err)
		}
	}
}

// DecodeNotifications 解析通知接口的 {"value": [...]} 响应
func DecodeNotifications(body []byte) ([]models.Notification, error) {
	var resp struct {
		Value []models.Notification `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (w *DataWorker) handle(ctx context.Context, t task) {
	switch t.kind {
	case taskOpenURL:
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.fail(w.openURL(ctx, t.payload))
		}()
	case taskToken:
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			token, err := w.token(ctx, models.Backend(t.payload))
			w.answer(t, token, err)
			w.fail(err)
		}()
	case taskLocate:
		w.serve(func() {
			loc, err := w.locate(ctx, t.payload)
			w.answer(t, loc, err)
		})
	case taskCookies:
		w.serve(func() {
			cookie, err := w.cookies(ctx, models.Backend(t.payload))
			w.answer(t, cookie, err)
			w.fail(err)
		})
	case taskReloadPointer:
		w.serve(func() {
			w.fail(w.reloadPointer(ctx))
		})
	case taskReinit:
		if err := w.reinit(ctx); err != nil {
			w.logger.Warn("Failed to reinitialize after account change", zap.Error(err))
			w.fail(err)
		}
	}
}

// reinit 进行中的登录不打断；已登录或设置仍不完整时不做任何事
func (w *DataWorker) reinit(ctx context.Context) error {
	acc := w.accounts.Get()
	if w.flow == nil || !acc.Pointer || acc.NeedsSetup() || w.flow.Authenticated() {
		return nil
	}
	w.mu.RLock()
	busy := w.logins > 0
	w.mu.RUnlock()
	if busy {
		return nil
	}

	w.logger.Info("Account changed, restarting pointer login")
	return w.setup(ctx)
}

func (w *DataWorker) serve(fn func()) {
	served := w.machine.Fire(state.EventServe)
	fn()
	if served {
		w.machine.Fire(state.EventServed)
	}
}

// openURL 后台链接先打开后台首页以带上登录态，再跳转到目标
func (w *DataWorker) openURL(ctx context.Context, url string) error {
	var urls []string
	for _, bo := range []string{w.cfg.GotoBOURL, w.cfg.AutotelBOURL} {
		if bo != "" && strings.Contains(url, bo) {
			urls = append(urls, bo)
			break
		}
	}
	urls = append(urls, url)
	if err := w.browser.OpenTab(ctx, urls...); err != nil {
		w.logger.Warn("Failed to open url", zap.String("url", url), zap.Error(err))
		return err
	}
	return nil
}

func (w *DataWorker) boPage(backend models.Backend) (string, string, error) {
	switch backend {
	case models.BackendGoto:
		return PageGotoBO, w.cfg.GotoBOURL, nil
	case models.BackendAutotel:
		return PageAutotelBO, w.cfg.AutotelBOURL, nil
	}
	return "", "", fmt.Errorf("unknown backend %q", backend)
}

func (w *DataWorker) crmPage(backend models.Backend) (string, string, error) {
	switch backend {
	case models.BackendGoto:
		return PageGotoCRM, w.cfg.GotoCRMURL, nil
	case models.BackendAutotel:
		return PageAutotelCRM, w.cfg.AutotelCRMURL, nil
	}
	return "", "", fmt.Errorf("unknown backend %q", backend)
}

func (w *DataWorker) ensurePage(ctx context.Context, name, url string) error {
	if w.browser.HasPage(name) {
		return nil
	}
	return w.browser.OpenPage(ctx, name, url, browser.ModeReuse)
}

func (w *DataWorker) token(ctx context.Context, backend models.Backend) (string, error) {
	name, url, err := w.boPage(backend)
	if err != nil {
		return "", err
	}
	if err := w.ensurePage(ctx, name, url); err != nil {
		return "", err
	}
	token, err := w.browser.ExtractAuthToken(ctx, name, TokenHeader, w.cfg.TokenWait)
	if err != nil {
		w.logger.Warn("Failed to extract token", zap.String("backend", string(backend)), zap.Error(err))
		return "", err
	}
	return token, nil
}

func (w *DataWorker) cookies(ctx context.Context, backend models.Backend) (string, error) {
	name, url, err := w.crmPage(backend)
	if err != nil {
		return "", err
	}
	if err := w.ensurePage(ctx, name, url); err != nil {
		return "", err
	}
	return w.browser.CookieHeader(ctx, name, url)
}

// locate 定位服务未启用时返回空，由告警侧显示为未知位置
func (w *DataWorker) locate(ctx context.Context, plate string) (string, error) {
	if w.flow == nil || !w.accounts.Get().Pointer {
		return "", nil
	}
	loc, err := w.flow.Locate(ctx, plate)
	if err != nil {
		w.logger.Warn("Pointer lookup failed", zap.String("plate", plate), zap.Error(err))
		w.fail(err)
		return LocateError, nil
	}
	return loc, nil
}

func (w *DataWorker) reloadPointer(ctx context.Context) error {
	if w.flow == nil || !w.flow.Authenticated() || !w.browser.HasPage(PagePointer) {
		return nil
	}
	return w.browser.Reload(ctx, PagePointer)
}

// keepAlive 刷新空白页，页面丢失时重新创建
func (w *DataWorker) keepAlive(ctx context.Context) {
	var err error
	if w.browser.HasPage(PageBlank) {
		err = w.browser.Reload(ctx, PageBlank)
	} else {
		err = w.browser.OpenPage(ctx, PageBlank, "about:blank", browser.ModeReuse)
	}
	if err != nil {
		w.logger.Debug("Keep-alive failed", zap.Error(err))
		w.fail(err)
	}
}

// fail 浏览器连接断开时请求重启
func (w *DataWorker) fail(err error) {
	if err == nil || !browser.IsTargetClosed(err) {
		return
	}
	select {
	case w.relaunch <- err:
	default:
	}
}

// restart 重启浏览器并重新初始化，失败时通知用户并停止
func (w *DataWorker) restart(ctx context.Context, cause error) bool {
	w.logger.Warn("Browser target closed, relaunching", zap.Error(cause))
	w.endSession()
	w.machine.Fire(state.EventRelaunch)

	if err := w.browser.Relaunch(ctx); err != nil {
		w.logger.Error("Failed to relaunch browser", zap.Error(err))
		w.machine.SetDetail(err.Error())
		w.machine.Fire(state.EventStop)
		w.gui.ShowToast(alerts.Toast{
			Title:   "Browser automation unavailable",
			Message: "The browser could not be restarted. Restart the application to resume alerts.",
			Kind:    models.KindSystem,
		})
		return false
	}

	if w.flow != nil {
		if err := w.flow.Reset(ctx); err != nil {
			w.logger.Warn("Failed to reset pointer state", zap.Error(err))
		}
	}
	w.machine.Fire(state.EventRelaunched)

	if err := w.setup(ctx); err != nil {
		w.logger.Error("Failed to initialize pages after relaunch", zap.Error(err))
		w.fail(err)
	}
	w.logger.Info("Browser relaunched")
	return true
}
