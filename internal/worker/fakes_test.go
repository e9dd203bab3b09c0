package worker_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/browser"
	"github.com/langchou/fleetalert/internal/config"
)

// fakeBrowser 内存中的浏览器会话
type fakeBrowser struct {
	mu          sync.Mutex
	pages       map[string]string
	tabs        []browser.Tab
	closedTabs  []string
	opened      [][]string
	reloads     map[string]int
	relaunches  int
	relaunchErr error
	otpVisible  bool
	cookie      string
	closed      bool

	tokenFn func(ctx context.Context, name string) (string, error)
	watch   map[string]func([]byte)
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		pages:   make(map[string]string),
		reloads: make(map[string]int),
		watch:   make(map[string]func([]byte)),
	}
}

func (b *fakeBrowser) Launch(ctx context.Context) error { return nil }

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) Relaunch(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relaunches++
	if b.relaunchErr != nil {
		return b.relaunchErr
	}
	b.pages = make(map[string]string)
	b.tabs = nil
	return nil
}

func (b *fakeBrowser) Tabs(ctx context.Context) ([]browser.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]browser.Tab(nil), b.tabs...), nil
}

func (b *fakeBrowser) Adopt(name, tabID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tabs {
		if t.ID == tabID {
			b.pages[name] = t.URL
			return nil
		}
	}
	return browser.ErrPageNotFound
}

func (b *fakeBrowser) CloseTab(tabID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closedTabs = append(b.closedTabs, tabID)
	return nil
}

func (b *fakeBrowser) CreatePages(ctx context.Context, pages map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, url := range pages {
		b.pages[name] = url
	}
	return nil
}

func (b *fakeBrowser) OpenPage(ctx context.Context, name, url string, mode browser.OpenMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[name] = url
	return nil
}

func (b *fakeBrowser) OpenTab(ctx context.Context, urls ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, urls)
	return nil
}

func (b *fakeBrowser) HasPage(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pages[name]
	return ok
}

func (b *fakeBrowser) ClosePage(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pages, name)
	return nil
}

func (b *fakeBrowser) Reload(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pages[name]; !ok {
		return browser.ErrPageNotFound
	}
	b.reloads[name]++
	return nil
}

func (b *fakeBrowser) Visible(ctx context.Context, name, selector string, within time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.otpVisible, nil
}

func (b *fakeBrowser) ExtractAuthToken(ctx context.Context, name, header string, wait time.Duration) (string, error) {
	b.mu.Lock()
	fn := b.tokenFn
	b.mu.Unlock()
	if fn == nil {
		return "", browser.ErrNoToken
	}
	return fn(ctx, name)
}

func (b *fakeBrowser) CookieHeader(ctx context.Context, name, url string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cookie == "" {
		return "", browser.ErrNoCookies
	}
	return b.cookie, nil
}

func (b *fakeBrowser) WatchJSON(ctx context.Context, name, prefix string, fn func(body []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watch[name] = fn
	return nil
}

func (b *fakeBrowser) relaunchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relaunches
}

func (b *fakeBrowser) watcher(name string) func([]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watch[name]
}

// fakeGUI 记录界面事件
type fakeGUI struct {
	mu       sync.Mutex
	rows     map[string][]alerts.Row
	toasts   []alerts.Toast
	otp      chan struct{}
	settings []account.Account
	loading  []bool
}

func newFakeGUI() *fakeGUI {
	return &fakeGUI{rows: make(map[string][]alerts.Row), otp: make(chan struct{}, 8)}
}

func (g *fakeGUI) PushRows(table string, rows []alerts.Row) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rows[table] = rows
}

func (g *fakeGUI) ShowToast(t alerts.Toast) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.toasts = append(g.toasts, t)
}

func (g *fakeGUI) RequestOTP() { g.otp <- struct{}{} }

func (g *fakeGUI) RequestSettings(acc account.Account) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings = append(g.settings, acc)
}

func (g *fakeGUI) Loading(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loading = append(g.loading, on)
}

func (g *fakeGUI) toastList() []alerts.Toast {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]alerts.Toast(nil), g.toasts...)
}

func (g *fakeGUI) loadingEvents() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bool(nil), g.loading...)
}

func testConfig() *config.Config {
	return &config.Config{
		GotoBOURL:     "https://goto.example",
		AutotelBOURL:  "https://autotel.example",
		GotoCRMURL:    "https://goto.crm.example",
		AutotelCRMURL: "https://autotel.crm.example",
		PointerURL:    "https://fleet.pointer4u.co.il/login",
		WhatsappURL:   "https://web.whatsapp.com",

		CreateGotoTabs:    true,
		CreateAutotelTabs: true,

		ServeTick:     20 * time.Millisecond,
		LocateTimeout: 2 * time.Second,
		TokenTimeout:  2 * time.Second,
		CookieTimeout: 2 * time.Second,
		TokenWait:     10 * time.Millisecond,
	}
}

func newAccountStore(t *testing.T, fn func(a *account.Account)) *account.Store {
	t.Helper()
	store := account.NewStore(filepath.Join(t.TempDir(), "account.json"))
	_, err := store.Load()
	require.NoError(t, err)
	_, err = store.Update(fn)
	require.NoError(t, err)
	return store
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel")
	}
}
