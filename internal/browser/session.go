package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// OpenMode 同名页面已存在时的处理方式
type OpenMode int

const (
	// ModeReplace 关闭旧页面后重新创建
	ModeReplace OpenMode = iota
	// ModeReuse 已打开则直接复用
	ModeReuse
)

// Config 浏览器配置
type Config struct {
	ControlURL        string
	Bin               string
	Headless          bool
	UserDataDir       string
	DownloadDir       string
	NavigationTimeout time.Duration
	BlockedURLs       []string
}

// Tab 浏览器中已打开的标签页
type Tab struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Session 持有一个浏览器连接和按名字索引的页面表
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	router   *rod.HijackRouter
	pages    map[string]*rod.Page
	cancel   context.CancelFunc
}

// NewSession 创建会话（未启动）
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		pages:  make(map[string]*rod.Page),
	}
}

// Launch 连接已有浏览器或启动新浏览器，并安装请求拦截与下载重定向
func (s *Session) Launch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		return nil
	}

	bctx, cancel := context.WithCancel(context.Background())

	var l *launcher.Launcher
	controlURL := s.cfg.ControlURL
	if controlURL != "" {
		u, err := launcher.ResolveURL(controlURL)
		if err != nil {
			cancel()
			return fmt.Errorf("resolve control url: %w", err)
		}
		controlURL = u
	} else {
		l = launcher.New().
			Context(bctx).
			Headless(s.cfg.Headless).
			Set(flags.Flag("disable-blink-features"), "AutomationControlled")
		if s.cfg.Bin != "" {
			l = l.Bin(s.cfg.Bin)
		}
		if s.cfg.UserDataDir != "" {
			l = l.UserDataDir(s.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			cancel()
			return fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(bctx)
	if err := b.Connect(); err != nil {
		cancel()
		if l != nil {
			l.Kill()
		}
		return fmt.Errorf("connect to browser: %w", err)
	}

	s.browser = b
	s.launcher = l
	s.cancel = cancel
	s.pages = make(map[string]*rod.Page)

	if len(s.cfg.BlockedURLs) > 0 {
		router := b.HijackRequests()
		if err := router.Add("*", "", s.hijack); err != nil {
			s.logger.Warn("Failed to install request blocking", zap.Error(err))
		} else {
			go router.Run()
			s.router = router
		}
	}

	if s.cfg.DownloadDir != "" {
		if err := s.watchDownloads(b); err != nil {
			s.logger.Warn("Failed to install download handler", zap.Error(err))
		}
	}

	s.logger.Info("Browser connected",
		zap.Bool("external", s.cfg.ControlURL != ""),
		zap.Int("blocked_patterns", len(s.cfg.BlockedURLs)),
	)
	return nil
}

// Close 关闭会话。外部浏览器只断开连接，自己启动的浏览器会被关闭
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.browser == nil {
		return nil
	}

	if s.router != nil {
		_ = s.router.Stop()
		s.router = nil
	}

	var err error
	if s.launcher != nil {
		err = s.browser.Close()
		s.launcher.Kill()
		s.launcher = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.browser = nil
	s.pages = make(map[string]*rod.Page)
	return err
}

// Relaunch 整体重启浏览器，页面表被清空，调用方需要重新创建页面
func (s *Session) Relaunch(ctx context.Context) error {
	s.mu.Lock()
	if err := s.closeLocked(); err != nil {
		s.logger.Debug("Error closing browser before relaunch", zap.Error(err))
	}
	s.mu.Unlock()

	if err := s.Launch(ctx); err != nil {
		return fmt.Errorf("relaunch browser: %w", err)
	}
	return nil
}

// Tabs 列出浏览器中所有标签页
func (s *Session) Tabs(ctx context.Context) ([]Tab, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	tabs := make([]Tab, 0, len(pages))
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		tabs = append(tabs, Tab{ID: string(p.TargetID), URL: info.URL})
	}
	return tabs, nil
}

// Adopt 把已打开的标签页登记为命名页面
func (s *Session) Adopt(name, tabID string) error {
	b, err := s.current()
	if err != nil {
		return err
	}
	page, err := b.PageFromTarget(proto.TargetTargetID(tabID))
	if err != nil {
		return fmt.Errorf("adopt tab %s: %w", tabID, err)
	}

	s.mu.Lock()
	s.pages[name] = page
	s.mu.Unlock()
	return nil
}

// CloseTab 关闭未登记的标签页
func (s *Session) CloseTab(tabID string) error {
	b, err := s.current()
	if err != nil {
		return err
	}
	page, err := b.PageFromTarget(proto.TargetTargetID(tabID))
	if err != nil {
		return fmt.Errorf("attach tab %s: %w", tabID, err)
	}
	if err := page.Close(); err != nil {
		return fmt.Errorf("close tab %s: %w", tabID, err)
	}
	return nil
}

// CreatePages 批量打开命名页面，已打开的复用
func (s *Session) CreatePages(ctx context.Context, pages map[string]string) error {
	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := s.OpenPage(ctx, name, pages[name], ModeReuse); err != nil {
			if IsTargetClosed(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenPage 打开命名页面
func (s *Session) OpenPage(ctx context.Context, name, url string, mode OpenMode) error {
	b, err := s.current()
	if err != nil {
		return err
	}

	s.mu.RLock()
	existing, ok := s.pages[name]
	s.mu.RUnlock()

	if ok {
		if mode == ModeReuse {
			if _, err := existing.Info(); err == nil {
				return nil
			}
		}
		_ = existing.Close()
		s.mu.Lock()
		if s.pages[name] == existing {
			delete(s.pages, name)
		}
		s.mu.Unlock()
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("create page %s: %w", name, err)
	}

	if err := s.navigate(ctx, page, url); err != nil {
		_ = page.Close()
		return fmt.Errorf("open page %s: %w", name, err)
	}

	s.mu.Lock()
	if prev, ok := s.pages[name]; ok && prev != page {
		_ = prev.Close()
	}
	s.pages[name] = page
	s.mu.Unlock()

	s.logger.Debug("Page opened", zap.String("name", name), zap.String("url", url))
	return nil
}

// OpenTab 打开一个不登记的新标签页并依次访问 urls
func (s *Session) OpenTab(ctx context.Context, urls ...string) error {
	b, err := s.current()
	if err != nil {
		return err
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("create tab: %w", err)
	}
	for _, u := range urls {
		if err := s.navigate(ctx, page, u); err != nil {
			_ = page.Close()
			return fmt.Errorf("open tab: %w", err)
		}
	}
	_, _ = page.Activate()
	return nil
}

// HasPage 页面是否已登记
func (s *Session) HasPage(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pages[name]
	return ok
}

// Page 获取命名页面
func (s *Session) Page(name string) (*rod.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.browser == nil {
		return nil, ErrNotLaunched
	}
	page, ok := s.pages[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrPageNotFound)
	}
	return page, nil
}

// ClosePage 关闭命名页面
func (s *Session) ClosePage(name string) error {
	s.mu.Lock()
	page, ok := s.pages[name]
	delete(s.pages, name)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := page.Close(); err != nil {
		return fmt.Errorf("close page %s: %w", name, err)
	}
	return nil
}

// Navigate 命名页面跳转
func (s *Session) Navigate(ctx context.Context, name, url string) error {
	page, err := s.Page(name)
	if err != nil {
		return err
	}
	return s.navigate(ctx, page, url)
}

// Reload 刷新命名页面
func (s *Session) Reload(ctx context.Context, name string) error {
	page, err := s.Page(name)
	if err != nil {
		return err
	}
	p := page.Context(ctx).Timeout(s.cfg.NavigationTimeout)
	if err := p.Reload(); err != nil {
		return fmt.Errorf("reload %s: %w", name, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", name, err)
	}
	return nil
}

// URL 命名页面当前地址
func (s *Session) URL(name string) (string, error) {
	page, err := s.Page(name)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("page info %s: %w", name, err)
	}
	return info.URL, nil
}

// Visible 在 within 时间内等待元素出现并返回是否可见
func (s *Session) Visible(ctx context.Context, name, selector string, within time.Duration) (bool, error) {
	page, err := s.Page(name)
	if err != nil {
		return false, err
	}
	el, err := page.Context(ctx).Timeout(within).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	visible, err := el.CancelTimeout().Visible()
	if err != nil {
		return false, err
	}
	return visible, nil
}

func (s *Session) navigate(ctx context.Context, page *rod.Page, url string) error {
	p := page.Context(ctx).Timeout(s.cfg.NavigationTimeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (s *Session) current() (*rod.Browser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.browser == nil {
		return nil, ErrNotLaunched
	}
	return s.browser, nil
}

func (s *Session) hijack(h *rod.Hijack) {
	if Blocked(h.Request.URL().String(), s.cfg.BlockedURLs) {
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		return
	}
	h.ContinueRequest(&proto.FetchContinueRequest{})
}

// Blocked 地址包含任一屏蔽片段
func Blocked(url string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(url, p) {
			return true
		}
	}
	return false
}
