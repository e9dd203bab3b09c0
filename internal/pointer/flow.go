package pointer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// 登录状态
const (
	StateLoggedOut     = "logged_out"
	StateAwaitingOTP   = "awaiting_otp"
	StateAuthenticated = "authenticated"
)

// 事件
const (
	EventSubmitLogin = "submit_login"
	EventOTPAccepted = "otp_accepted"
	EventResume      = "resume"
	EventReset       = "reset"
)

// NoResults 查不到车辆时返回的文本
const NoResults = "No results"

var (
	ErrNotAuthenticated = errors.New("pointer not authenticated")
	ErrInvalidCode      = errors.New("otp must be 6 digits")
)

// Driver 定位门户的页面操作
type Driver interface {
	SubmitLogin(ctx context.Context, user, phone string) error
	OTPVisible(ctx context.Context, within time.Duration) (bool, error)
	DismissConfirm(ctx context.Context) error
	FocusOTP(ctx context.Context) error
	TypeDigit(ctx context.Context, d rune) error
	SubmitOTP(ctx context.Context) error
	// Search 按车牌搜索，返回匹配行的位置单元格
	Search(ctx context.Context, plate string) (string, bool, error)
}

// CodeSource 向用户索取验证码
type CodeSource interface {
	RequestCode(ctx context.Context) (string, error)
}

// CodeFunc 函数适配 CodeSource
type CodeFunc func(ctx context.Context) (string, error)

func (f CodeFunc) RequestCode(ctx context.Context) (string, error) { return f(ctx) }

// Flow 定位服务登录流程
type Flow struct {
	driver Driver
	logger *zap.Logger

	// KeyDelay 逐位输入验证码的间隔，控件不接受粘贴
	KeyDelay time.Duration
	// OTPWait 提交后等待验证码输入框再次出现的时间
	OTPWait time.Duration

	op       sync.Mutex // 串行化页面操作
	mu       sync.RWMutex
	fsm      *fsm.FSM
	onChange func(from, to string)
}

// NewFlow 创建登录流程
func NewFlow(driver Driver, logger *zap.Logger, onChange func(from, to string)) *Flow {
	f := &Flow{
		driver:   driver,
		logger:   logger,
		KeyDelay: 150 * time.Millisecond,
		OTPWait:  7 * time.Second,
		onChange: onChange,
	}

	f.fsm = fsm.NewFSM(
		StateLoggedOut,
		fsm.Events{
			{Name: EventSubmitLogin, Src: []string{StateLoggedOut}, Dst: StateAwaitingOTP},
			{Name: EventOTPAccepted, Src: []string{StateAwaitingOTP}, Dst: StateAuthenticated},
			{Name: EventResume, Src: []string{StateLoggedOut}, Dst: StateAuthenticated},
			{Name: EventReset, Src: []string{StateAwaitingOTP, StateAuthenticated}, Dst: StateLoggedOut},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if e.Src == e.Dst {
					return
				}
				f.logger.Info("Pointer state changed", zap.String("from", e.Src), zap.String("to", e.Dst))
				if f.onChange != nil {
					f.onChange(e.Src, e.Dst)
				}
			},
		},
	)
	return f
}

// State 当前状态
func (f *Flow) State() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fsm.Current()
}

// Authenticated 是否已登录
func (f *Flow) Authenticated() bool {
	return f.State() == StateAuthenticated
}

func (f *Flow) trigger(ctx context.Context, event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fsm.Can(event) {
		return nil
	}
	if err := f.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	return nil
}

// Login 提交登录表单并完成验证码循环。验证码框提交后再次出现时重新索取验证码
func (f *Flow) Login(ctx context.Context, user, phone string, codes CodeSource) error {
	f.op.Lock()
	defer f.op.Unlock()

	if f.Authenticated() {
		return nil
	}
	if f.State() == StateLoggedOut {
		if err := f.driver.SubmitLogin(ctx, user, phone); err != nil {
			return fmt.Errorf("submit login: %w", err)
		}
		if err := f.trigger(ctx, EventSubmitLogin); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		visible, err := f.driver.OTPVisible(ctx, f.OTPWait)
		if err != nil {
			return fmt.Errorf("wait for otp field: %w", err)
		}
		if !visible {
			return f.trigger(ctx, EventOTPAccepted)
		}

		if err := f.driver.DismissConfirm(ctx); err != nil {
			f.logger.Debug("No confirm dialog to dismiss", zap.Error(err))
		}

		code, err := codes.RequestCode(ctx)
		if err != nil {
			return fmt.Errorf("request otp: %w", err)
		}
		code = strings.TrimSpace(code)
		if !ValidCode(code) {
			f.logger.Warn("Rejected malformed OTP", zap.Int("length", len(code)))
			continue
		}

		if err := f.typeCode(ctx, code); err != nil {
			return err
		}
	}
}

func (f *Flow) typeCode(ctx context.Context, code string) error {
	if err := f.driver.FocusOTP(ctx); err != nil {
		return fmt.Errorf("focus otp field: %w", err)
	}
	for i, d := range code {
		if i > 0 && f.KeyDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.KeyDelay):
			}
		}
		if err := f.driver.TypeDigit(ctx, d); err != nil {
			return fmt.Errorf("type otp digit: %w", err)
		}
	}
	if err := f.driver.SubmitOTP(ctx); err != nil {
		return fmt.Errorf("submit otp: %w", err)
	}
	return nil
}

// Resume 复用已登录的标签页
func (f *Flow) Resume(ctx context.Context) error {
	return f.trigger(ctx, EventResume)
}

// Reset 浏览器重启后回到未登录
func (f *Flow) Reset(ctx context.Context) error {
	return f.trigger(ctx, EventReset)
}

// Locate 查询车辆位置，车牌中的连字符会被去掉
func (f *Flow) Locate(ctx context.Context, plate string) (string, error) {
	if !f.Authenticated() {
		return "", ErrNotAuthenticated
	}

	f.op.Lock()
	defer f.op.Unlock()

	query := strings.ReplaceAll(strings.TrimSpace(plate), "-", "")
	text, found, err := f.driver.Search(ctx, query)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", query, err)
	}
	if !found {
		return NoResults, nil
	}
	return strings.Trim(strings.TrimSpace(text), ", "), nil
}

// ValidCode 6 位数字
func ValidCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
