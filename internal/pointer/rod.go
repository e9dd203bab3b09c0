package pointer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/langchou/fleetalert/internal/browser"
)

// Selectors 定位门户的页面选择器
type Selectors struct {
	Username     string
	Phone        string
	SubmitLogin  string
	OTPInput     string
	Confirm      string
	Search       string
	Rows         string
	LocationCell string
}

// DefaultSelectors 门户当前版本的选择器
func DefaultSelectors() Selectors {
	return Selectors{
		Username:     `input[placeholder="שם משתמש"]`,
		Phone:        `input[placeholder="מספר נייד"]`,
		SubmitLogin:  "#button_otp",
		OTPInput:     "textarea.realInput",
		Confirm:      ".confirm",
		Search:       `input[placeholder="חיפוש"]`,
		Rows:         "tr[id^=row]",
		LocationCell: "td:nth-child(13)",
	}
}

// RodDriver 通过浏览器会话中的命名页面操作门户
type RodDriver struct {
	session *browser.Session
	page    string
	sel     Selectors
	timeout time.Duration
}

// NewRodDriver 创建驱动
func NewRodDriver(session *browser.Session, page string, sel Selectors) *RodDriver {
	return &RodDriver{session: session, page: page, sel: sel, timeout: 20 * time.Second}
}

func (d *RodDriver) current(ctx context.Context) (*rod.Page, error) {
	p, err := d.session.Page(d.page)
	if err != nil {
		return nil, err
	}
	return p.Context(ctx).Timeout(d.timeout), nil
}

func (d *RodDriver) fill(p *rod.Page, selector, value string) error {
	el, err := p.Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (d *RodDriver) SubmitLogin(ctx context.Context, user, phone string) error {
	p, err := d.current(ctx)
	if err != nil {
		return err
	}
	if err := d.fill(p, d.sel.Username, user); err != nil {
		return err
	}
	if err := d.fill(p, d.sel.Phone, phone); err != nil {
		return err
	}
	btn, err := p.Element(d.sel.SubmitLogin)
	if err != nil {
		return fmt.Errorf("find login button: %w", err)
	}
	return btn.Click(proto.InputMouseButtonLeft, 1)
}

func (d *RodDriver) OTPVisible(ctx context.Context, within time.Duration) (bool, error) {
	return d.session.Visible(ctx, d.page, d.sel.OTPInput, within)
}

func (d *RodDriver) DismissConfirm(ctx context.Context) error {
	p, err := d.current(ctx)
	if err != nil {
		return err
	}
	has, el, err := p.Has(d.sel.Confirm)
	if err != nil || !has {
		return err
	}
	visible, err := el.Visible()
	if err != nil || !visible {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (d *RodDriver) FocusOTP(ctx context.Context) error {
	p, err := d.current(ctx)
	if err != nil {
		return err
	}
	el, err := p.Element(d.sel.OTPInput)
	if err != nil {
		return fmt.Errorf("find otp field: %w", err)
	}
	return el.Focus()
}

func (d *RodDriver) TypeDigit(ctx context.Context, r rune) error {
	p, err := d.current(ctx)
	if err != nil {
		return err
	}
	return p.Keyboard.Type(input.Key(r))
}

func (d *RodDriver) SubmitOTP(ctx context.Context) error {
	p, err := d.current(ctx)
	if err != nil {
		return err
	}
	return p.Keyboard.Type(input.Enter)
}

func (d *RodDriver) Search(ctx context.Context, plate string) (string, bool, error) {
	p, err := d.current(ctx)
	if err != nil {
		return "", false, err
	}

	idle := p.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	if err := d.fill(p, d.sel.Search, plate); err != nil {
		return "", false, err
	}
	idle()

	rows, err := p.Elements(d.sel.Rows)
	if err != nil {
		return "", false, fmt.Errorf("list rows: %w", err)
	}
	for _, row := range rows {
		text, err := row.Text()
		if err != nil {
			continue
		}
		if !strings.Contains(strings.ReplaceAll(text, "-", ""), plate) {
			continue
		}
		has, cell, err := row.Has(d.sel.LocationCell)
		if err != nil {
			return "", false, err
		}
		if !has {
			continue
		}
		loc, err := cell.Text()
		if err != nil {
			return "", false, err
		}
		return loc, true, nil
	}
	return "", false, nil
}
