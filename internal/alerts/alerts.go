package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/api/gototech"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/retry"
)

// 表格名
const (
	TableLateRides = models.KindLateRide
	TableBatteries = models.KindBattery
	TableLongRides = models.KindLongRide
)

// 占位与默认文本
const (
	NoComment       = "No comment"
	NoFutureRide    = "No future ride"
	NoPlate         = "No car license found"
	NoFutureRideYet = "No future ride found"
	UnknownLocation = "Unknown location"

	rowTimeLayout = "02/01/2006 15:04"
)

// Cell 表格单元格，URL 非空时渲染为打开订单的按钮
type Cell struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// Row 一行
type Row []Cell

// TextRow 纯文本行
func TextRow(values ...string) Row {
	row := make(Row, len(values))
	for i, v := range values {
		row[i] = Cell{Text: v}
	}
	return row
}

// Toast 桌面通知
type Toast struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Icon    string `json:"icon,omitempty"`
	Kind    string `json:"kind"`
	RideID  string `json:"ride_id,omitempty"`
}

// Sink 告警引擎的输出与跨 worker 查询
type Sink interface {
	PushRows(table string, rows []Row)
	ShowToast(t Toast)
	RequestLocation(ctx context.Context, plate string) (string, error)
	RequestToken(ctx context.Context, backend models.Backend) (string, error)
}

// Engine 告警引擎
type Engine interface {
	Name() string
	Table() string
	StartRequests(ctx context.Context, token string) error
}

// Options 引擎公共依赖
type Options struct {
	Client   *gototech.Client
	Tokens   *Tokens
	Sink     Sink
	Policy   retry.Policy
	Logger   *zap.Logger
	BOURL    string
	Location *time.Location
	Icon     string
	Now      func() time.Time
}

type base struct {
	Options
	backend models.Backend
}

func newBase(o Options, backend models.Backend) base {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	// 空列表是合法结果
	o.Policy.AllowEmpty = true
	return base{Options: o, backend: backend}
}

// RideURL 后台订单详情链接
func RideURL(boURL string, id gototech.ID) string {
	return fmt.Sprintf("%s/index.html#/orders/%s/details", boURL, id)
}

func (b *base) rideCell(id gototech.ID) Cell {
	return Cell{Text: id.String(), URL: RideURL(b.BOURL, id)}
}

func (b *base) useToken(token string) {
	if token != "" {
		b.Tokens.Set(b.backend, token)
	}
}

// comment 取订单最新备注，失败时返回默认文本
func (b *base) comment(ctx context.Context, id gototech.ID) string {
	comments, err := withToken(ctx, b.Tokens, b.backend, func(token string) ([]gototech.Comment, error) {
		return b.Client.Comments(ctx, token, id)
	})
	if err != nil {
		b.Logger.Debug("Failed to fetch ride comment", zap.String("ride_id", id.String()), zap.Error(err))
		return NoComment
	}
	if text := gototech.LatestComment(comments, b.Location); text != "" {
		return text
	}
	return NoComment
}

// location 通过数据 worker 查询车辆位置
func (b *base) location(ctx context.Context, plate string) string {
	if plate == "" {
		return UnknownLocation
	}
	loc, err := b.Sink.RequestLocation(ctx, plate)
	if err != nil || loc == "" {
		if err != nil {
			b.Logger.Debug("Location unavailable", zap.String("plate", plate), zap.Error(err))
		}
		return UnknownLocation
	}
	return loc
}

// withToken 用缓存 token 调用；返回空数据或被拒绝时换新 token 再试一次。
// 换 token 后仍为空视为确实没有数据
func withToken[T any](ctx context.Context, tokens *Tokens, backend models.Backend, fn func(token string) (T, error)) (T, error) {
	var zero T

	token, err := tokens.Get(ctx, backend)
	if err != nil {
		return zero, fmt.Errorf("get %s token: %w", backend, err)
	}
	v, err := fn(token)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil || !tokenSuspect(err) {
		return zero, err
	}

	fresh, rerr := tokens.Refresh(ctx, backend, token)
	if rerr != nil {
		return zero, fmt.Errorf("refresh %s token: %w", backend, rerr)
	}
	v, err = fn(fresh)
	if errors.Is(err, gototech.ErrNoData) {
		return zero, nil
	}
	return v, err
}

func tokenSuspect(err error) bool {
	return errors.Is(err, gototech.ErrNoData) || errors.Is(err, gototech.ErrUnauthorized)
}
