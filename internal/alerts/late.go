package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/api/gototech"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/retry"
)

// LateAlert 已到还车时间但未结束的订单
type LateAlert struct {
	base
	notifyWindow time.Duration
	repeatWindow time.Duration

	mu       sync.Mutex
	notified map[string]time.Time
}

type lateRide struct {
	id         gototech.ID
	end        time.Time
	futureID   string
	futureTime string
	comment    string
}

// NewLateAlert 创建晚还车告警。notifyWindow 内结束的订单才会通知，同一订单 repeatWindow 内只通知一次
func NewLateAlert(o Options, notifyWindow, repeatWindow time.Duration) *LateAlert {
	return &LateAlert{
		base:         newBase(o, models.BackendGoto),
		notifyWindow: notifyWindow,
		repeatWindow: repeatWindow,
		notified:     make(map[string]time.Time),
	}
}

func (a *LateAlert) Name() string  { return "late_alert" }
func (a *LateAlert) Table() string { return TableLateRides }

// StartRequests 拉取一轮数据并推送表格与通知
func (a *LateAlert) StartRequests(ctx context.Context, token string) error {
	a.useToken(token)

	rides, err := retry.Do(ctx, a.Policy, a.fetch)
	if err != nil && ctx.Err() != nil {
		return err
	}
	if len(rides) == 0 {
		a.Sink.PushRows(a.Table(), []Row{TextRow("No late rides", "0", "0", "0", "0")})
		if err != nil {
			return fmt.Errorf("fetch late rides: %w", err)
		}
		return nil
	}

	rows := make([]Row, 0, len(rides))
	for _, r := range rides {
		rows = append(rows, Row{
			a.rideCell(r.id),
			{Text: r.end.Format(rowTimeLayout)},
			{Text: r.futureID},
			{Text: r.futureTime},
			{Text: r.comment},
		})
	}
	a.Sink.PushRows(a.Table(), rows)
	a.notify(rides)
	return nil
}

func (a *LateAlert) fetch(ctx context.Context) ([]lateRide, error) {
	current, err := withToken(ctx, a.Tokens, a.backend, func(token string) ([]gototech.Reservation, error) {
		return a.Client.CurrentReservations(ctx, token)
	})
	if err != nil {
		return nil, err
	}

	now := a.Now()
	var future []gototech.Reservation
	futureLoaded := false

	var rides []lateRide
	for _, r := range current {
		end, err := gototech.ParseTime(r.EndDate, a.Location)
		if err != nil {
			a.Logger.Debug("Skipping ride without end date", zap.String("ride_id", r.ID.String()), zap.Error(err))
			continue
		}
		if end.After(now) {
			continue
		}

		ride := lateRide{id: r.ID, end: end}
		if r.CarLicencePlate == "" {
			ride.futureID, ride.futureTime = NoPlate, NoFutureRideYet
		} else {
			if !futureLoaded {
				future, err = withToken(ctx, a.Tokens, a.backend, func(token string) ([]gototech.Reservation, error) {
					return a.Client.FutureReservations(ctx, token)
				})
				if err != nil {
					a.Logger.Warn("Failed to fetch future reservations", zap.Error(err))
				}
				futureLoaded = true
			}
			ride.futureID, ride.futureTime = NextRide(future, r.CarLicencePlate, now, a.Location)
		}
		ride.comment = a.comment(ctx, r.ID)
		rides = append(rides, ride)
	}
	return rides, nil
}

// NextRide 同一车牌在 now 之后最早开始的订单；开始时间相同时先出现的优先
func NextRide(future []gototech.Reservation, plate string, now time.Time, loc *time.Location) (string, string) {
	var bestID gototech.ID
	var best time.Time
	found := false
	for _, r := range future {
		if r.CarLicencePlate != plate {
			continue
		}
		start, err := gototech.ParseTime(r.StartDate, loc)
		if err != nil || !start.After(now) {
			continue
		}
		if !found || start.Before(best) {
			bestID, best, found = r.ID, start, true
		}
	}
	if !found {
		return NoFutureRide, NoFutureRide
	}
	return bestID.String(), best.Format(rowTimeLayout)
}

// notify 只通知 notifyWindow 内结束的订单，同一订单 repeatWindow 内不重复
func (a *LateAlert) notify(rides []lateRide) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.Now()
	cutoff := now.Add(-a.notifyWindow)
	for id, at := range a.notified {
		if !at.After(cutoff) {
			delete(a.notified, id)
		}
	}

	for _, r := range rides {
		if r.end.Before(cutoff) || r.end.After(now) {
			continue
		}
		id := r.id.String()
		if last, ok := a.notified[id]; ok && now.Sub(last) < a.repeatWindow {
			continue
		}
		a.notified[id] = now

		message := fmt.Sprintf("Ride %s ended at %s.", id, r.end.Format(rowTimeLayout))
		if r.futureTime != NoFutureRide && r.futureTime != NoFutureRideYet {
			message += " Next ride at " + r.futureTime
		}
		a.Sink.ShowToast(Toast{
			Title:   "Goto ~ Late Alert!",
			Message: message,
			Icon:    a.Icon,
			Kind:    models.KindLateRide,
			RideID:  id,
		})
	}
}
