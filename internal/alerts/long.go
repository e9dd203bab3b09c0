package alerts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/api/gototech"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/retry"
)

// LongRides 进行中且时长超过阈值的订单，只出表格不发通知
type LongRides struct {
	base
	threshold time.Duration
}

type longRide struct {
	id       gototech.ID
	driver   string
	elapsed  time.Duration
	location string
	comment  string
}

// NewLongRides 创建长途订单告警
func NewLongRides(o Options, threshold time.Duration) *LongRides {
	return &LongRides{base: newBase(o, models.BackendAutotel), threshold: threshold}
}

func (a *LongRides) Name() string  { return "long_rides" }
func (a *LongRides) Table() string { return TableLongRides }

func (a *LongRides) StartRequests(ctx context.Context, token string) error {
	a.useToken(token)

	rides, err := retry.Do(ctx, a.Policy, a.fetch)
	if err != nil && ctx.Err() != nil {
		return err
	}
	if len(rides) == 0 {
		a.Sink.PushRows(a.Table(), []Row{TextRow("No long rides", "0", "0", "0", "0")})
		if err != nil {
			return fmt.Errorf("fetch long rides: %w", err)
		}
		return nil
	}

	rows := make([]Row, 0, len(rides))
	for _, r := range rides {
		rows = append(rows, Row{
			a.rideCell(r.id),
			{Text: r.driver},
			{Text: FormatElapsed(r.elapsed)},
			{Text: r.location},
			{Text: r.comment},
		})
	}
	a.Sink.PushRows(a.Table(), rows)
	return nil
}

// IsLong 时长达到阈值（含等于）
func (a *LongRides) IsLong(elapsed time.Duration) bool {
	return elapsed >= a.threshold
}

func (a *LongRides) fetch(ctx context.Context) ([]longRide, error) {
	current, err := withToken(ctx, a.Tokens, a.backend, func(token string) ([]gototech.Reservation, error) {
		return a.Client.CurrentReservations(ctx, token)
	})
	if err != nil {
		return nil, err
	}

	now := a.Now()
	var rides []longRide
	for _, r := range current {
		startStr := r.ActualStartDate
		if startStr == "" {
			startStr = r.StartDate
		}
		start, err := gototech.ParseTime(startStr, a.Location)
		if err != nil {
			a.Logger.Debug("Skipping ride without start date", zap.String("ride_id", r.ID.String()), zap.Error(err))
			continue
		}
		elapsed := now.Sub(start)
		if !a.IsLong(elapsed) {
			continue
		}

		driver := r.DriverName
		if driver == "" {
			driver = r.DriverID.String()
		}
		rides = append(rides, longRide{
			id:       r.ID,
			driver:   driver,
			elapsed:  elapsed,
			location: a.location(ctx, r.CarLicencePlate),
			comment:  a.comment(ctx, r.ID),
		})
	}

	sort.SliceStable(rides, func(i, j int) bool { return rides[i].elapsed > rides[j].elapsed })
	return rides, nil
}

// FormatElapsed HH:MM:SS，小时数可超过 24
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
