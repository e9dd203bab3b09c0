package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/langchou/fleetalert/internal/api/gototech"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/retry"
)

// BatteryRule 低电量通知规则
type BatteryRule struct {
	Threshold float64
	Category  int
	HomeArea  string
	Keywords  []string
}

// Notify 电量不高于阈值、不在服务区、备注没提到电池时通知
func (r BatteryRule) Notify(percent float64, location, comment string) bool {
	if percent > r.Threshold {
		return false
	}
	if r.HomeArea != "" && strings.Contains(location, r.HomeArea) {
		return false
	}
	lower := strings.ToLower(comment)
	for _, k := range r.Keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return false
		}
	}
	return true
}

// BatteriesAlert 电动车订单电量
type BatteriesAlert struct {
	base
	rule BatteryRule
}

type batteryRide struct {
	id       gototech.ID
	plate    string
	percent  float64
	location string
	comment  string
}

// NewBatteriesAlert 创建电量告警
func NewBatteriesAlert(o Options, rule BatteryRule) *BatteriesAlert {
	return &BatteriesAlert{base: newBase(o, models.BackendAutotel), rule: rule}
}

func (a *BatteriesAlert) Name() string  { return "batteries_alert" }
func (a *BatteriesAlert) Table() string { return TableBatteries }

func (a *BatteriesAlert) StartRequests(ctx context.Context, token string) error {
	a.useToken(token)

	rides, err := retry.Do(ctx, a.Policy, a.fetch)
	if err != nil && ctx.Err() != nil {
		return err
	}
	if len(rides) == 0 {
		a.Sink.PushRows(a.Table(), []Row{TextRow("No batteries rides", "0", "0", "0", "0")})
		if err != nil {
			return fmt.Errorf("fetch batteries: %w", err)
		}
		return nil
	}

	rows := make([]Row, 0, len(rides))
	for _, r := range rides {
		rows = append(rows, Row{
			a.rideCell(r.id),
			{Text: r.plate},
			{Text: gototech.Percent(r.percent)},
			{Text: r.location},
			{Text: r.comment},
		})
	}
	a.Sink.PushRows(a.Table(), rows)

	for _, r := range rides {
		if !a.rule.Notify(r.percent, r.location, r.comment) {
			continue
		}
		a.Sink.ShowToast(Toast{
			Title:   "Autotel - Battery Alert!",
			Message: fmt.Sprintf("Low battery for ride %s: %s", r.id, gototech.Percent(r.percent)),
			Icon:    a.Icon,
			Kind:    models.KindBattery,
			RideID:  r.id.String(),
		})
	}
	return nil
}

func (a *BatteriesAlert) fetch(ctx context.Context) ([]batteryRide, error) {
	cars, err := withToken(ctx, a.Tokens, a.backend, func(token string) ([]gototech.Car, error) {
		return a.Client.AllCars(ctx, token)
	})
	if err != nil {
		return nil, err
	}

	var rides []batteryRide
	for _, car := range cars {
		if car.ActiveReservationNum == "" || car.CategoryID != a.rule.Category {
			continue
		}
		rides = append(rides, batteryRide{
			id:       car.ActiveReservationNum,
			plate:    car.LicencePlate,
			percent:  car.LastFuelPercentage,
			location: a.location(ctx, car.LicencePlate),
			comment:  a.comment(ctx, car.ActiveReservationNum),
		})
	}
	return rides, nil
}
