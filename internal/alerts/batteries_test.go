package alerts_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/api/gototech"
	"github.com/langchou/fleetalert/internal/models"
)

func testRule() alerts.BatteryRule {
	return alerts.BatteryRule{
		Threshold: 30,
		Category:  1,
		HomeArea:  "תל אביב",
		Keywords:  []string{"battery", "סוללה"},
	}
}

func TestBatteryRuleNotify(t *testing.T) {
	rule := testRule()

	tests := []struct {
		name     string
		percent  float64
		location string
		comment  string
		want     bool
	}{
		{"all conditions met", 20, "חיפה", "No comment", true},
		{"at threshold", 30, "חיפה", "No comment", true},
		{"above threshold", 31, "חיפה", "No comment", false},
		{"inside home area", 20, "רחוב הרצל, תל אביב", "No comment", false},
		{"comment mentions battery", 20, "חיפה", "Customer said BATTERY is low", false},
		{"hebrew keyword", 20, "חיפה", "בעיה עם סוללה", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rule.Notify(tt.percent, tt.location, tt.comment))
		})
	}
}

func TestBatteriesAlertRowsAndToasts(t *testing.T) {
	f := newFixture(t)
	f.backend.set(gototech.OpAllCars, []map[string]interface{}{
		{"licencePlate": "11-111-11", "activeReservationNum": 100, "categoryId": 1, "lastFuelPercentage": 21},
		{"licencePlate": "22-222-22", "activeReservationNum": 200, "categoryId": 1, "lastFuelPercentage": 80},
		{"licencePlate": "33-333-33", "activeReservationNum": 300, "categoryId": 2, "lastFuelPercentage": 5},
		{"licencePlate": "44-444-44", "categoryId": 1, "lastFuelPercentage": 5},
	})
	f.sink.locations["11-111-11"] = "חיפה"
	f.sink.locations["22-222-22"] = "תל אביב"

	a := alerts.NewBatteriesAlert(f.opts, testRule())
	require.NoError(t, a.StartRequests(context.Background(), "tok"))

	rows := f.sink.lastRows(alerts.TableBatteries)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"100", "11-111-11", "21%", "חיפה", alerts.NoComment}, texts(rows[0]))
	assert.Equal(t, []string{"200", "22-222-22", "80%", "תל אביב", alerts.NoComment}, texts(rows[1]))

	require.Equal(t, 1, f.sink.toastCount())
	toast := f.sink.toasts[0]
	assert.Equal(t, "Autotel - Battery Alert!", toast.Title)
	assert.Equal(t, "Low battery for ride 100: 21%", toast.Message)
	assert.Equal(t, models.KindBattery, toast.Kind)
}

func TestBatteriesAlertUnknownLocationStillNotifies(t *testing.T) {
	f := newFixture(t)
	f.backend.set(gototech.OpAllCars, []map[string]interface{}{
		{"licencePlate": "11-111-11", "activeReservationNum": "100", "categoryId": 1, "lastFuelPercentage": 10},
	})

	a := alerts.NewBatteriesAlert(f.opts, testRule())
	require.NoError(t, a.StartRequests(context.Background(), "tok"))

	rows := f.sink.lastRows(alerts.TableBatteries)
	require.Len(t, rows, 1)
	assert.Equal(t, alerts.UnknownLocation, rows[0][3].Text)
	assert.Equal(t, 1, f.sink.toastCount())
}

func TestBatteriesAlertCommentSuppressesToast(t *testing.T) {
	f := newFixture(t)
	f.backend.set(gototech.OpAllCars, []map[string]interface{}{
		{"licencePlate": "11-111-11", "activeReservationNum": 100, "categoryId": 1, "lastFuelPercentage": 10},
	})
	f.backend.comments["100"] = []gototech.Comment{{Text: "Battery swap scheduled", CreatedAt: "2024-05-01T10:00:00"}}

	a := alerts.NewBatteriesAlert(f.opts, testRule())
	require.NoError(t, a.StartRequests(context.Background(), "tok"))

	assert.Equal(t, "Battery swap scheduled", f.sink.lastRows(alerts.TableBatteries)[0][4].Text)
	assert.Equal(t, 0, f.sink.toastCount())
}

func TestBatteriesAlertPlaceholder(t *testing.T) {
	f := newFixture(t)

	a := alerts.NewBatteriesAlert(f.opts, testRule())
	require.NoError(t, a.StartRequests(context.Background(), "tok"))

	rows := f.sink.lastRows(alerts.TableBatteries)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"No batteries rides", "0", "0", "0", "0"}, texts(rows[0]))
	assert.Equal(t, 0, f.sink.toastCount())
}
