package gototech

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ID 后台 ID，可能是数字也可能是字符串
type ID string

// UnmarshalJSON 同时接受数字与字符串
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Reservation 订单
type Reservation struct {
	ID              ID     `json:"id"`
	CarLicencePlate string `json:"carLicencePlate"`
	StartDate       string `json:"startDate"`
	EndDate         string `json:"endDate"`
	ActualStartDate string `json:"actualStartDate"`
	DriverName      string `json:"driverName"`
	DriverID        ID     `json:"driverId"`
}

// Car 车辆
type Car struct {
	LicencePlate         string  `json:"licencePlate"`
	ActiveReservationNum ID      `json:"activeReservationNum"`
	CategoryID           int     `json:"categoryId"`
	LastFuelPercentage   float64 `json:"lastFuelPercentage"`
}

// Comment 订单备注
type Comment struct {
	Text      string `json:"comment"`
	CreatedAt string `json:"createdDate"`
	CreatedBy string `json:"createdBy"`
}

// 后台时间格式
var timeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
}

// ParseTime 解析后台时间戳。带时区偏移的按偏移解析，否则按 loc 解析
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// LatestComment 最新一条非空备注
func LatestComment(comments []Comment, loc *time.Location) string {
	type dated struct {
		at   time.Time
		text string
		idx  int
	}
	var list []dated
	for i, c := range comments {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		at, _ := ParseTime(c.CreatedAt, loc)
		list = append(list, dated{at: at, text: text, idx: i})
	}
	if len(list) == 0 {
		return ""
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].at.Equal(list[j].at) {
			return list[i].at.After(list[j].at)
		}
		return list[i].idx > list[j].idx
	})
	return list[0].text
}

// Percent 电量百分比显示
func Percent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}
