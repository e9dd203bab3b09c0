package models

import "time"

// Backend 后台类型
type Backend string

const (
	BackendGoto    Backend = "goto"
	BackendAutotel Backend = "autotel"
)

// 告警种类
const (
	KindLateRide     = "late_rides"
	KindBattery      = "batteries"
	KindLongRide     = "long_rides"
	KindNotification = "notification"
	KindSystem       = "system"
)

// AlertRecord 已发出的告警记录
type AlertRecord struct {
	ID        int64     `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	RideID    string    `json:"ride_id,omitempty" db:"ride_id"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Notification CRM 推送通知
type Notification struct {
	ID         string    `json:"appnotificationid"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	CreatedOn  time.Time `json:"createdon"`
	ModifiedOn time.Time `json:"modifiedon"`
}
