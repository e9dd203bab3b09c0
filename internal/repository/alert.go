package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/fleetalert/internal/models"
)

// AlertRepository 告警历史仓库
type AlertRepository struct {
	db *DB
}

// NewAlertRepository 创建告警仓库
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Record 记录一条告警
func (r *AlertRepository) Record(ctx context.Context, a *models.AlertRecord) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO alert_history (kind, ride_id, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		a.Kind,
		a.RideID,
		a.Title,
		a.Message,
		a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListRecent 获取某时间之后的告警，按时间倒序
func (r *AlertRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, kind, ride_id, title, message, created_at
		FROM alert_history
		WHERE created_at >= $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.AlertRecord
	for rows.Next() {
		a := &models.AlertRecord{}
		if err := rows.Scan(&a.ID, &a.Kind, &a.RideID, &a.Title, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// DeleteBefore 清理旧告警
func (r *AlertRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM alert_history WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}
