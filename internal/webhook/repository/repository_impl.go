package repository

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Exists(ctx context.Context, db *gorm.DB, provider, eventID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM webhook_events WHERE provider = ? AND event_id = ?`,
		provider, eventID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, e *domain.WebhookEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (id, provider, event_id, event_type, processed, occurred_at, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		e.ID,
		e.Provider,
		e.EventID,
		e.EventType,
		e.Processed,
		e.OccurredAt,
		e.ProcessedAt,
	).Error
}
