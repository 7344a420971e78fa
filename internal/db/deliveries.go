package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const deliveryColumns = `
	newsletter_id, user_id, sent_at, first_viewed_at, viewed_at,
	view_count, viewer_ip, created_at, updated_at
`

// BeginDelivery creates the delivery record when a send job starts and
// reports whether it was already marked sent.
func (r *Repository) BeginDelivery(ctx context.Context, newsletterID, userID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO newsletter_deliveries (newsletter_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (newsletter_id, user_id) DO UPDATE
		SET updated_at = newsletter_deliveries.updated_at
		RETURNING sent_at IS NOT NULL
	`

	var sent bool
	err := r.db.Pool().QueryRow(ctx, query, newsletterID, userID).Scan(&sent)
	if isPgError(err, pgForeignKeyViolation) {
		return false, ErrUnknownDelivery
	}
	if err != nil {
		return false, fmt.Errorf("begin delivery: %w", err)
	}

	return sent, nil
}

// RecordSent marks the delivery as sent. sent_at is only set the first time,
// so re-running a job after an at-least-once redelivery keeps the original stamp.
func (r *Repository) RecordSent(ctx context.Context, newsletterID, userID uuid.UUID) error {
	query := `
		INSERT INTO newsletter_deliveries (newsletter_id, user_id, sent_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (newsletter_id, user_id) DO UPDATE
		SET sent_at = COALESCE(newsletter_deliveries.sent_at, EXCLUDED.sent_at),
		    updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query, newsletterID, userID, r.now().UTC())
	if isPgError(err, pgForeignKeyViolation) {
		return ErrUnknownDelivery
	}
	if err != nil {
		r.logger.Error("failed to record sent",
			zap.Error(err),
			zap.String("newsletter_id", newsletterID.String()),
			zap.String("user_id", userID.String()),
		)
		return fmt.Errorf("record sent: %w", err)
	}

	return nil
}

// RecordView registers one pixel fetch in a single atomic upsert.
// viewed_at always moves to the latest view, first_viewed_at keeps the first.
func (r *Repository) RecordView(ctx context.Context, newsletterID, userID uuid.UUID, ip string) error {
	query := `
		INSERT INTO newsletter_deliveries (
			newsletter_id, user_id, first_viewed_at, viewed_at, view_count, viewer_ip
		) VALUES ($1, $2, $3, $3, 1, $4)
		ON CONFLICT (newsletter_id, user_id) DO UPDATE
		SET first_viewed_at = COALESCE(newsletter_deliveries.first_viewed_at, EXCLUDED.viewed_at),
		    viewed_at = EXCLUDED.viewed_at,
		    view_count = newsletter_deliveries.view_count + 1,
		    viewer_ip = EXCLUDED.viewer_ip,
		    updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query, newsletterID, userID, r.now().UTC(), ip)
	if isPgError(err, pgForeignKeyViolation) {
		return ErrUnknownDelivery
	}
	if err != nil {
		return fmt.Errorf("record view: %w", err)
	}

	return nil
}

// GetDelivery retrieves one delivery record
func (r *Repository) GetDelivery(ctx context.Context, newsletterID, userID uuid.UUID) (*Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM newsletter_deliveries
		WHERE newsletter_id = $1 AND user_id = $2
	`

	rows, err := r.db.Pool().Query(ctx, query, newsletterID, userID)
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	d, err := pgx.CollectExactlyOneRow(rows, scanDelivery)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s/%s: %w", newsletterID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}

	return d, nil
}

// ListDeliveries retrieves the delivery records of a newsletter with pagination
func (r *Repository) ListDeliveries(ctx context.Context, newsletterID uuid.UUID, limit, offset int) ([]*Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM newsletter_deliveries
		WHERE newsletter_id = $1
		ORDER BY created_at ASC, user_id ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, newsletterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}

	deliveries, err := pgx.CollectRows(rows, scanDelivery)
	if err != nil {
		return nil, fmt.Errorf("scan deliveries: %w", err)
	}

	return deliveries, nil
}

// DeliveryStats counts sent and viewed records of a newsletter
func (r *Repository) DeliveryStats(ctx context.Context, newsletterID uuid.UUID) (*DeliveryStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(sent_at),
			COUNT(viewed_at),
			COALESCE(SUM(view_count), 0)
		FROM newsletter_deliveries
		WHERE newsletter_id = $1
	`

	stats := DeliveryStats{NewsletterID: newsletterID}
	err := r.db.Pool().QueryRow(ctx, query, newsletterID).Scan(&stats.Total, &stats.Sent, &stats.Viewed, &stats.Views)
	if err != nil {
		return nil, fmt.Errorf("query delivery stats: %w", err)
	}

	return &stats, nil
}

func scanDelivery(row pgx.CollectableRow) (*Delivery, error) {
	var d Delivery
	err := row.Scan(
		&d.NewsletterID,
		&d.UserID,
		&d.SentAt,
		&d.FirstViewedAt,
		&d.ViewedAt,
		&d.ViewCount,
		&d.ViewerIP,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return &d, err
}
