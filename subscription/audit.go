package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Notification sources
const (
	SourceAppStore = "app_store"
	SourceStripe   = "stripe"
)

// NotificationRecord is one webhook delivery and how it was handled.
type NotificationRecord struct {
	Source           string
	NotificationType string
	Payload          []byte
	Outcome          string
	Error            string
}

// AuditLog records every webhook delivery.
type AuditLog interface {
	RecordNotification(ctx context.Context, rec NotificationRecord) error
}

// PGAuditLog writes deliveries to subscription_notifications.
type PGAuditLog struct {
	db *pgxpool.Pool
}

func NewPGAuditLog(db *pgxpool.Pool) *PGAuditLog {
	return &PGAuditLog{db: db}
}

func (a *PGAuditLog) RecordNotification(ctx context.Context, rec NotificationRecord) error {
	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	_, err := a.db.Exec(ctx, `
		INSERT INTO subscription_notifications (
			source, notification_type, payload_sha256, raw_payload, outcome, error_message
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Source, rec.NotificationType, payloadDigest(rec.Payload), rec.Payload, rec.Outcome, errMsg)
	if err != nil {
		return fmt.Errorf("failed to insert notification record: %w", err)
	}
	return nil
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
