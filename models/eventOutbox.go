package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PublishEventRecord is a transactional outbox row: lifecycle events are
// written inside the caller's DB transaction and pushed to Pub/Sub by the
// outbox dispatcher only after commit.
type PublishEventRecord struct {
	ID               int        `gorm:"primary_key" json:"id"`
	AccountId        string     `gorm:"size:100;index" json:"account_id"`
	OccurredAt       time.Time  `json:"occurred_at"`
	ReferenceId      string     `gorm:"size:100" json:"reference_id"`
	ReferenceType    string     `gorm:"size:50" json:"reference_type"`
	Action           string     `gorm:"size:50" json:"action"`
	Detail           string     `gorm:"type:text" json:"detail"`
	CorrelationId    string     `gorm:"size:64" json:"correlation_id"`
	PublishStatus    string     `gorm:"size:20;default:'PENDING';index" json:"publish_status"`
	PublishAttempts  int        `json:"publish_attempts"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`
	PubSubMessageId  *string    `gorm:"size:64" json:"pubsub_message_id"`
	PublishedAt      *time.Time `json:"published_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func recordLifecycleEventTx(ctx context.Context, tx *gorm.DB, refType string, refId string, action string, detail string) error {
	accountId, _ := utils.GetAccountIdFromContext(ctx)
	record := PublishEventRecord{
		AccountId:     accountId,
		OccurredAt:    time.Now().UTC(),
		ReferenceId:   refId,
		ReferenceType: refType,
		Action:        action,
		Detail:        detail,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToLifecycleMessage(rec PublishEventRecord) config.LifecycleMessage {
	return config.LifecycleMessage{
		ID:            rec.ID,
		AccountId:     rec.AccountId,
		OccurredAt:    rec.OccurredAt,
		ReferenceId:   rec.ReferenceId,
		ReferenceType: rec.ReferenceType,
		Action:        rec.Action,
		Detail:        rec.Detail,
		CorrelationId: rec.CorrelationId,
	}
}
