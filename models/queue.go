package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PublishQueue is a named, ordered batch of manuscripts slated for one
// sequential publish run. The manuscript id list is a snapshot of the plan;
// item outcomes live on the manuscripts themselves.
type PublishQueue struct {
	ID                string      `gorm:"primary_key;size:36" json:"id"`
	AccountId         *string     `gorm:"size:100;index" json:"account_id"`
	ScheduleDate      *time.Time  `json:"schedule_date"`
	Status            QueueStatus `gorm:"type:enum('Created','Processing','Completed','Failed');default:'Created';index" json:"status"`
	ManuscriptIdsJSON string      `gorm:"type:text" json:"-"`
	CreatedAt         time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (q *PublishQueue) ManuscriptIds() []int {
	var ids []int
	if q.ManuscriptIdsJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(q.ManuscriptIdsJSON), &ids); err != nil {
		return nil
	}
	return ids
}

// CreateQueue snapshots the ordered id set and relocates every listed Pending
// manuscript into queue scope. All-or-nothing: any invalid id aborts the whole
// call and no queue record is created.
func CreateQueue(ctx context.Context, ids []int, accountId *string, scheduleDate *time.Time) (*PublishQueue, error) {
	if len(ids) == 0 {
		return nil, errors.New("manuscript id set is empty")
	}
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, errors.New("duplicate manuscript id in queue plan")
		}
		seen[id] = true
	}

	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	queue := PublishQueue{
		ID:                uuid.NewString(),
		AccountId:         accountId,
		ScheduleDate:      scheduleDate,
		Status:            QueueStatusCreated,
		ManuscriptIdsJSON: string(idsJSON),
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&queue).Error; err != nil {
			return err
		}
		if err := moveManuscriptsToQueueTx(tx, ids, queue.ID); err != nil {
			return err
		}
		return recordLifecycleEventTx(ctx, tx, LifecycleReferenceQueue, queue.ID, LifecycleActionQueueCreated, "")
	})
	if err != nil {
		return nil, err
	}
	return &queue, nil
}

func GetQueue(ctx context.Context, queueId string) (*PublishQueue, error) {
	db := config.GetDB()
	var result PublishQueue
	if err := db.WithContext(ctx).Where("id = ?", queueId).Take(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func ListActiveQueues(ctx context.Context) ([]*PublishQueue, error) {
	db := config.GetDB()
	var results []*PublishQueue
	if err := db.WithContext(ctx).
		Where("status IN ?", []QueueStatus{QueueStatusCreated, QueueStatusProcessing}).
		Order("created_at").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func SetQueueStatus(ctx context.Context, queueId string, status QueueStatus) error {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&PublishQueue{}).Where("id = ?", queueId).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// CleanupQueueIfEmpty retires the queue record once no manuscript remains
// InQueue under it. Resolved manuscripts keep their own records. Returns
// whether the queue was deleted.
func CleanupQueueIfEmpty(ctx context.Context, queueId string) (bool, error) {
	db := config.GetDB()
	deleted := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var remaining int64
		if err := tx.Model(&Manuscript{}).
			Where("queue_id = ? AND state = ?", queueId, ManuscriptStateInQueue).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		res := tx.Delete(&PublishQueue{}, "id = ?", queueId)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// already retired by a concurrent worker
			return nil
		}
		deleted = true
		return recordLifecycleEventTx(ctx, tx, LifecycleReferenceQueue, queueId, LifecycleActionQueueRetired, "")
	})
	return deleted, err
}

// DissolveQueue is the operator escape hatch: every manuscript still InQueue
// goes back to Pending and the queue record is deleted.
func DissolveQueue(ctx context.Context, queueId string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var queue PublishQueue
		if err := tx.Where("id = ?", queueId).Take(&queue).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if err := tx.Model(&Manuscript{}).
			Where("queue_id = ? AND state = ?", queueId, ManuscriptStateInQueue).
			Updates(map[string]interface{}{
				"state":          ManuscriptStatePending,
				"queue_id":       nil,
				"queue_position": nil,
			}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&PublishQueue{}, "id = ?", queueId).Error; err != nil {
			return err
		}
		return recordLifecycleEventTx(ctx, tx, LifecycleReferenceQueue, queueId, LifecycleActionQueueDissolved, "")
	})
}
