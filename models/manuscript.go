package models

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manuscript is a single unit of content tracked through its publishing lifecycle.
// State lives in an explicit column: a row is always in exactly one state, and
// transitions are single durable UPDATEs (crash-safe by construction).
type Manuscript struct {
	ID            int             `gorm:"primary_key" json:"id"`
	Title         string          `gorm:"size:255;not null" json:"title" binding:"required"`
	Body          string          `gorm:"type:longtext" json:"body"`
	Tags          string          `gorm:"size:500" json:"tags"`
	Category      *string         `gorm:"size:100" json:"category"`
	State         ManuscriptState `gorm:"type:enum('Pending','InQueue','Completed','Failed');default:'Pending';index" json:"state"`
	QueueId       *string         `gorm:"size:36;index" json:"queue_id"`
	QueuePosition *int            `json:"queue_position"`
	LastSuccess   *bool           `json:"last_success"`
	ExternalRef   *string         `gorm:"size:255" json:"external_ref"`
	ErrorDetail   *string         `gorm:"type:text" json:"error_detail"`
	Attachments   []Attachment    `gorm:"foreignKey:ManuscriptId" json:"attachments"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at"`
}

type NewManuscript struct {
	ID       int      `json:"id"`
	Title    string   `json:"title" binding:"required"`
	Body     string   `json:"body"`
	Tags     []string `json:"tags"`
	Category string   `json:"category"`
}

func (m *Manuscript) TagList() []string {
	if strings.TrimSpace(m.Tags) == "" {
		return nil
	}
	parts := strings.Split(m.Tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CreateManuscript stores a new manuscript in Pending state.
// A zero input id means "assign the next ordinal".
func CreateManuscript(ctx context.Context, input *NewManuscript) (*Manuscript, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, errors.New("title is required")
	}

	db := config.GetDB()
	result := Manuscript{
		Title:    html.EscapeString(strings.TrimSpace(input.Title)),
		Body:     input.Body,
		Tags:     strings.Join(input.Tags, ","),
		Category: utils.NilIfEmpty(input.Category),
		State:    ManuscriptStatePending,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.ID > 0 {
			var count int64
			if err := tx.Model(&Manuscript{}).Where("id = ?", input.ID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return utils.ErrorDuplicateId
			}
			result.ID = input.ID
		} else {
			var maxId int
			if err := tx.Model(&Manuscript{}).Select("COALESCE(MAX(id), 0)").Scan(&maxId).Error; err != nil {
				return err
			}
			result.ID = maxId + 1
		}
		return tx.Create(&result).Error
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func GetManuscript(ctx context.Context, id int) (*Manuscript, error) {
	db := config.GetDB()
	var result Manuscript
	if err := db.WithContext(ctx).Preload("Attachments").First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// ListManuscripts returns all manuscripts in the given state.
// InQueue results come back in publish order; other states are unordered.
func ListManuscripts(ctx context.Context, state ManuscriptState) ([]*Manuscript, error) {
	db := config.GetDB()
	var results []*Manuscript
	dbCtx := db.WithContext(ctx).Where("state = ?", state)
	if state == ManuscriptStateInQueue {
		dbCtx = dbCtx.Order("queue_id, queue_position")
	}
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ListQueueManuscripts returns the InQueue members of one queue in plan order.
func ListQueueManuscripts(ctx context.Context, queueId string) ([]*Manuscript, error) {
	db := config.GetDB()
	var results []*Manuscript
	if err := db.WithContext(ctx).
		Where("state = ? AND queue_id = ?", ManuscriptStateInQueue, queueId).
		Order("queue_position").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// CountManuscriptsByState returns the size of each lifecycle partition.
func CountManuscriptsByState(ctx context.Context) (map[ManuscriptState]int64, error) {
	db := config.GetDB()
	type row struct {
		State ManuscriptState
		N     int64
	}
	var rows []row
	if err := db.WithContext(ctx).Model(&Manuscript{}).
		Select("state, COUNT(*) AS n").Group("state").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[ManuscriptState]int64, len(AllManuscriptStates))
	for _, s := range AllManuscriptStates {
		counts[s] = 0
	}
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}

// moveManuscriptsToQueueTx relocates Pending manuscripts into queue scope,
// preserving the caller-supplied order. The whole move fails if any id is
// missing or not Pending; callers own the surrounding transaction.
func moveManuscriptsToQueueTx(tx *gorm.DB, ids []int, queueId string) error {
	if len(ids) == 0 {
		return errors.New("manuscript id set is empty")
	}

	var rows []Manuscript
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "state").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return err
	}
	byId := make(map[int]ManuscriptState, len(rows))
	for _, r := range rows {
		byId[r.ID] = r.State
	}
	for _, id := range ids {
		state, ok := byId[id]
		if !ok {
			return fmt.Errorf("manuscript %d: %w", id, utils.ErrorRecordNotFound)
		}
		if state != ManuscriptStatePending {
			return fmt.Errorf("manuscript %d is %s: %w", id, state, utils.ErrorInvalidState)
		}
	}

	for pos, id := range ids {
		if err := tx.Model(&Manuscript{}).Where("id = ? AND state = ?", id, ManuscriptStatePending).
			Updates(map[string]interface{}{
				"state":          ManuscriptStateInQueue,
				"queue_id":       queueId,
				"queue_position": pos,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

// MoveManuscriptsToQueue is the standalone (single transaction) form.
func MoveManuscriptsToQueue(ctx context.Context, ids []int, queueId string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return moveManuscriptsToQueueTx(tx, ids, queueId)
	})
}

// RecordManuscriptResult resolves an InQueue manuscript to Completed or Failed.
// The transition and its lifecycle event commit together, so the orchestrator
// never advances past an item whose outcome is not yet durable.
func RecordManuscriptResult(ctx context.Context, id int, success bool, detail string) (*Manuscript, error) {
	db := config.GetDB()
	var result Manuscript

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&result, id).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if result.State.IsResolved() {
			return utils.ErrorAlreadyResolved
		}
		if result.State != ManuscriptStateInQueue {
			return utils.ErrorInvalidState
		}

		now := time.Now().UTC()
		state := ManuscriptStateCompleted
		action := LifecycleActionManuscriptCompleted
		updates := map[string]interface{}{
			"state":        state,
			"last_success": true,
			"resolved_at":  &now,
			"external_ref": utils.NilIfEmpty(detail),
			"error_detail": nil,
		}
		if !success {
			state = ManuscriptStateFailed
			action = LifecycleActionManuscriptFailed
			updates["state"] = state
			updates["last_success"] = false
			updates["external_ref"] = nil
			updates["error_detail"] = utils.NilIfEmpty(detail)
		}
		if err := tx.Model(&Manuscript{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		result.State = state
		result.ResolvedAt = &now
		if success {
			result.LastSuccess = utils.NewTrue()
			result.ExternalRef = utils.NilIfEmpty(detail)
			result.ErrorDetail = nil
		} else {
			f := false
			result.LastSuccess = &f
			result.ExternalRef = nil
			result.ErrorDetail = utils.NilIfEmpty(detail)
		}

		return recordLifecycleEventTx(ctx, tx, LifecycleReferenceManuscript, fmt.Sprint(id), action, detail)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RetryManuscript returns a Failed manuscript to Pending, clearing its prior result.
func RetryManuscript(ctx context.Context, id int) (*Manuscript, error) {
	db := config.GetDB()
	var result Manuscript

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&result, id).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if result.State != ManuscriptStateFailed {
			return utils.ErrorInvalidState
		}
		return tx.Model(&Manuscript{}).Where("id = ?", id).Updates(map[string]interface{}{
			"state":          ManuscriptStatePending,
			"queue_id":       nil,
			"queue_position": nil,
			"last_success":   nil,
			"external_ref":   nil,
			"error_detail":   nil,
			"resolved_at":    nil,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	result.State = ManuscriptStatePending
	result.QueueId = nil
	result.QueuePosition = nil
	result.LastSuccess = nil
	result.ExternalRef = nil
	result.ErrorDetail = nil
	result.ResolvedAt = nil
	return &result, nil
}

// RemoveManuscript deletes a manuscript regardless of state. Irreversible.
func RemoveManuscript(ctx context.Context, id int) error {
	db := config.GetDB()
	res := db.WithContext(ctx).Delete(&Manuscript{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
