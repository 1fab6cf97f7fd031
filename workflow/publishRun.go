package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/models"
	"bitbucket.org/mmdatafocus/press_backend/platform"
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ErrRunAlreadyActive = errors.New("a publish run is already active for this account")

// RunParams carries the operator-tunable knobs of one publish run.
type RunParams struct {
	ScheduleDate    time.Time
	BaseHour        int
	PostsPerDay     int
	IntervalHours   int
	IntervalMinutes int
	PerItemDelay    time.Duration
}

type ItemResult struct {
	ManuscriptId    int       `json:"manuscript_id"`
	Position        int       `json:"position"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	Success         bool      `json:"success"`
	AlreadyResolved bool      `json:"already_resolved,omitempty"`
	ExternalRef     string    `json:"external_ref,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
}

type RunResult struct {
	QueueId      string             `json:"queue_id"`
	Items        []ItemResult       `json:"items"`
	Succeeded    int                `json:"succeeded"`
	Failed       int                `json:"failed"`
	Stopped      bool               `json:"stopped"`
	QueueRetired bool               `json:"queue_retired"`
	FinalStatus  models.QueueStatus `json:"final_status"`
}

// runStore is the slice of persistence the runner needs. The production
// implementation delegates to the model layer; tests substitute a fake.
type runStore interface {
	GetQueue(ctx context.Context, queueId string) (*models.PublishQueue, error)
	SetQueueStatus(ctx context.Context, queueId string, status models.QueueStatus) error
	GetManuscript(ctx context.Context, id int) (*models.Manuscript, error)
	RecordManuscriptResult(ctx context.Context, id int, success bool, detail string) (*models.Manuscript, error)
	CleanupQueueIfEmpty(ctx context.Context, queueId string) (bool, error)
}

type dbRunStore struct{}

func (dbRunStore) GetQueue(ctx context.Context, queueId string) (*models.PublishQueue, error) {
	return models.GetQueue(ctx, queueId)
}

func (dbRunStore) SetQueueStatus(ctx context.Context, queueId string, status models.QueueStatus) error {
	return models.SetQueueStatus(ctx, queueId, status)
}

func (dbRunStore) GetManuscript(ctx context.Context, id int) (*models.Manuscript, error) {
	return models.GetManuscript(ctx, id)
}

func (dbRunStore) RecordManuscriptResult(ctx context.Context, id int, success bool, detail string) (*models.Manuscript, error) {
	return models.RecordManuscriptResult(ctx, id, success, detail)
}

func (dbRunStore) CleanupQueueIfEmpty(ctx context.Context, queueId string) (bool, error) {
	return models.CleanupQueueIfEmpty(ctx, queueId)
}

// PublishRunner drives queue runs sequentially: one session per run, one
// manuscript at a time, every outcome committed before the next item starts.
type PublishRunner struct {
	Logger   *logrus.Logger
	Sessions *platform.SessionManager
	Platform platform.Publisher

	store runStore

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewPublishRunner(logger *logrus.Logger, sessions *platform.SessionManager, pub platform.Publisher) *PublishRunner {
	return &PublishRunner{
		Logger:   logger,
		Sessions: sessions,
		Platform: pub,
		store:    dbRunStore{},
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Stop cancels the active run for queueId, if any. The current item finishes;
// later items stay InQueue untouched.
func (r *PublishRunner) Stop(queueId string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[queueId]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *PublishRunner) registerCancel(queueId string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cancels[queueId]; exists {
		return fmt.Errorf("queue %s is already running", queueId)
	}
	r.cancels[queueId] = cancel
	return nil
}

func (r *PublishRunner) unregisterCancel(queueId string) {
	r.mu.Lock()
	delete(r.cancels, queueId)
	r.mu.Unlock()
}

// Run executes one queue end to end. Authentication failure aborts before any
// item is touched. Per-item publish failures are recorded and the run moves
// on; only the aggregate outcome decides the final queue status.
func (r *PublishRunner) Run(ctx context.Context, queueId string, accountId string, credentialMaterial string, params RunParams) (*RunResult, error) {
	tracer := otel.Tracer("press-backend")
	ctx, span := tracer.Start(ctx, "workflow.PublishRun")
	span.SetAttributes(attribute.String("queue_id", queueId), attribute.String("account_id", accountId))
	defer span.End()

	queue, err := r.store.GetQueue(ctx, queueId)
	if err != nil {
		return nil, err
	}
	if queue.Status == models.QueueStatusProcessing {
		return nil, ErrRunAlreadyActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.registerCancel(queueId, cancel); err != nil {
		return nil, ErrRunAlreadyActive
	}
	defer r.unregisterCancel(queueId)

	// Platform accounts tolerate only one active session, so runs for the
	// same account are serialized across instances.
	ids := queue.ManuscriptIds()
	if lock, lockErr := r.obtainAccountLock(runCtx, accountId, len(ids), params.PerItemDelay); lockErr != nil {
		return nil, lockErr
	} else if lock != nil {
		defer lock.Release(context.Background())
	}

	if err := r.store.SetQueueStatus(runCtx, queueId, models.QueueStatusProcessing); err != nil {
		return nil, err
	}

	session, err := r.Sessions.Authenticate(runCtx, accountId, credentialMaterial, accountId)
	if err != nil {
		// No item was touched; everything stays InQueue for a later retry.
		_ = r.store.SetQueueStatus(runCtx, queueId, models.QueueStatusFailed)
		config.LogError(r.Logger, "workflow", "Run", "platform authentication failed", queueId, err)
		return nil, err
	}
	defer r.Sessions.Revoke(session.ID)

	schedule := ComputeSchedule(params.ScheduleDate, params.BaseHour, len(ids), params.PostsPerDay, params.IntervalHours, params.IntervalMinutes)

	result := &RunResult{QueueId: queueId, Items: make([]ItemResult, 0, len(ids))}
	for i, id := range ids {
		if runCtx.Err() != nil {
			result.Stopped = true
			break
		}

		item := ItemResult{ManuscriptId: id, Position: i, ScheduledAt: schedule[i]}
		r.publishOne(runCtx, session, queueId, id, &item)
		if item.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, item)

		retired, cleanupErr := r.store.CleanupQueueIfEmpty(runCtx, queueId)
		if cleanupErr != nil {
			config.LogError(r.Logger, "workflow", "Run", "queue cleanup failed", queueId, cleanupErr)
		}
		if retired {
			result.QueueRetired = true
		}

		if i < len(ids)-1 && params.PerItemDelay > 0 {
			select {
			case <-runCtx.Done():
				result.Stopped = true
			case <-time.After(params.PerItemDelay):
			}
			if result.Stopped {
				break
			}
		}
	}

	result.FinalStatus = r.finishQueue(queueId, result)
	r.logRunSummary(queueId, accountId, result)
	return result, nil
}

// publishOne resolves a single manuscript: fetch, publish, record. A member
// already resolved under this queue by an earlier run keeps its prior outcome
// instead of being re-published; every other failure path records a Failed
// outcome so the run can keep moving.
func (r *PublishRunner) publishOne(ctx context.Context, session *platform.Session, queueId string, id int, item *ItemResult) {
	manuscript, err := r.store.GetManuscript(ctx, id)
	if err != nil {
		item.ErrorDetail = fmt.Sprintf("manuscript %d missing from queue %s: %v", id, queueId, err)
		config.LogError(r.Logger, "workflow", "publishOne", "manuscript lookup failed", id, err)
		return
	}
	if manuscript.State.IsResolved() && manuscript.QueueId != nil && *manuscript.QueueId == queueId {
		item.AlreadyResolved = true
		item.Success = manuscript.State == models.ManuscriptStateCompleted
		item.ExternalRef = utils.DereferencePtr(manuscript.ExternalRef)
		item.ErrorDetail = utils.DereferencePtr(manuscript.ErrorDetail)
		return
	}
	if manuscript.State != models.ManuscriptStateInQueue || manuscript.QueueId == nil || *manuscript.QueueId != queueId {
		item.ErrorDetail = fmt.Sprintf("manuscript %d is %s, expected InQueue under %s", id, manuscript.State, queueId)
		if _, recErr := r.store.RecordManuscriptResult(ctx, id, false, item.ErrorDetail); recErr != nil && !errors.Is(recErr, utils.ErrorAlreadyResolved) {
			config.LogError(r.Logger, "workflow", "publishOne", "result record failed", id, recErr)
		}
		return
	}

	if _, valErr := r.Sessions.Validate(session.ID); valErr != nil {
		item.ErrorDetail = fmt.Sprintf("session lost mid-run: %v", valErr)
		if _, recErr := r.store.RecordManuscriptResult(ctx, id, false, item.ErrorDetail); recErr != nil {
			config.LogError(r.Logger, "workflow", "publishOne", "result record failed", id, recErr)
		}
		return
	}

	scheduledAt := item.ScheduledAt
	req := platform.PublishRequest{
		Title:       manuscript.Title,
		Body:        manuscript.Body,
		Tags:        manuscript.TagList(),
		Category:    utils.DereferencePtr(manuscript.Category),
		ScheduledAt: &scheduledAt,
	}
	if len(manuscript.Attachments) > 0 {
		att := manuscript.Attachments[0]
		if att.ThumbUrl != nil && *att.ThumbUrl != "" {
			req.CoverURL = *att.ThumbUrl
		} else {
			req.CoverURL = att.ObjectUrl
		}
	}

	pubResult, pubErr := r.Platform.Publish(ctx, req, session.Bundle)
	if pubErr != nil {
		item.ErrorDetail = pubErr.Error()
		if _, recErr := r.store.RecordManuscriptResult(ctx, id, false, item.ErrorDetail); recErr != nil {
			config.LogError(r.Logger, "workflow", "publishOne", "result record failed", id, recErr)
		}
		return
	}

	if _, recErr := r.store.RecordManuscriptResult(ctx, id, true, pubResult.ExternalRef); recErr != nil {
		config.LogError(r.Logger, "workflow", "publishOne", "result record failed", id, recErr)
		item.ErrorDetail = recErr.Error()
		return
	}
	item.Success = true
	item.ExternalRef = pubResult.ExternalRef
}

func (r *PublishRunner) finishQueue(queueId string, result *RunResult) models.QueueStatus {
	// Use a fresh context: the run context may already be cancelled and the
	// final status still has to land.
	ctx := context.Background()
	var status models.QueueStatus
	switch {
	case result.QueueRetired:
		status = models.QueueStatusCompleted
		if result.Failed > 0 {
			status = models.QueueStatusFailed
		}
		return status
	case result.Stopped:
		// Remaining items are untouched; the queue can be re-run or dissolved.
		status = models.QueueStatusCreated
	case result.Failed > 0:
		status = models.QueueStatusFailed
	default:
		status = models.QueueStatusCompleted
	}
	if err := r.store.SetQueueStatus(ctx, queueId, status); err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
		config.LogError(r.Logger, "workflow", "finishQueue", "final status update failed", queueId, err)
	}
	return status
}

func (r *PublishRunner) obtainAccountLock(ctx context.Context, accountId string, itemCount int, perItemDelay time.Duration) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil || accountId == "" {
		return nil, nil
	}
	ttl := time.Duration(itemCount)*(perItemDelay+30*time.Second) + time.Minute
	lock, err := locker.Obtain(ctx, "publish-run:"+accountId, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrRunAlreadyActive
		}
		return nil, err
	}
	return lock, nil
}

func (r *PublishRunner) logRunSummary(queueId string, accountId string, result *RunResult) {
	if r.Logger == nil {
		return
	}
	r.Logger.WithFields(logrus.Fields{
		"module":        "workflow",
		"queue_id":      queueId,
		"account_id":    accountId,
		"succeeded":     result.Succeeded,
		"failed":        result.Failed,
		"stopped":       result.Stopped,
		"queue_retired": result.QueueRetired,
		"final_status":  result.FinalStatus,
	}).Info("publish run finished")
}
