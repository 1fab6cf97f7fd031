package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/models"
	"bitbucket.org/mmdatafocus/press_backend/platform"
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"github.com/sirupsen/logrus"
)

// fakeRunStore mirrors the model layer's transition rules in memory so runner
// semantics can be exercised without a database.
type fakeRunStore struct {
	mu          sync.Mutex
	queues      map[string]*models.PublishQueue
	manuscripts map[int]*models.Manuscript
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		queues:      make(map[string]*models.PublishQueue),
		manuscripts: make(map[int]*models.Manuscript),
	}
}

func (s *fakeRunStore) addQueue(queueId string, ids []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(ids)
	s.queues[queueId] = &models.PublishQueue{
		ID:                queueId,
		Status:            models.QueueStatusCreated,
		ManuscriptIdsJSON: string(raw),
	}
	for pos, id := range ids {
		p := pos
		q := queueId
		s.manuscripts[id] = &models.Manuscript{
			ID:            id,
			Title:         fmt.Sprintf("draft %d", id),
			Body:          "body",
			State:         models.ManuscriptStateInQueue,
			QueueId:       &q,
			QueuePosition: &p,
		}
	}
}

func (s *fakeRunStore) GetQueue(ctx context.Context, queueId string) (*models.PublishQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueId]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	copied := *q
	return &copied, nil
}

func (s *fakeRunStore) SetQueueStatus(ctx context.Context, queueId string, status models.QueueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueId]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	q.Status = status
	return nil
}

func (s *fakeRunStore) GetManuscript(ctx context.Context, id int) (*models.Manuscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manuscripts[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *fakeRunStore) RecordManuscriptResult(ctx context.Context, id int, success bool, detail string) (*models.Manuscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manuscripts[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	if m.State.IsResolved() {
		return nil, utils.ErrorAlreadyResolved
	}
	if m.State != models.ManuscriptStateInQueue {
		return nil, utils.ErrorInvalidState
	}
	now := time.Now().UTC()
	m.ResolvedAt = &now
	if success {
		m.State = models.ManuscriptStateCompleted
		m.LastSuccess = utils.NewTrue()
		m.ExternalRef = utils.NilIfEmpty(detail)
		m.ErrorDetail = nil
	} else {
		f := false
		m.State = models.ManuscriptStateFailed
		m.LastSuccess = &f
		m.ExternalRef = nil
		m.ErrorDetail = utils.NilIfEmpty(detail)
	}
	copied := *m
	return &copied, nil
}

func (s *fakeRunStore) CleanupQueueIfEmpty(ctx context.Context, queueId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueId]; !ok {
		return false, nil
	}
	for _, m := range s.manuscripts {
		if m.State == models.ManuscriptStateInQueue && m.QueueId != nil && *m.QueueId == queueId {
			return false, nil
		}
	}
	delete(s.queues, queueId)
	return true, nil
}

func (s *fakeRunStore) manuscriptState(id int) models.ManuscriptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manuscripts[id].State
}

func (s *fakeRunStore) queueStatus(queueId string) (models.QueueStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueId]
	if !ok {
		return "", false
	}
	return q.Status, true
}

type fakeAuthenticator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeAuthenticator) Authenticate(ctx context.Context, accountId string, credentialMaterial string) (platform.CredentialBundle, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.err != nil {
		return platform.CredentialBundle{}, a.err
	}
	return platform.CredentialBundle{AccessToken: "token-" + accountId, ExpiresIn: 3600}, nil
}

func (a *fakeAuthenticator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakePublisher struct {
	mu        sync.Mutex
	calls     int
	failIds   map[string]bool
	published chan string
}

func (p *fakePublisher) Publish(ctx context.Context, req platform.PublishRequest, cred platform.CredentialBundle) (platform.PublishResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.published != nil {
		p.published <- req.Title
	}
	if p.failIds[req.Title] {
		return platform.PublishResult{}, errors.New("platform rejected draft")
	}
	return platform.PublishResult{ExternalRef: "ref-" + req.Title}, nil
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestRunner(store *fakeRunStore, auth platform.Authenticator, pub platform.Publisher) *PublishRunner {
	sessions := platform.NewSessionManager(auth, platform.NewAttemptLimiter(100, time.Minute), time.Hour)
	r := NewPublishRunner(logrus.New(), sessions, pub)
	r.store = store
	return r
}

func TestRunResolvesAllItemsAndRetiresQueue(t *testing.T) {
	store := newFakeRunStore()
	store.addQueue("q1", []int{1, 2, 3})
	pub := &fakePublisher{}
	runner := newTestRunner(store, &fakeAuthenticator{}, pub)

	result, err := runner.Run(context.Background(), "q1", "acct", "secret", RunParams{
		ScheduleDate:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		BaseHour:      10,
		PostsPerDay:   2,
		IntervalHours: 3,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Succeeded != 3 || result.Failed != 0 {
		t.Fatalf("expected 3 successes, got %d/%d", result.Succeeded, result.Failed)
	}
	if !result.QueueRetired {
		t.Fatalf("queue should auto-retire once no item remains in queue")
	}
	if result.FinalStatus != models.QueueStatusCompleted {
		t.Fatalf("expected Completed, got %s", result.FinalStatus)
	}
	if _, exists := store.queueStatus("q1"); exists {
		t.Fatalf("retired queue record should be gone")
	}
	for id := 1; id <= 3; id++ {
		if got := store.manuscriptState(id); got != models.ManuscriptStateCompleted {
			t.Fatalf("manuscript %d: expected Completed, got %s", id, got)
		}
	}
}

func TestRunIsolatesPerItemFailures(t *testing.T) {
	store := newFakeRunStore()
	store.addQueue("q1", []int{1, 2, 3})
	pub := &fakePublisher{failIds: map[string]bool{"draft 2": true}}
	runner := newTestRunner(store, &fakeAuthenticator{}, pub)

	result, err := runner.Run(context.Background(), "q1", "acct", "secret", RunParams{
		ScheduleDate:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		BaseHour:      10,
		PostsPerDay:   5,
		IntervalHours: 1,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 successes and 1 failure, got %d/%d", result.Succeeded, result.Failed)
	}
	if got := store.manuscriptState(2); got != models.ManuscriptStateFailed {
		t.Fatalf("manuscript 2: expected Failed, got %s", got)
	}
	if got := store.manuscriptState(3); got != models.ManuscriptStateCompleted {
		t.Fatalf("a failure must not block later items; manuscript 3 is %s", got)
	}
	if result.FinalStatus != models.QueueStatusFailed {
		t.Fatalf("expected Failed final status, got %s", result.FinalStatus)
	}
}

func TestRunAuthFailureTouchesNoItem(t *testing.T) {
	store := newFakeRunStore()
	store.addQueue("q1", []int{1, 2})
	auth := &fakeAuthenticator{err: &platform.AuthError{Kind: platform.AuthErrorInvalidCredentials, Detail: "bad password"}}
	pub := &fakePublisher{}
	runner := newTestRunner(store, auth, pub)

	_, err := runner.Run(context.Background(), "q1", "acct", "wrong", RunParams{
		ScheduleDate:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		BaseHour:      10,
		PostsPerDay:   2,
		IntervalHours: 3,
	})
	var authErr *platform.AuthError
	if !errors.As(err, &authErr) || authErr.Kind != platform.AuthErrorInvalidCredentials {
		t.Fatalf("expected InvalidCredentials auth error, got %v", err)
	}
	if pub.callCount() != 0 {
		t.Fatalf("no publish should be attempted after auth failure")
	}
	for id := 1; id <= 2; id++ {
		if got := store.manuscriptState(id); got != models.ManuscriptStateInQueue {
			t.Fatalf("manuscript %d: expected InQueue after auth failure, got %s", id, got)
		}
	}
	if status, ok := store.queueStatus("q1"); !ok || status != models.QueueStatusFailed {
		t.Fatalf("expected queue marked Failed, got %s (exists=%v)", status, ok)
	}
}

func TestRunStopLeavesRemainingItemsQueued(t *testing.T) {
	store := newFakeRunStore()
	store.addQueue("q1", []int{1, 2, 3})
	pub := &fakePublisher{published: make(chan string, 3)}
	runner := newTestRunner(store, &fakeAuthenticator{}, pub)

	done := make(chan *RunResult, 1)
	go func() {
		result, err := runner.Run(context.Background(), "q1", "acct", "secret", RunParams{
			ScheduleDate:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			BaseHour:      10,
			PostsPerDay:   3,
			IntervalHours: 1,
			PerItemDelay:  time.Hour,
		})
		if err != nil {
			t.Errorf("run failed: %v", err)
		}
		done <- result
	}()

	select {
	case <-pub.published:
	case <-time.After(5 * time.Second):
		t.Fatalf("first publish never happened")
	}
	if !runner.Stop("q1") {
		t.Fatalf("expected an active run to stop")
	}

	var result *RunResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after stop")
	}
	if result == nil {
		t.Fatalf("run returned no result")
	}
	if !result.Stopped {
		t.Fatalf("result should report the stop")
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected exactly one processed item, got %d", len(result.Items))
	}
	if got := store.manuscriptState(1); got != models.ManuscriptStateCompleted {
		t.Fatalf("first item should be resolved, got %s", got)
	}
	for id := 2; id <= 3; id++ {
		if got := store.manuscriptState(id); got != models.ManuscriptStateInQueue {
			t.Fatalf("manuscript %d: expected InQueue after stop, got %s", id, got)
		}
	}
	if status, ok := store.queueStatus("q1"); !ok || status != models.QueueStatusCreated {
		t.Fatalf("stopped queue should return to Created, got %s (exists=%v)", status, ok)
	}
}

func TestRunAfterStopCarriesResolvedItemsForward(t *testing.T) {
	store := newFakeRunStore()
	store.addQueue("q1", []int{1, 2, 3})
	// An earlier run resolved item 1 before being stopped; the queue is back
	// in Created with items 2 and 3 still InQueue.
	if _, err := store.RecordManuscriptResult(context.Background(), 1, true, "ref-draft 1"); err != nil {
		t.Fatalf("failed to seed resolved item: %v", err)
	}
	pub := &fakePublisher{}
	runner := newTestRunner(store, &fakeAuthenticator{}, pub)

	result, err := runner.Run(context.Background(), "q1", "acct", "secret", RunParams{
		ScheduleDate:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		BaseHour:      10,
		PostsPerDay:   3,
		IntervalHours: 1,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Succeeded != 3 || result.Failed != 0 {
		t.Fatalf("an already-resolved member is not a new failure; got %d/%d", result.Succeeded, result.Failed)
	}
	first := result.Items[0]
	if !first.AlreadyResolved || !first.Success {
		t.Fatalf("item 1 should carry its prior outcome, got %+v", first)
	}
	if first.ExternalRef != "ref-draft 1" {
		t.Fatalf("item 1 should keep its prior external ref, got %q", first.ExternalRef)
	}
	if pub.callCount() != 2 {
		t.Fatalf("only unresolved members should be published, got %d calls", pub.callCount())
	}
	if result.FinalStatus != models.QueueStatusCompleted {
		t.Fatalf("expected Completed, got %s", result.FinalStatus)
	}
	if !result.QueueRetired {
		t.Fatalf("queue should auto-retire once the remaining items resolve")
	}
}

func TestRunRejectsProcessingQueue(t *testing.T) {
	store := newFakeRunStore()
	store.addQueue("q1", []int{1})
	store.SetQueueStatus(context.Background(), "q1", models.QueueStatusProcessing)
	runner := newTestRunner(store, &fakeAuthenticator{}, &fakePublisher{})

	_, err := runner.Run(context.Background(), "q1", "acct", "secret", RunParams{ScheduleDate: time.Now()})
	if !errors.Is(err, ErrRunAlreadyActive) {
		t.Fatalf("expected ErrRunAlreadyActive, got %v", err)
	}
}
