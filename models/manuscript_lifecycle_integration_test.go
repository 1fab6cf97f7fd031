package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/models"
	"bitbucket.org/mmdatafocus/press_backend/utils"
)

func setupIntegrationEnv(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "press_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
}

func TestManuscriptLifecycle_StatePartitionAndQueueRun(t *testing.T) {
	setupIntegrationEnv(t)

	ctx := context.Background()
	ctx = utils.SetUsernameInContext(ctx, "test@local")
	ctx = utils.SetAccountIdInContext(ctx, "acct-1")

	// Explicit id, then next-ordinal assignment.
	first, err := models.CreateManuscript(ctx, &models.NewManuscript{ID: 10, Title: "First", Body: "a", Tags: []string{"go", "press"}})
	if err != nil {
		t.Fatalf("CreateManuscript: %v", err)
	}
	if first.ID != 10 || first.State != models.ManuscriptStatePending {
		t.Fatalf("expected Pending id=10, got id=%d state=%s", first.ID, first.State)
	}
	second, err := models.CreateManuscript(ctx, &models.NewManuscript{Title: "Second"})
	if err != nil {
		t.Fatalf("CreateManuscript (ordinal): %v", err)
	}
	if second.ID != 11 {
		t.Fatalf("expected next ordinal 11, got %d", second.ID)
	}
	if _, err := models.CreateManuscript(ctx, &models.NewManuscript{ID: 10, Title: "Dup"}); !errors.Is(err, utils.ErrorDuplicateId) {
		t.Fatalf("expected ErrorDuplicateId, got %v", err)
	}
	third, err := models.CreateManuscript(ctx, &models.NewManuscript{Title: "Third"})
	if err != nil {
		t.Fatalf("CreateManuscript: %v", err)
	}

	counts, err := models.CountManuscriptsByState(ctx)
	if err != nil {
		t.Fatalf("CountManuscriptsByState: %v", err)
	}
	if counts[models.ManuscriptStatePending] != 3 {
		t.Fatalf("expected 3 Pending, got %d", counts[models.ManuscriptStatePending])
	}

	// Queue creation relocates all members in caller order.
	accountId := "acct-1"
	queue, err := models.CreateQueue(ctx, []int{second.ID, first.ID}, &accountId, nil)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	inQueue, err := models.ListManuscripts(ctx, models.ManuscriptStateInQueue)
	if err != nil {
		t.Fatalf("ListManuscripts: %v", err)
	}
	if len(inQueue) != 2 {
		t.Fatalf("expected 2 InQueue, got %d", len(inQueue))
	}
	if inQueue[0].ID != second.ID || inQueue[1].ID != first.ID {
		t.Fatalf("queue order not preserved: got %d,%d", inQueue[0].ID, inQueue[1].ID)
	}
	members, err := models.ListQueueManuscripts(ctx, queue.ID)
	if err != nil {
		t.Fatalf("ListQueueManuscripts: %v", err)
	}
	if len(members) != 2 || members[0].ID != second.ID || members[1].ID != first.ID {
		t.Fatalf("queue-scoped listing should return members in plan order, got %d members", len(members))
	}
	if other, err := models.ListQueueManuscripts(ctx, "no-such-queue"); err != nil || len(other) != 0 {
		t.Fatalf("listing an unknown queue should be empty, got %d members (%v)", len(other), err)
	}

	// All-or-nothing: a non-Pending member aborts the whole move, leaving the
	// Pending member untouched and no queue row behind.
	if _, err := models.CreateQueue(ctx, []int{third.ID, first.ID}, &accountId, nil); !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("expected ErrorInvalidState, got %v", err)
	}
	m3, err := models.GetManuscript(ctx, third.ID)
	if err != nil {
		t.Fatalf("GetManuscript: %v", err)
	}
	if m3.State != models.ManuscriptStatePending || m3.QueueId != nil {
		t.Fatalf("aborted move must not touch pending member: state=%s", m3.State)
	}
	if _, err := models.CreateQueue(ctx, []int{999}, &accountId, nil); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound for missing id, got %v", err)
	}

	// Resolve one success, one failure; AlreadyResolved guards the rerecord.
	resolved, err := models.RecordManuscriptResult(ctx, second.ID, true, "post/abc123")
	if err != nil {
		t.Fatalf("RecordManuscriptResult: %v", err)
	}
	if resolved.State != models.ManuscriptStateCompleted || resolved.ExternalRef == nil || *resolved.ExternalRef != "post/abc123" {
		t.Fatalf("unexpected resolved manuscript: %+v", resolved)
	}
	if _, err := models.RecordManuscriptResult(ctx, second.ID, false, "again"); !errors.Is(err, utils.ErrorAlreadyResolved) {
		t.Fatalf("expected ErrorAlreadyResolved, got %v", err)
	}

	retired, err := models.CleanupQueueIfEmpty(ctx, queue.ID)
	if err != nil {
		t.Fatalf("CleanupQueueIfEmpty: %v", err)
	}
	if retired {
		t.Fatalf("queue must not retire while a member is still InQueue")
	}

	if _, err := models.RecordManuscriptResult(ctx, first.ID, false, "platform rejected"); err != nil {
		t.Fatalf("RecordManuscriptResult (failure): %v", err)
	}
	retired, err = models.CleanupQueueIfEmpty(ctx, queue.ID)
	if err != nil {
		t.Fatalf("CleanupQueueIfEmpty: %v", err)
	}
	if !retired {
		t.Fatalf("queue should retire once no member remains InQueue")
	}
	if _, err := models.GetQueue(ctx, queue.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("retired queue should be gone, got %v", err)
	}

	// Failed -> Pending retry clears the prior result.
	retried, err := models.RetryManuscript(ctx, first.ID)
	if err != nil {
		t.Fatalf("RetryManuscript: %v", err)
	}
	if retried.State != models.ManuscriptStatePending || retried.ErrorDetail != nil || retried.ResolvedAt != nil {
		t.Fatalf("retry must clear prior result: %+v", retried)
	}
	if _, err := models.RetryManuscript(ctx, second.ID); !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("expected ErrorInvalidState retrying a Completed manuscript, got %v", err)
	}

	// Lifecycle events landed in the outbox alongside the transitions.
	db := config.GetDB()
	var eventCount int64
	if err := db.WithContext(ctx).Model(&models.PublishEventRecord{}).
		Where("publish_status = ?", models.OutboxPublishStatusPending).
		Count(&eventCount).Error; err != nil {
		t.Fatalf("count outbox records: %v", err)
	}
	// QueueCreated + 2 manuscript results + QueueRetired.
	if eventCount < 4 {
		t.Fatalf("expected at least 4 pending outbox events, got %d", eventCount)
	}
}

func TestDissolveQueue_ReturnsMembersToPending(t *testing.T) {
	setupIntegrationEnv(t)

	ctx := context.Background()
	ctx = utils.SetAccountIdInContext(ctx, "acct-2")

	a, err := models.CreateManuscript(ctx, &models.NewManuscript{Title: "A"})
	if err != nil {
		t.Fatalf("CreateManuscript: %v", err)
	}
	b, err := models.CreateManuscript(ctx, &models.NewManuscript{Title: "B"})
	if err != nil {
		t.Fatalf("CreateManuscript: %v", err)
	}

	queue, err := models.CreateQueue(ctx, []int{a.ID, b.ID}, nil, nil)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if _, err := models.RecordManuscriptResult(ctx, a.ID, true, "post/kept"); err != nil {
		t.Fatalf("RecordManuscriptResult: %v", err)
	}

	if err := models.DissolveQueue(ctx, queue.ID); err != nil {
		t.Fatalf("DissolveQueue: %v", err)
	}

	// The unresolved member went back to Pending; the resolved one kept its record.
	mb, err := models.GetManuscript(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetManuscript: %v", err)
	}
	if mb.State != models.ManuscriptStatePending || mb.QueueId != nil {
		t.Fatalf("dissolve should return InQueue member to Pending: %+v", mb)
	}
	ma, err := models.GetManuscript(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetManuscript: %v", err)
	}
	if ma.State != models.ManuscriptStateCompleted {
		t.Fatalf("dissolve must not touch resolved members: %s", ma.State)
	}
	if _, err := models.GetQueue(ctx, queue.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("dissolved queue should be gone, got %v", err)
	}
	if err := models.DissolveQueue(ctx, queue.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound for missing queue, got %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("press-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("press-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=press_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
