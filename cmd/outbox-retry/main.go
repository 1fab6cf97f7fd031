// outbox-retry reverts stuck or dead lifecycle event records back to FAILED so
// the dispatcher picks them up again.
//
// Usage:
//   DB_USER=... DB_NAME=... go run ./cmd/outbox-retry            # stale PROCESSING rows
//   DB_USER=... DB_NAME=... go run ./cmd/outbox-retry -dead      # DEAD rows too
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/models"
)

func main() {
	includeDead := flag.Bool("dead", false, "also revert DEAD records")
	staleMinutes := flag.Int("stale-minutes", 5, "PROCESSING records locked longer than this are considered stuck")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	now := time.Now().UTC()
	staleBefore := now.Add(-time.Duration(*staleMinutes) * time.Minute)

	statuses := []string{models.OutboxPublishStatusProcessing}
	if *includeDead {
		statuses = append(statuses, models.OutboxPublishStatusDead)
	}

	res := db.WithContext(ctx).
		Model(&models.PublishEventRecord{}).
		Where("publish_status IN ?", statuses).
		Where("publish_status <> ? OR locked_at IS NULL OR locked_at <= ?", models.OutboxPublishStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"publish_status":   models.OutboxPublishStatusFailed,
			"next_attempt_at":  &now,
			"locked_at":        nil,
			"locked_by":        nil,
			"publish_attempts": 0,
		})
	if res.Error != nil {
		fmt.Fprintf(os.Stderr, "failed to revert outbox records: %v\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("Reverted %d outbox record(s) to FAILED\n", res.RowsAffected)
}
