package jobs

import (
	"context"
	"log"
	"time"

	"tipstream/internal/services"
)

// PurgePublishesJob deletes settled scheduled publishes once they fall
// out of the retention window. Pending rows are never touched.
type PurgePublishesJob struct {
	publishes     *services.ScheduledPublishService
	retentionDays int
}

// NewPurgePublishesJob creates a new purge job
func NewPurgePublishesJob(publishes *services.ScheduledPublishService, retentionDays int) *PurgePublishesJob {
	return &PurgePublishesJob{
		publishes:     publishes,
		retentionDays: retentionDays,
	}
}

// Run executes one purge pass
func (j *PurgePublishesJob) Run(ctx context.Context) error {
	if j.publishes == nil {
		log.Println("[PURGE] Publish purge disabled (requires MongoDB)")
		return nil
	}

	log.Printf("[PURGE] Starting scheduled publish purge (retention: %d days)...", j.retentionDays)
	startTime := time.Now()

	deleted, err := j.publishes.PurgeOld(ctx, j.retentionDays)
	if err != nil {
		log.Printf("[PURGE] Purge failed: %v", err)
		return err
	}

	log.Printf("[PURGE] Purge complete: deleted %d settled publishes in %v", deleted, time.Since(startTime))
	return nil
}

// GetNextRunTime returns when the job should run next (daily at 3 AM UTC)
func (j *PurgePublishesJob) GetNextRunTime() time.Time {
	now := time.Now().UTC()

	nextRun := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, time.UTC)

	// If we've passed 3 AM today, schedule for tomorrow
	if now.After(nextRun) {
		nextRun = nextRun.Add(24 * time.Hour)
	}

	return nextRun
}
