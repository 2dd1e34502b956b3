package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tipstream/internal/config"
	"tipstream/internal/database"
	"tipstream/internal/models"
)

// RelayPublisher delivers one pre-signed payload to one relay.
type RelayPublisher interface {
	Publish(ctx context.Context, relayURL, payload string) error
}

// publishRetryBase is the backoff unit between delivery attempts. The
// n-th retry waits base * 2^(n-1).
const publishRetryBase = time.Minute

// ScheduledPublishService stores pre-signed records and delivers them
// to their target relays once their scheduled time has passed. A
// cron-driven sweep claims due pending rows in batches; when Redis is
// available, a per-minute lock ensures only one instance sweeps.
type ScheduledPublishService struct {
	mongoDB      *database.MongoDB
	redisService *RedisService
	publisher    RelayPublisher
	relayList    *RelayListService
	scheduler    gocron.Scheduler
	resources    *ResourceManager
	instanceID   string
	cronExpr     string
	batchSize    int
	maxRetries   int
}

// NewScheduledPublishService creates a new scheduled publish service
func NewScheduledPublishService(
	mongoDB *database.MongoDB,
	redisService *RedisService,
	publisher RelayPublisher,
	relayList *RelayListService,
	cfg *config.Config,
) (*ScheduledPublishService, error) {
	// Validate the sweep cron expression up front
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cfg.PublishCron); err != nil {
		return nil, fmt.Errorf("invalid publish cron expression %q: %w", cfg.PublishCron, err)
	}

	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &ScheduledPublishService{
		mongoDB:      mongoDB,
		redisService: redisService,
		publisher:    publisher,
		relayList:    relayList,
		scheduler:    scheduler,
		resources:    NewResourceManager(cfg.PublishConcurrency),
		instanceID:   uuid.New().String(),
		cronExpr:     cfg.PublishCron,
		batchSize:    cfg.PublishBatchSize,
		maxRetries:   cfg.PublishMaxRetries,
	}, nil
}

// Start registers the sweep job and starts the scheduler
func (s *ScheduledPublishService) Start() error {
	log.Println("⏰ Starting scheduled publish service...")

	_, err := s.scheduler.NewJob(
		gocron.CronJob(s.cronExpr, false),
		gocron.NewTask(func() {
			s.sweep()
		}),
		gocron.WithName("publish-sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to register sweep job: %w", err)
	}

	s.scheduler.Start()
	log.Printf("✅ Scheduled publish service started (cron: %s, batch: %d)", s.cronExpr, s.batchSize)
	return nil
}

// Stop stops the scheduler
func (s *ScheduledPublishService) Stop() error {
	log.Println("⏹️ Stopping scheduled publish service...")
	return s.scheduler.Shutdown()
}

// sweep runs one delivery pass. With Redis available, a minute-level
// lock prevents duplicate sweeps across instances.
func (s *ScheduledPublishService) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if s.redisService != nil {
		lockKey := fmt.Sprintf("publish-lock:%d", time.Now().Unix()/60)

		acquired, err := s.redisService.AcquireLock(ctx, lockKey, s.instanceID, 5*time.Minute)
		if err != nil {
			log.Printf("❌ [PUBLISH] Failed to acquire sweep lock: %v", err)
			return
		}
		if !acquired {
			log.Println("⏭️ [PUBLISH] Sweep already running on another instance")
			return
		}
		defer func() {
			if _, err := s.redisService.ReleaseLock(ctx, lockKey, s.instanceID); err != nil {
				log.Printf("⚠️ [PUBLISH] Failed to release sweep lock: %v", err)
			}
		}()
	}

	processed, err := s.ProcessDue(ctx)
	if err != nil {
		log.Printf("❌ [PUBLISH] Sweep failed: %v", err)
		return
	}
	if processed > 0 {
		log.Printf("📤 [PUBLISH] Sweep processed %d scheduled publishes", processed)
	}
}

// ProcessDue delivers every pending row whose scheduled time has
// passed, up to the batch size, with bounded concurrency. Each row is
// settled independently: one bad row never blocks the rest.
func (s *ScheduledPublishService) ProcessDue(ctx context.Context) (int, error) {
	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)

	findOpts := options.Find().
		SetSort(bson.D{{Key: "scheduledTime", Value: 1}}).
		SetLimit(int64(s.batchSize))

	cursor, err := collection.Find(ctx, bson.M{
		"status":        models.PublishStatusPending,
		"scheduledTime": bson.M{"$lte": time.Now()},
	}, findOpts)
	if err != nil {
		return 0, fmt.Errorf("failed to query due publishes: %w", err)
	}
	defer cursor.Close(ctx)

	var due []models.ScheduledPublish
	for cursor.Next(ctx) {
		var row models.ScheduledPublish
		if err := cursor.Decode(&row); err != nil {
			log.Printf("⚠️ [PUBLISH] Failed to decode scheduled publish: %v", err)
			continue
		}
		due = append(due, row)
	}

	if len(due) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, row := range due {
		if err := s.resources.Acquire(ctx); err != nil {
			break
		}

		wg.Add(1)
		go func(row models.ScheduledPublish) {
			defer wg.Done()
			defer s.resources.Release()
			s.deliver(ctx, row)
		}(row)
	}
	wg.Wait()

	return len(due), nil
}

// deliver attempts the row against every target relay and records the
// outcome. One accepting relay is enough to count as published.
func (s *ScheduledPublishService) deliver(ctx context.Context, row models.ScheduledPublish) {
	targets := row.Relays
	if len(targets) == 0 {
		targets = s.relayList.WriteRelayURLs()
	}

	if len(targets) == 0 {
		s.settleFailure(ctx, row, "no write relays configured")
		return
	}

	accepted, errs := attemptDelivery(ctx, s.publisher, targets, row.Payload)
	if accepted > 0 {
		s.settleSuccess(ctx, row, accepted, len(targets), errs)
		return
	}
	s.settleFailure(ctx, row, strings.Join(errs, "; "))
}

// attemptDelivery tries the payload against every target relay. One
// accepting relay is enough for the row to count as published.
func attemptDelivery(ctx context.Context, publisher RelayPublisher, targets []string, payload string) (int, []string) {
	accepted := 0
	var errs []string
	for _, url := range targets {
		if err := publisher.Publish(ctx, url, payload); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", url, err))
			continue
		}
		accepted++
	}
	return accepted, errs
}

// retryBackoff returns the wait before the next delivery attempt.
// attempt is 1-based: 1m, 2m, 4m, and so on.
func retryBackoff(attempt int) time.Duration {
	return publishRetryBase << (attempt - 1)
}

// settleSuccess marks the row published. Partial rejections are kept
// in the error message for inspection.
func (s *ScheduledPublishService) settleSuccess(ctx context.Context, row models.ScheduledPublish, accepted, total int, errs []string) {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":        models.PublishStatusPublished,
			"publishedTime": now,
			"errorMessage":  strings.Join(errs, "; "),
			"updatedAt":     now,
		},
	}

	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)
	if _, err := collection.UpdateByID(ctx, row.ID, update); err != nil {
		log.Printf("⚠️ [PUBLISH] Failed to mark %s published: %v", row.ID.Hex(), err)
		return
	}

	log.Printf("✅ [PUBLISH] Delivered %s to %d/%d relays", row.ID.Hex(), accepted, total)
}

// settleFailure reschedules the row with backoff while attempts
// remain, and marks it failed once they run out.
func (s *ScheduledPublishService) settleFailure(ctx context.Context, row models.ScheduledPublish, errMsg string) {
	now := time.Now()
	attempts := row.RetryCount + 1

	var update bson.M
	if attempts < s.maxRetries {
		backoff := retryBackoff(attempts)
		update = bson.M{
			"$set": bson.M{
				"scheduledTime": now.Add(backoff),
				"errorMessage":  errMsg,
				"updatedAt":     now,
			},
			"$inc": bson.M{"retryCount": 1},
		}
		log.Printf("⚠️ [PUBLISH] %s rejected everywhere, retry %d/%d in %s", row.ID.Hex(), attempts, s.maxRetries, backoff)
	} else {
		update = bson.M{
			"$set": bson.M{
				"status":       models.PublishStatusFailed,
				"errorMessage": errMsg,
				"updatedAt":    now,
			},
			"$inc": bson.M{"retryCount": 1},
		}
		log.Printf("❌ [PUBLISH] %s failed permanently after %d attempts: %s", row.ID.Hex(), attempts, errMsg)
	}

	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)
	if _, err := collection.UpdateByID(ctx, row.ID, update); err != nil {
		log.Printf("⚠️ [PUBLISH] Failed to update %s: %v", row.ID.Hex(), err)
	}
}

// Create schedules a new publish
func (s *ScheduledPublishService) Create(ctx context.Context, req *models.CreatePublishRequest) (*models.ScheduledPublish, error) {
	if req.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if req.Kind == "" {
		return nil, fmt.Errorf("kind is required")
	}
	if req.Payload == "" {
		return nil, fmt.Errorf("payload is required")
	}
	if req.ScheduledTime <= 0 {
		return nil, fmt.Errorf("scheduled_time is required")
	}

	now := time.Now()
	doc := &models.ScheduledPublish{
		ID:            primitive.NewObjectID(),
		Subject:       req.Subject,
		Kind:          req.Kind,
		Payload:       req.Payload,
		Relays:        req.Relays,
		ScheduledTime: time.Unix(req.ScheduledTime, 0).UTC(),
		Status:        models.PublishStatusPending,
		RetryCount:    0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)
	if _, err := collection.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create scheduled publish: %w", err)
	}

	log.Printf("✅ Scheduled publish %s for subject %s at %s", doc.ID.Hex(), doc.Subject, doc.ScheduledTime.Format(time.RFC3339))
	return doc, nil
}

// List returns scheduled publishes, optionally filtered by subject and
// status, newest scheduled first.
func (s *ScheduledPublishService) List(ctx context.Context, subject, status string, limit int64) ([]models.ScheduledPublish, error) {
	filter := bson.M{}
	if subject != "" {
		filter["subject"] = subject
	}
	if status != "" {
		filter["status"] = status
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "scheduledTime", Value: -1}}).
		SetLimit(limit)

	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)
	cursor, err := collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled publishes: %w", err)
	}
	defer cursor.Close(ctx)

	rows := []models.ScheduledPublish{}
	for cursor.Next(ctx) {
		var row models.ScheduledPublish
		if err := cursor.Decode(&row); err != nil {
			log.Printf("⚠️ [PUBLISH] Failed to decode scheduled publish: %v", err)
			continue
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// Get retrieves one scheduled publish by ID
func (s *ScheduledPublishService) Get(ctx context.Context, id string) (*models.ScheduledPublish, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid publish ID")
	}

	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)

	var row models.ScheduledPublish
	err = collection.FindOne(ctx, bson.M{"_id": objID}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("scheduled publish not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled publish: %w", err)
	}

	return &row, nil
}

// DeletePending cancels a publish that has not been attempted yet.
// Rows already published or failed are kept for the audit trail.
func (s *ScheduledPublishService) DeletePending(ctx context.Context, id string) error {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid publish ID")
	}

	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)
	result, err := collection.DeleteOne(ctx, bson.M{
		"_id":    objID,
		"status": models.PublishStatusPending,
	})
	if err != nil {
		return fmt.Errorf("failed to delete scheduled publish: %w", err)
	}

	if result.DeletedCount == 0 {
		return fmt.Errorf("scheduled publish not found or already processed")
	}

	log.Printf("🗑️ Cancelled scheduled publish %s", id)
	return nil
}

// Stats returns row counts per status
func (s *ScheduledPublishService) Stats(ctx context.Context) (*models.PublishStats, error) {
	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)

	stats := &models.PublishStats{}
	var err error

	if stats.Pending, err = collection.CountDocuments(ctx, bson.M{"status": models.PublishStatusPending}); err != nil {
		return nil, fmt.Errorf("failed to count pending publishes: %w", err)
	}
	if stats.Published, err = collection.CountDocuments(ctx, bson.M{"status": models.PublishStatusPublished}); err != nil {
		return nil, fmt.Errorf("failed to count published publishes: %w", err)
	}
	if stats.Failed, err = collection.CountDocuments(ctx, bson.M{"status": models.PublishStatusFailed}); err != nil {
		return nil, fmt.Errorf("failed to count failed publishes: %w", err)
	}

	return stats, nil
}

// PurgeOld deletes settled rows older than the retention period.
// Pending rows are never purged.
func (s *ScheduledPublishService) PurgeOld(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	collection := s.mongoDB.Collection(database.CollectionScheduledPublishes)
	result, err := collection.DeleteMany(ctx, bson.M{
		"status":    bson.M{"$in": []string{models.PublishStatusPublished, models.PublishStatusFailed}},
		"updatedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge old publishes: %w", err)
	}

	return result.DeletedCount, nil
}
