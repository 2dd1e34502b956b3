package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Scheduled publish statuses.
const (
	PublishStatusPending   = "pending"
	PublishStatusPublished = "published"
	PublishStatusFailed    = "failed"
)

// ScheduledPublish is a pre-signed record waiting to be delivered to
// its target relays at ScheduledTime. The payload is opaque to the
// worker: it was validated and signed before it was persisted.
type ScheduledPublish struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Subject       string             `bson:"subject" json:"subject"`
	Kind          string             `bson:"kind" json:"kind"`
	Payload       string             `bson:"payload" json:"payload"`
	Relays        []string           `bson:"relays" json:"relays"`
	ScheduledTime time.Time          `bson:"scheduledTime" json:"scheduled_time"`
	Status        string             `bson:"status" json:"status"`
	PublishedTime *time.Time         `bson:"publishedTime,omitempty" json:"published_time,omitempty"`
	ErrorMessage  string             `bson:"errorMessage,omitempty" json:"error_message,omitempty"`
	RetryCount    int                `bson:"retryCount" json:"retry_count"`
	CreatedAt     time.Time          `bson:"createdAt" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updatedAt" json:"updated_at"`
}

// CreatePublishRequest is the payload for scheduling a publish.
// Relays may be empty, in which case the configured write-capable set
// is used at delivery time.
type CreatePublishRequest struct {
	Subject       string   `json:"subject"`
	Kind          string   `json:"kind"`
	Payload       string   `json:"payload"`
	Relays        []string `json:"relays,omitempty"`
	ScheduledTime int64    `json:"scheduled_time"` // seconds since epoch
}

// PublishStats summarizes the scheduled-publish collection for the
// stats endpoint.
type PublishStats struct {
	Pending   int64 `json:"pending"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}
