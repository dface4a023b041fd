// ABOUTME: Store interface and data types for the relay delivery ledger
// ABOUTME: Defines BatchRecord and the gateway thread mapping operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by MockStore after Close
var ErrClosed = errors.New("store closed")

// Batch statuses
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// BatchRecord is one ledger row: a drained batch and what happened to it.
type BatchRecord struct {
	ID              string     `json:"id"`
	Platform        string     `json:"platform"`
	ChannelID       string     `json:"channel_id"`
	ThreadTS        string     `json:"thread_ts"`
	MessageCount    int        `json:"message_count"`
	AttachmentCount int        `json:"attachment_count"`
	GatewayThreadID string     `json:"gateway_thread_id,omitempty"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
	DrainedAt       time.Time  `json:"drained_at"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
}

// Store persists delivered batches and the gateway thread used for each chat thread.
type Store interface {
	// RecordBatch inserts or replaces the ledger row for rec.ID.
	RecordBatch(ctx context.Context, rec *BatchRecord) error
	// ListBatches returns ledger rows newest first. An empty channelID lists
	// every thread; an empty threadTS lists every thread in the channel.
	ListBatches(ctx context.Context, channelID, threadTS string, limit int) ([]*BatchRecord, error)

	GetGatewayThread(ctx context.Context, channelID, threadTS string) (string, error)
	SetGatewayThread(ctx context.Context, channelID, threadTS, gatewayThreadID string) error

	Ping(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps ListBatches when the caller passes a non-positive limit.
const DefaultListLimit = 50
