package bot

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/domain"
)

// IdempotencyRecord caches one registration response under its
// client-supplied key. RequestHash detects key reuse with a different
// payload.
type IdempotencyRecord struct {
	Key          string
	BotKey       string
	RequestHash  string
	ResponseBody []byte
	CreatedAt    time.Time
}

// HourBucket is one hour of processing throughput.
type HourBucket struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// Stats aggregates one bot's processing history.
type Stats struct {
	BotID          uuid.UUID       `json:"bot_id"`
	TotalProcessed int             `json:"total_processed"`
	Succeeded      int             `json:"succeeded"`
	Failed         int             `json:"failed"`
	AvgDurationMS  float64         `json:"avg_duration_ms"`
	Hourly         []HourBucket    `json:"hourly"`
	Recent         []domain.Result `json:"recent"`
}

// Repository defines the persistence operations the bot service needs.
type Repository interface {
	// RegisterBot persists the bot row and its idempotency record
	// atomically, returning a non-nil record when a concurrent
	// registration with the same key committed first.
	RegisterBot(ctx context.Context, b domain.Bot, rec IdempotencyRecord) (*IdempotencyRecord, error)
	FindBotByID(ctx context.Context, id uuid.UUID) (*domain.Bot, error)
	RecordHeartbeat(ctx context.Context, id uuid.UUID) error
	ListBots(ctx context.Context, includeDeleted bool) ([]domain.Bot, error)
	SoftDeleteBot(ctx context.Context, id uuid.UUID, reason string) error
	ResetBot(ctx context.Context, id uuid.UUID) error
	AssignOperation(ctx context.Context, id uuid.UUID, operation *string) error
	BotStats(ctx context.Context, id uuid.UUID) (*Stats, error)

	GetIdempotencyRecord(ctx context.Context, key, botKey string) (*IdempotencyRecord, error)
}
