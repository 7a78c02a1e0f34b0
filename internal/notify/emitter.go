package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event names emitted by the engine.
const (
	EventOperationCommitted = "operation.committed"
	EventCommentCreated     = "comment.created"
	EventCommentResolved    = "comment.resolved"
	EventSnapshotCreated    = "snapshot.created"
	EventVersionRestored    = "version.restored"
)

// Envelope is the wire form of an emitted event.
type Envelope struct {
	Event      string    `json:"event"`
	DocumentID string    `json:"document_id"`
	Payload    any       `json:"payload"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Emitter pushes document events to external consumers. Implementations must
// not block document commits; slow sinks drop or buffer on their own.
type Emitter interface {
	Emit(ctx context.Context, event, documentID string, payload any)
}

// NopEmitter discards everything.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, string, string, any) {}

// RedisEmitter publishes events on a per-document pub/sub channel, letting
// other server instances or sidecars subscribe.
type RedisEmitter struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisEmitter(client *redis.Client, logger zerolog.Logger) *RedisEmitter {
	return &RedisEmitter{client: client, logger: logger.With().Str("component", "notify").Logger()}
}

func (e *RedisEmitter) Emit(ctx context.Context, event, documentID string, payload any) {
	buf, err := json.Marshal(Envelope{
		Event:      event,
		DocumentID: documentID,
		Payload:    payload,
		EmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error().Err(err).Str("event", event).Msg("marshal event")
		return
	}
	channel := fmt.Sprintf("collab:events:%s", documentID)
	if err := e.client.Publish(ctx, channel, buf).Err(); err != nil {
		e.logger.Warn().Err(err).Str("event", event).Msg("publish event")
	}
}

// WebhookEmitter POSTs events to a configured endpoint.
type WebhookEmitter struct {
	address string
	client  *http.Client
	logger  zerolog.Logger
}

func NewWebhookEmitter(address string, logger zerolog.Logger) *WebhookEmitter {
	return &WebhookEmitter{
		address: address,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

func (e *WebhookEmitter) Emit(ctx context.Context, event, documentID string, payload any) {
	buf, err := json.Marshal(Envelope{
		Event:      event,
		DocumentID: documentID,
		Payload:    payload,
		EmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error().Err(err).Str("event", event).Msg("marshal event")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.address, bytes.NewReader(buf))
	if err != nil {
		e.logger.Error().Err(err).Msg("build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn().Err(err).Str("event", event).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e.logger.Warn().Int("status", resp.StatusCode).Str("event", event).Msg("webhook rejected event")
	}
}

// Multi fans one event out to several sinks.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, event, documentID string, payload any) {
	for _, e := range m {
		e.Emit(ctx, event, documentID, payload)
	}
}
