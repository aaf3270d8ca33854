// Package queue carries dispatch and cancel messages from the scheduler to
// individual workers. Delivery is at-least-once; receivers must treat a
// message as a hint and re-read the job before acting on it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/redis/go-redis/v9"
)

// Kind distinguishes work from control messages.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindCancel   Kind = "cancel"
)

// Envelope is the wire format of every queued message.
type Envelope struct {
	Kind                   Kind      `json:"kind"`
	JobID                  uuid.UUID `json:"job_id"`
	WorkerID               string    `json:"worker_id"`
	RequiredGromacsVersion string    `json:"required_gromacs_version,omitempty"`
	SentAt                 time.Time `json:"sent_at"`
}

var ErrInvalidEnvelope = errors.New("invalid envelope")

func (e Envelope) validate() error {
	if e.Kind != KindDispatch && e.Kind != KindCancel {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	if e.JobID == uuid.Nil {
		return fmt.Errorf("%w: missing job_id", ErrInvalidEnvelope)
	}
	if e.WorkerID == "" {
		return fmt.Errorf("%w: missing worker_id", ErrInvalidEnvelope)
	}
	return nil
}

// Encode validates e and serializes it.
func Encode(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now().UTC()
	}
	return json.Marshal(e)
}

// Decode parses and validates a payload.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Handler processes one delivery. Returning nil acknowledges it; an error puts
// it back for redelivery. Cancel deliveries are never redelivered.
type Handler func(ctx context.Context, e Envelope) error

// Publisher is the sending half, used by the scheduler.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
}

// Queue is a per-worker dispatch queue.
type Queue interface {
	Publisher
	// Consume delivers messages addressed to workerID, at most prefetch
	// dispatches in flight at once. It blocks until ctx is done.
	Consume(ctx context.Context, workerID string, prefetch int, h Handler) error
	Close() error
}

// Open builds the queue backend selected by cfg.Backend. rdb is only used by
// the Redis backend.
func Open(cfg config.QueueConfig, rdb *redis.Client, logger *slog.Logger) (Queue, error) {
	switch cfg.Backend {
	case config.QueueBackendAMQP:
		return NewAMQPQueue(cfg.AMQPURL, cfg.AMQPExchange, logger)
	case config.QueueBackendRedis, "":
		if rdb == nil {
			return nil, errors.New("redis queue backend requires a redis client")
		}
		return NewRedisQueue(rdb, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
