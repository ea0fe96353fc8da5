package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ValidationQueue = "validation_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type ValidationTaskPayload struct {
	JobId uuid.UUID
}

type Publisher interface {
	PublishValidationTask(ctx context.Context, payload ValidationTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
