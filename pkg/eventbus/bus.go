package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

// ErrPublish is returned once every publish attempt for an event has failed.
var ErrPublish = errors.New("decision event publish failed")

// ErrClosed is returned by consumers and publishers used after Close.
var ErrClosed = errors.New("event bus closed")

// Message is one record read from the decision stream.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time

	raw kafka.Message
}

// Publisher writes decision events keyed by correlation id.
type Publisher interface {
	Publish(ctx context.Context, event models.DecisionEvent) error
	Close() error
}

// Consumer reads the decision stream with explicit commits: a message is only
// marked consumed once Commit returns.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}
