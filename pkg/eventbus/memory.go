package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

// Memory is an in-process single-partition stream implementing both
// Publisher and Consumer. Fetch redelivers from the committed offset after
// Rewind, which mimics a consumer-group restart.
type Memory struct {
	mu        sync.Mutex
	cond      *sync.Cond
	log       []Message
	next      int
	committed int64
	closed    bool
}

func NewMemory() *Memory {
	m := &Memory{committed: -1}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) Publish(_ context.Context, event models.DecisionEvent) error {
	msg, err := EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPublish, err)
	}
	return m.Append(msg.Key, msg.Value)
}

// Append adds a raw record, which lets tests inject undecodable values.
func (m *Memory) Append(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	}
	m.log = append(m.log, Message{
		Key:    append([]byte(nil), key...),
		Value:  append([]byte(nil), value...),
		Offset: int64(len(m.log)),
		Time:   time.Now().UTC(),
	})
	m.cond.Broadcast()
	return nil
}

func (m *Memory) Fetch(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.next >= len(m.log) && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if m.closed {
		return Message{}, ErrClosed
	}
	msg := m.log[m.next]
	m.next++
	return msg, nil
}

func (m *Memory) Commit(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Offset > m.committed {
		m.committed = msg.Offset
	}
	return nil
}

// Committed returns the highest committed offset, -1 when nothing was committed.
func (m *Memory) Committed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Rewind resets the read position to just after the committed offset.
func (m *Memory) Rewind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = int(m.committed + 1)
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.log...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
