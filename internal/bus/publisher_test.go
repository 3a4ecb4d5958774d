package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryChannel struct {
	name string
	err  error

	mu     sync.Mutex
	topics []string
}

func (c *memoryChannel) Name() string { return c.name }

func (c *memoryChannel) Publish(_ context.Context, topic string, _ []byte) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()
	return nil
}

func (c *memoryChannel) Subscribe(string, Handler) (Subscription, error) {
	return nil, errors.New("not supported")
}

func TestPublisherFansOut(t *testing.T) {
	primary := &memoryChannel{name: "primary"}
	fallback := &memoryChannel{name: "fallback"}
	p := NewPublisher(primary, fallback, zerolog.Nop())

	changeID, err := p.Publish(context.Background(), movedEvent())
	require.NoError(t, err)
	assert.Equal(t, "op-1", changeID)
	assert.Len(t, primary.topics, 8)
	assert.Equal(t, primary.topics, fallback.topics)
}

func TestPublisherAssignsChangeID(t *testing.T) {
	primary := &memoryChannel{name: "primary"}
	event := movedEvent()
	event.ChangeID = ""
	changeID, err := NewPublisher(primary, nil, zerolog.Nop()).Publish(context.Background(), event)
	require.NoError(t, err)
	assert.NotEmpty(t, changeID)
}

func TestPublisherFallbackFailureIsNonFatal(t *testing.T) {
	primary := &memoryChannel{name: "primary"}
	fallback := &memoryChannel{name: "fallback", err: errors.New("quota exceeded")}
	_, err := NewPublisher(primary, fallback, zerolog.Nop()).Publish(context.Background(), movedEvent())
	require.NoError(t, err)
	assert.Len(t, primary.topics, 8)
}

func TestPublisherReportsPrimaryFailure(t *testing.T) {
	primary := &memoryChannel{name: "primary", err: errors.New("connection closed")}
	fallback := &memoryChannel{name: "fallback"}
	_, err := NewPublisher(primary, fallback, zerolog.Nop()).Publish(context.Background(), movedEvent())
	require.Error(t, err)
	assert.Len(t, fallback.topics, 8)
}
