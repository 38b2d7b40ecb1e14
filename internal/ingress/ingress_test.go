package ingress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/message_broaker"
	"github.com/RezaEskandarii/firequeue/internal/mocks"
	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/internal/store/memory"
	"github.com/RezaEskandarii/firequeue/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	acked   bool
	nacked  bool
	requeue bool
}

func delivery(body string, s *settlement) message_broaker.Delivery {
	return message_broaker.NewDelivery([]byte(body),
		func() error { s.acked = true; return nil },
		func(requeue bool) error { s.nacked = true; s.requeue = requeue; return nil },
	)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    Message
	}{
		{name: "defaults max attempts", body: `{"type":"push_notification_code","payload":{"phone":"0912"}}`,
			want: Message{Type: "push_notification_code", Payload: []byte(`{"phone":"0912"}`), MaxAttempts: 3}},
		{name: "explicit max attempts", body: `{"type":"t","max_attempts":7}`, want: Message{Type: "t", MaxAttempts: 7}},
		{name: "not json", body: `nope`, wantErr: true},
		{name: "missing type", body: `{"payload":1}`, wantErr: true},
		{name: "negative attempts", body: `{"type":"t","max_attempts":-1}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeMessage([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Type, msg.Type)
			assert.Equal(t, tt.want.MaxAttempts, msg.MaxAttempts)
			assert.Equal(t, string(tt.want.Payload), string(msg.Payload))
		})
	}
}

func TestMessage_PayloadRoundTrip(t *testing.T) {
	for _, payload := range []string{`{"a":1}`, `plain text`, ``} {
		body, err := encodeMessage("t", []byte(payload), 1)
		require.NoError(t, err)
		msg, err := decodeMessage(body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(msg.payloadBytes()), payload)
	}
}

func TestBridge_HandleEnqueuesThenAcks(t *testing.T) {
	ctx := context.Background()
	e, err := queue.New(memory.New(), "default")
	require.NoError(t, err)
	b := NewBridge(&mocks.MockMessageBroker{}, "jobs", e, nil)

	var s settlement
	require.NoError(t, b.Handle(ctx, delivery(`{"type":"push_notification_code","payload":{"phone":"0912"},"max_attempts":2}`, &s)))
	assert.True(t, s.acked)
	assert.False(t, s.nacked)

	job, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "push_notification_code", job.Type)
	assert.Equal(t, 2, job.MaxAttempts)
	assert.Equal(t, state.StateLeased, job.State)
	assert.JSONEq(t, `{"phone":"0912"}`, string(job.Payload))
}

func TestBridge_HandleDropsMalformed(t *testing.T) {
	called := false
	producer := &mocks.MockProducer{EnqueueFunc: func(context.Context, string, []byte, int) (string, error) {
		called = true
		return "", nil
	}}
	b := NewBridge(&mocks.MockMessageBroker{}, "jobs", producer, nil)

	var s settlement
	assert.Error(t, b.Handle(context.Background(), delivery(`{}`, &s)))
	assert.True(t, s.nacked)
	assert.False(t, s.requeue)
	assert.False(t, called)
}

func TestBridge_HandleRequeuesOnEnqueueError(t *testing.T) {
	producer := &mocks.MockProducer{EnqueueFunc: func(context.Context, string, []byte, int) (string, error) {
		return "", errors.New("storage unavailable")
	}}
	b := NewBridge(&mocks.MockMessageBroker{}, "jobs", producer, nil)

	var s settlement
	assert.Error(t, b.Handle(context.Background(), delivery(`{"type":"t"}`, &s)))
	assert.True(t, s.nacked)
	assert.True(t, s.requeue)
	assert.False(t, s.acked)
}

func TestBridge_Run(t *testing.T) {
	ch := make(chan message_broaker.Delivery, 2)
	var first, second settlement
	ch <- delivery(`{"type":"a"}`, &first)
	ch <- delivery(`{"type":"b"}`, &second)
	close(ch)

	var consumed string
	broker := &mocks.MockMessageBroker{
		ConsumeFunc: func(_ context.Context, q string) (<-chan message_broaker.Delivery, error) {
			consumed = q
			return ch, nil
		},
	}
	var enqueued []string
	producer := &mocks.MockProducer{EnqueueFunc: func(_ context.Context, jobType string, _ []byte, _ int) (string, error) {
		enqueued = append(enqueued, jobType)
		return "id-" + jobType, nil
	}}

	err := NewBridge(broker, "jobs", producer, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
	assert.Equal(t, "jobs", consumed)
	assert.Equal(t, []string{"a", "b"}, enqueued)
	assert.True(t, first.acked)
	assert.True(t, second.acked)
}

func TestBridge_RunConsumeError(t *testing.T) {
	broker := &mocks.MockMessageBroker{
		ConsumeFunc: func(context.Context, string) (<-chan message_broaker.Delivery, error) {
			return nil, errors.New("channel closed")
		},
	}
	err := NewBridge(broker, "jobs", &mocks.MockProducer{}, nil).Run(context.Background())
	assert.Error(t, err)
}

func TestPublisher_Enqueue(t *testing.T) {
	var gotQueue string
	var gotBody []byte
	broker := &mocks.MockMessageBroker{
		PublishFunc: func(_ context.Context, q string, body []byte) error {
			gotQueue, gotBody = q, body
			return nil
		},
	}
	p := NewPublisher(broker, "jobs")

	id, err := p.Enqueue(context.Background(), "push_notification_code", []byte(`{"phone":"0912"}`), 4)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, "jobs", gotQueue)
	assert.JSONEq(t, `{"type":"push_notification_code","payload":{"phone":"0912"},"max_attempts":4}`, string(gotBody))

	_, err = p.Enqueue(context.Background(), "", nil, 1)
	assert.Error(t, err)
	_, err = p.Enqueue(context.Background(), "t", nil, 0)
	assert.Error(t, err)
}

func TestPublisher_PublishError(t *testing.T) {
	broker := &mocks.MockMessageBroker{
		PublishFunc: func(context.Context, string, []byte) error { return errors.New("connection reset") },
	}
	_, err := NewPublisher(broker, "jobs").Enqueue(context.Background(), "t", nil, 1)
	assert.ErrorContains(t, err, "connection reset")
}
