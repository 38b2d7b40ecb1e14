package types

import (
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeJob_CarriesSchemaTag(t *testing.T) {
	job := &Job{ID: "a", Type: "push_notification_code", State: state.StateQueued, MaxAttempts: 3}

	data, err := EncodeJob(job)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"v":1`)

	decoded, err := DecodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, state.StateQueued, decoded.State)
}

func TestDecodeJob_RejectsFutureSchema(t *testing.T) {
	_, err := DecodeJob([]byte(`{"v":99,"job":{"id":"a"}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, custom_errors.ErrUnsupportedSchema))
}

func TestDecodeJob_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "nope"},
		{name: "missing version", data: `{"job":{"id":"a"}}`},
		{name: "missing job", data: `{"v":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJob([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	expiry := time.Now()
	job := &Job{ID: "a", Payload: []byte("abc"), LeaseExpiry: &expiry}

	c := job.Clone()
	c.Payload[0] = 'x'
	*c.LeaseExpiry = expiry.Add(time.Hour)

	assert.Equal(t, "abc", string(job.Payload))
	assert.Equal(t, expiry, *job.LeaseExpiry)
}

func TestJob_HoldsLease(t *testing.T) {
	job := &Job{State: state.StateLeased, LeaseID: "l1"}
	assert.True(t, job.HoldsLease("l1"))
	assert.True(t, job.HoldsLease(""))
	assert.False(t, job.HoldsLease("l2"))

	job.State = state.StateCompleted
	assert.False(t, job.HoldsLease(""))
}
