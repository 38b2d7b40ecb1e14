package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/state"
)

// SchemaVersion tags every persisted job record.
const SchemaVersion = 1

type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Type        string         `json:"type"`
	Payload     []byte         `json:"payload"`
	State       state.JobState `json:"state"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LeaseID     string         `json:"lease_id,omitempty"`
	LeaseExpiry *time.Time     `json:"lease_expiry,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy; the engine never hands out records it still mutates.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.LeaseExpiry != nil {
		t := *j.LeaseExpiry
		c.LeaseExpiry = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// HoldsLease reports whether j is leased and, if leaseID is set, leased under that id.
func (j *Job) HoldsLease(leaseID string) bool {
	if j.State != state.StateLeased {
		return false
	}
	return leaseID == "" || j.LeaseID == leaseID
}

type jobEnvelope struct {
	Version int  `json:"v"`
	Job     *Job `json:"job"`
}

func EncodeJob(j *Job) ([]byte, error) {
	data, err := json.Marshal(jobEnvelope{Version: SchemaVersion, Job: j})
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return data, nil
}

func DecodeJob(data []byte) (*Job, error) {
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if env.Version < 1 || env.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: v%d", custom_errors.ErrUnsupportedSchema, env.Version)
	}
	if env.Job == nil {
		return nil, fmt.Errorf("decode job: empty record")
	}
	return env.Job, nil
}

type QueueStats struct {
	Queue        string `json:"queue"`
	Queued       int64  `json:"queued"`
	Leased       int64  `json:"leased"`
	DeadLettered int64  `json:"dead_lettered"`
	Completed    int64  `json:"completed"`
}
