package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/RezaEskandarii/firequeue/internal/metrics"
	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/internal/store/memory"
	"github.com/RezaEskandarii/firequeue/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	engine *queue.Engine
	token  string
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	obs := metrics.NewObserver()
	e, err := queue.New(memory.New(), "default", queue.WithObserver(obs))
	require.NoError(t, err)

	opts = append([]Option{WithGatherer(metrics.NewRegistry(obs, e))}, opts...)
	s, err := NewServer(e, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, engine: e}
}

func (ts *testServer) do(method, path, body string) (int, string) {
	ts.t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(ts.t, err)
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, string(data)
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

type leasedJob struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	State    string          `json:"state"`
	Attempts int             `json:"attempts"`
	LeaseID  string          `json:"lease_id"`
	Payload  json.RawMessage `json:"payload"`
}

func TestServer_JobLifecycle(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(http.MethodPost, "/v1/jobs", `{"type":"push_notification_code","payload":{"phone":"0912","message":"1234"},"max_attempts":2}`)
	require.Equal(t, http.StatusCreated, status, body)
	id := decode[idResponse](t, body).ID
	require.NotEmpty(t, id)

	status, body = ts.do(http.MethodGet, "/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "queued", decode[leasedJob](t, body).State)

	status, body = ts.do(http.MethodPost, "/v1/lease", `{"lease_seconds":60}`)
	require.Equal(t, http.StatusOK, status, body)
	job := decode[leasedJob](t, body)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.JSONEq(t, `{"phone":"0912","message":"1234"}`, string(job.Payload))

	status, _ = ts.do(http.MethodPost, "/v1/lease", "")
	assert.Equal(t, http.StatusNoContent, status, "queue is empty")

	status, body = ts.do(http.MethodPost, "/v1/jobs/"+id+"/extend", `{"lease_id":"`+job.LeaseID+`","seconds":120}`)
	assert.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, "lease_expiry")

	status, _ = ts.do(http.MethodPost, "/v1/jobs/"+id+"/ack", `{"lease_id":"wrong"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = ts.do(http.MethodPost, "/v1/jobs/"+id+"/ack", `{"lease_id":"`+job.LeaseID+`"}`)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = ts.do(http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"queue":"default","queued":0,"leased":0,"dead_lettered":0,"completed":1}`, body)
}

func TestServer_FailReleaseAndReplay(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(http.MethodPost, "/v1/jobs", `{"type":"t","max_attempts":1}`)
	id := decode[idResponse](t, body).ID

	_, body = ts.do(http.MethodPost, "/v1/lease", "")
	job := decode[leasedJob](t, body)
	status, _ := ts.do(http.MethodPost, "/v1/jobs/"+id+"/release", `{"lease_id":"`+job.LeaseID+`"}`)
	assert.Equal(t, http.StatusNoContent, status)

	// the released attempt counts, so the next lease dead-letters it
	status, _ = ts.do(http.MethodPost, "/v1/lease", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, body = ts.do(http.MethodGet, "/v1/dead-letters?page=1&page_size=10", "")
	require.Equal(t, http.StatusOK, status)
	page := decode[struct {
		Items      []leasedJob `json:"items"`
		TotalItems int         `json:"total_items"`
	}](t, body)
	assert.Equal(t, 1, page.TotalItems)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "dead_lettered", page.Items[0].State)

	status, body = ts.do(http.MethodPost, "/v1/dead-letters/"+id+"/replay", "")
	require.Equal(t, http.StatusCreated, status, body)
	newID := decode[idResponse](t, body).ID

	_, body = ts.do(http.MethodPost, "/v1/lease", "")
	replayed := decode[leasedJob](t, body)
	assert.Equal(t, newID, replayed.ID)

	status, _ = ts.do(http.MethodPost, "/v1/jobs/"+newID+"/fail", `{"lease_id":"`+replayed.LeaseID+`","reason":"boom"}`)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = ts.do(http.MethodPost, "/v1/dead-letters/"+id+"/replay", "")
	assert.Equal(t, http.StatusCreated, status, "dead letters can be replayed again")
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"validation", http.MethodPost, "/v1/jobs", `{"type":""}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/v1/jobs", `{`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/jobs", `{"type":"t","priority":1}`, http.StatusBadRequest},
		{"missing job", http.MethodGet, "/v1/jobs/nope", "", http.StatusNotFound},
		{"ack missing job", http.MethodPost, "/v1/jobs/nope/ack", `{"lease_id":"l"}`, http.StatusConflict},
		{"ack without lease", http.MethodPost, "/v1/jobs/nope/ack", "", http.StatusBadRequest},
		{"extend without lease", http.MethodPost, "/v1/jobs/nope/extend", `{"seconds":5}`, http.StatusBadRequest},
		{"replay missing job", http.MethodPost, "/v1/dead-letters/nope/replay", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, status, body)
			assert.Contains(t, body, "error")
		})
	}
}

func TestServer_SettleRequiresCurrentLease(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(http.MethodPost, "/v1/jobs", `{"type":"t","max_attempts":3}`)
	id := decode[idResponse](t, body).ID

	_, body = ts.do(http.MethodPost, "/v1/lease", `{}`)
	first := decode[leasedJob](t, body)
	status, _ := ts.do(http.MethodPost, "/v1/jobs/"+id+"/release", `{"lease_id":"`+first.LeaseID+`"}`)
	require.Equal(t, http.StatusNoContent, status)

	_, body = ts.do(http.MethodPost, "/v1/lease", `{}`)
	second := decode[leasedJob](t, body)
	require.NotEqual(t, first.LeaseID, second.LeaseID)

	// the first worker no longer holds the job and cannot settle it
	for _, path := range []string{"ack", "fail", "release", "extend"} {
		status, _ = ts.do(http.MethodPost, "/v1/jobs/"+id+"/"+path, `{}`)
		assert.Equal(t, http.StatusBadRequest, status, path)
		status, _ = ts.do(http.MethodPost, "/v1/jobs/"+id+"/"+path, `{"lease_id":"`+first.LeaseID+`"}`)
		assert.Equal(t, http.StatusConflict, status, path)
	}

	job, err := ts.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StateLeased, job.State)
	assert.Equal(t, second.LeaseID, job.LeaseID)
}

func TestServer_ReplayQueuedJobConflicts(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(http.MethodPost, "/v1/jobs", `{"type":"t"}`)
	id := decode[idResponse](t, body).ID

	status, _ := ts.do(http.MethodPost, "/v1/dead-letters/"+id+"/replay", "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestServer_BearerToken(t *testing.T) {
	ts := newTestServer(t, WithAuthToken("s3cret"))

	status, _ := ts.do(http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	ts.token = "wrong"
	status, _ = ts.do(http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	ts.token = "s3cret"
	status, _ = ts.do(http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusOK, status)

	ts.token = ""
	status, _ = ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status, "health stays public")
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/v1/jobs", `{"type":"push_notification_code"}`)

	status, body := ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `firequeue_job_events_total{event="enqueued",queue="default",type="push_notification_code"} 1`)
	assert.Contains(t, body, `firequeue_queue_jobs{queue="default",state="queued"} 1`)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, WithAddr(""), WithDefaultLease(0), WithGatherer(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine is required")
	assert.Contains(t, err.Error(), "listen address is required")
	assert.Contains(t, err.Error(), "default lease must be positive")
}
