package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RezaEskandarii/firequeue/custom_errors"
)

// HandlerFunc processes one job payload. A nil return acks the job.
type HandlerFunc func(ctx context.Context, payload []byte) error

type JobHandler struct {
	handlers map[string]HandlerFunc
	mutex    sync.RWMutex
}

func NewJobHandler() *JobHandler {
	return &JobHandler{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds a handler for a job type.
func (jh *JobHandler) Register(jobType string, handler HandlerFunc) error {
	if strings.TrimSpace(jobType) == "" {
		return errors.New("job type is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for '%s' is nil", jobType)
	}

	jh.mutex.Lock()
	defer jh.mutex.Unlock()

	if _, exists := jh.handlers[jobType]; exists {
		return fmt.Errorf("handler '%s' already registered", jobType)
	}
	jh.handlers[jobType] = handler
	return nil
}

func (jh *JobHandler) Exists(jobType string) bool {
	_, ok := jh.Lookup(jobType)
	return ok
}

func (jh *JobHandler) Lookup(jobType string) (HandlerFunc, bool) {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	handler, ok := jh.handlers[jobType]
	return handler, ok
}

func (jh *JobHandler) Execute(ctx context.Context, jobType string, payload []byte) error {
	handler, ok := jh.Lookup(jobType)
	if !ok {
		return fmt.Errorf("%w: '%s'", custom_errors.ErrNoHandlerRegistered, jobType)
	}
	return handler(ctx, payload)
}

// List returns the registered job types, sorted.
func (jh *JobHandler) List() []string {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	names := make([]string, 0, len(jh.handlers))
	for name := range jh.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
