package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events/bus"
)

const (
	jobCallTimeout = 10 * time.Second
	jobCallRetries = 3
)

// SidecarJobRunner delegates exact-time jobs to the sidecar's jobs component.
// The sidecar calls back on POST /job/<task_id> at the scheduled instant, so
// jobs survive process restarts without a local recovery scan.
type SidecarJobRunner struct {
	component   string
	defaultPort int
	client      *http.Client
	logger      *logger.Logger

	mu        sync.Mutex
	callbacks map[uuid.UUID]func()
}

var _ JobRunner = (*SidecarJobRunner)(nil)

// NewSidecarJobRunner creates a runner bound to the named jobs component.
func NewSidecarJobRunner(component string, defaultPort int, log *logger.Logger) *SidecarJobRunner {
	return &SidecarJobRunner{
		component:   component,
		defaultPort: defaultPort,
		client:      &http.Client{},
		logger:      log.WithFields(zap.String("component", "sidecar_job_runner")),
		callbacks:   make(map[uuid.UUID]func()),
	}
}

func (r *SidecarJobRunner) port() string {
	if v := os.Getenv(bus.SidecarPortEnv); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			return v
		}
	}
	return strconv.Itoa(r.defaultPort)
}

type jobRequest struct {
	DueTime string `json:"dueTime"`
}

// Schedule registers the job with the sidecar, retrying transient failures.
// The callback is retained locally for dispatch when the sidecar calls back.
func (r *SidecarJobRunner) Schedule(taskID uuid.UUID, fireAt time.Time, fn func()) {
	r.mu.Lock()
	r.callbacks[taskID] = fn
	r.mu.Unlock()

	body, _ := json.Marshal(jobRequest{DueTime: fireAt.UTC().Format(time.RFC3339)})
	var lastErr error
	for attempt := 0; attempt < jobCallRetries; attempt++ {
		if err := r.call(http.MethodPost, taskID, body); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * time.Second)
			continue
		}
		return
	}
	r.logger.Error("failed to schedule sidecar job",
		zap.String("task_id", taskID.String()),
		zap.Error(lastErr))
}

// Cancel deletes the job from the sidecar and forgets the callback.
func (r *SidecarJobRunner) Cancel(taskID uuid.UUID) {
	r.mu.Lock()
	delete(r.callbacks, taskID)
	r.mu.Unlock()

	if err := r.call(http.MethodDelete, taskID, nil); err != nil {
		r.logger.Warn("failed to cancel sidecar job",
			zap.String("task_id", taskID.String()),
			zap.Error(err))
	}
}

func (r *SidecarJobRunner) call(method string, taskID uuid.UUID, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), jobCallTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("http://localhost:%s/jobs/%s/reminder-%s", r.port(), r.component, taskID)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sidecar jobs returned %d", resp.StatusCode)
	}
	return nil
}

// RegisterRoutes exposes the job callback route the sidecar invokes.
func (r *SidecarJobRunner) RegisterRoutes(router gin.IRouter) {
	router.POST("/job/:task_id", func(c *gin.Context) {
		taskID, err := uuid.Parse(c.Param("task_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}

		r.mu.Lock()
		fn, ok := r.callbacks[taskID]
		if ok {
			delete(r.callbacks, taskID)
		}
		r.mu.Unlock()

		if !ok {
			// Unknown job, likely cancelled after the sidecar armed it.
			c.JSON(http.StatusOK, gin.H{"status": "DROP"})
			return
		}
		fn()
		c.JSON(http.StatusOK, gin.H{"status": "SUCCESS"})
	})
}

// Close forgets all callbacks; the jobs stay armed in the sidecar and are
// re-bound by recovery on the next start.
func (r *SidecarJobRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = make(map[uuid.UUID]func())
}
