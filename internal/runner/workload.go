package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/resilience"
)

// Workload executes a job's payload on a ready instance and returns its
// output. The runner owns the deadline on ctx.
type Workload interface {
	Run(ctx context.Context, job *models.Job, inst *models.Instance) (models.JSONMap, error)
}

// workloadPort is where the instance's serving container listens.
const workloadPort = 8000

// HTTPWorkload submits the job input to the instance's public endpoint as
// JSON and collects the output.
type HTTPWorkload struct {
	httpClient *http.Client
}

func NewHTTPWorkload() *HTTPWorkload {
	return &HTTPWorkload{
		// per-request deadlines come from ctx; the transport timeout only
		// guards dials
		httpClient: &http.Client{},
	}
}

func (w *HTTPWorkload) Run(ctx context.Context, job *models.Job, inst *models.Instance) (models.JSONMap, error) {
	if inst.PublicIP == "" {
		return nil, models.NewError(models.ErrProvider, "instance %s has no public endpoint", inst.ID)
	}

	payload := map[string]interface{}{
		"job_id":     job.ID.String(),
		"job_type":   string(job.JobType),
		"model_name": job.ModelName,
		"input":      job.Input,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "marshal workload payload")
	}

	url := fmt.Sprintf("http://%s:%d/run", inst.PublicIP, workloadPort)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "build workload request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrProvider, err, "workload request to %s", inst.PublicIP)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, models.WrapError(models.ErrProvider,
			&resilience.HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)},
			"workload failed on %s", inst.PublicIP)
	}

	var output models.JSONMap
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return nil, models.WrapError(models.ErrProvider, err, "decode workload output")
	}
	return output, nil
}

// FakeWorkload is the test double: scripted output, error or delay.
type FakeWorkload struct {
	mu     sync.Mutex
	Output models.JSONMap
	Err    error
	Delay  time.Duration
	Calls  int
}

func (w *FakeWorkload) Run(ctx context.Context, job *models.Job, inst *models.Instance) (models.JSONMap, error) {
	w.mu.Lock()
	w.Calls++
	output, err, delay := w.Output, w.Err, w.Delay
	w.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = models.JSONMap{"result": "ok"}
	}
	return output, nil
}

// Script changes the fake's behavior mid-test.
func (w *FakeWorkload) Script(output models.JSONMap, err error, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Output, w.Err, w.Delay = output, err, delay
}
