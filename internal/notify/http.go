package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"call-insights-go/internal/httpclient"
)

// HTTPChannel posts events to the notification service.
type HTTPChannel struct {
	baseURL string
	client  *http.Client
}

func NewHTTPChannel(baseURL string) *HTTPChannel {
	return &HTTPChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpclient.New(10 * time.Second),
	}
}

func (c *HTTPChannel) Name() string { return "http" }

type jobFailedPayload struct {
	JobID        string `json:"job_id"`
	Filename     string `json:"filename"`
	ErrorMessage string `json:"error_message"`
}

type taskFailedPayload struct {
	TaskName     string `json:"task_name"`
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message"`
}

// Send posts job failures to /notify/job-failed and unit failures to
// /notify/task-failed. Other kinds are not sent.
func (c *HTTPChannel) Send(ctx context.Context, ev Event) error {
	var (
		path    string
		payload interface{}
	)
	switch ev.Kind {
	case KindJobFailed:
		path = "/notify/job-failed"
		payload = jobFailedPayload{JobID: ev.JobID, Filename: ev.Filename, ErrorMessage: ev.Error}
	case KindUnitFailed:
		path = "/notify/task-failed"
		payload = taskFailedPayload{TaskName: ev.Stage, JobID: ev.JobID, ErrorMessage: ev.Error}
	default:
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := httpclient.Do(c.client, req); err != nil {
		return fmt.Errorf("notify: post %s: %w", path, err)
	}
	return nil
}
