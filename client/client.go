// Package client is the Go SDK for the sendflow HTTP API. It wraps the
// schedule, status and inbox endpoints and can poll a job until its status
// turns terminal.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "sendflow/pkg/api/v1"
	"sendflow/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type SendflowClient struct {
	addr       string
	token      string
	httpClient *http.Client
}

func NewClient(addr, token string) *SendflowClient {
	return &SendflowClient{
		addr:       addr,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Schedule submits one email job and returns its id.
func (c *SendflowClient) Schedule(ctx context.Context, r v1.ScheduleRequest) (string, error) {
	var out v1.ScheduleResponse
	if err := c.do(ctx, http.MethodPost, "/v1/schedule", r, &out); err != nil {
		return "", err
	}
	if !out.Accepted {
		return "", fmt.Errorf("schedule rejected: %s", out.Message)
	}
	return out.JobID, nil
}

// Job fetches the current state of one job.
func (c *SendflowClient) Job(ctx context.Context, id string) (*v1.Job, error) {
	var out v1.Job
	if err := c.do(ctx, http.MethodGet, "/v1/schedule/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Scheduled lists the authenticated sender's jobs.
func (c *SendflowClient) Scheduled(ctx context.Context) ([]v1.Job, error) {
	var out []v1.Job
	if err := c.do(ctx, http.MethodGet, "/v1/schedule", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Inbox lists delivered mail addressed to the authenticated sender, or to
// address if non-empty.
func (c *SendflowClient) Inbox(ctx context.Context, address string) ([]v1.Job, error) {
	path := "/v1/inbox"
	if address != "" {
		path += "?email=" + address
	}
	var out []v1.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitUntilTerminal polls the job with exponential backoff until its status
// is COMPLETED or FAILED, or ctx expires. Deferred jobs can legitimately sit
// for an hour, so callers should bound ctx.
func (c *SendflowClient) WaitUntilTerminal(ctx context.Context, id string) (*v1.Job, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var job *v1.Job
	op := func() error {
		j, err := c.Job(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !j.Terminal() {
			return fmt.Errorf("job %s still %s", id, j.Status)
		}
		job = j
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *SendflowClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logger.Debug("api request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
