package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/podushkina/jobrelay/internal/reliability"
	"github.com/podushkina/jobrelay/internal/task"
)

// RemoteRunner hands task payloads to the service that does the work.
// Client errors are permanent; server and transport errors are retried.
type RemoteRunner struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewRemoteRunner(endpoint, token string, timeout time.Duration) *RemoteRunner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RemoteRunner{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *RemoteRunner) Run(ctx context.Context, name task.Name, payload task.Payload) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/"+string(name), bytes.NewReader(body))
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", name, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: upstream status %d", name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, reliability.Permanent(fmt.Errorf("%s rejected with status %d: %s", name, resp.StatusCode, bytes.TrimSpace(data)))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		return quoted, nil
	}
	return data, nil
}
