package estimator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Remote posts the tensor to an inference server as
//
//	{"input": [[gx, gy, gz, ax, ay, az], ...]}
//
// and reads back {"vx": ..., "vy": ...} or {"output": [vx, vy]}.
type Remote struct {
	URL    string
	Client *http.Client
}

// NewRemote creates a remote estimator with the given request timeout.
func NewRemote(url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Remote{URL: url, Client: &http.Client{Timeout: timeout}}
}

type remoteRequest struct {
	Input [][6]float64 `json:"input"`
}

type remoteResponse struct {
	VX     *float64  `json:"vx"`
	VY     *float64  `json:"vy"`
	Output []float64 `json:"output"`
	Error  string    `json:"error,omitempty"`
}

func (r *Remote) Estimate(ctx context.Context, tensor [][6]float64) (float64, float64, error) {
	body, err := json.Marshal(remoteRequest{Input: tensor})
	if err != nil {
		return 0, 0, fmt.Errorf("remote estimator: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("remote estimator: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("remote estimator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, 0, fmt.Errorf("remote estimator: read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("remote estimator: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out remoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, 0, fmt.Errorf("remote estimator: decode: %w", err)
	}
	if out.Error != "" {
		return 0, 0, fmt.Errorf("remote estimator: server: %s", out.Error)
	}
	switch {
	case out.VX != nil && out.VY != nil:
		return *out.VX, *out.VY, nil
	case len(out.Output) >= 2:
		return out.Output[0], out.Output[1], nil
	default:
		return 0, 0, fmt.Errorf("remote estimator: response has no velocity")
	}
}
