package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	capsolverAPI = "https://api.capsolver.com"
	pollInterval = 3 * time.Second
	solveTimeout = 120 * time.Second
)

// Capsolver implements Solver using the Capsolver API.
type Capsolver struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewCapsolver creates a Capsolver client for the given API key.
func NewCapsolver(apiKey string) *Capsolver {
	return &Capsolver{
		apiKey:  apiKey,
		baseURL: capsolverAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Solve submits a FunCaptcha challenge and polls until the token is ready.
func (c *Capsolver) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	createReq := map[string]any{
		"clientKey": c.apiKey,
		"task": map[string]any{
			"type":             "FunCaptchaTaskProxyLess",
			"websiteURL":       pageURL,
			"websitePublicKey": siteKey,
		},
	}
	var createResp struct {
		ErrorID          int    `json:"errorId"`
		ErrorCode        string `json:"errorCode"`
		ErrorDescription string `json:"errorDescription"`
		TaskID           string `json:"taskId"`
	}
	if err := c.post(ctx, "/createTask", createReq, &createResp); err != nil {
		return "", fmt.Errorf("capsolver createTask: %w", err)
	}
	if createResp.ErrorID != 0 {
		return "", fmt.Errorf("capsolver createTask error %s: %s", createResp.ErrorCode, createResp.ErrorDescription)
	}
	if createResp.TaskID == "" {
		return "", fmt.Errorf("capsolver: empty taskId")
	}
	slog.Info("captcha task created", slog.String("taskId", createResp.TaskID))

	resultReq := map[string]any{"clientKey": c.apiKey, "taskId": createResp.TaskID}
	deadline := time.Now().Add(solveTimeout)
	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("capsolver: solve timeout after %s", solveTimeout)
		}

		var resultResp struct {
			ErrorID          int    `json:"errorId"`
			ErrorCode        string `json:"errorCode"`
			ErrorDescription string `json:"errorDescription"`
			Status           string `json:"status"`
			Solution         struct {
				Token string `json:"token"`
			} `json:"solution"`
		}
		if err := c.post(ctx, "/getTaskResult", resultReq, &resultResp); err != nil {
			return "", fmt.Errorf("capsolver getTaskResult: %w", err)
		}
		if resultResp.ErrorID != 0 {
			return "", fmt.Errorf("capsolver result error %s: %s", resultResp.ErrorCode, resultResp.ErrorDescription)
		}

		switch resultResp.Status {
		case "ready":
			if resultResp.Solution.Token == "" {
				return "", fmt.Errorf("capsolver: ready but empty token")
			}
			return resultResp.Solution.Token, nil
		case "processing":
			select {
			case <-time.After(pollInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		default:
			return "", fmt.Errorf("capsolver: unexpected status %q", resultResp.Status)
		}
	}
}

func (c *Capsolver) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("capsolver HTTP %d: %s", resp.StatusCode, data)
	}
	return json.Unmarshal(data, result)
}
