package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// SnapshotClient reads presence state from the gateway's REST endpoints.
type SnapshotClient struct {
	baseURL string
	client  *http.Client

	mu      sync.RWMutex
	headers map[string]string
}

// NewSnapshotClient creates a client for the gateway at baseURL.
func NewSnapshotClient(baseURL string) *SnapshotClient {
	return &SnapshotClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		headers: make(map[string]string),
	}
}

func (c *SnapshotClient) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

func (c *SnapshotClient) SetToken(token string) {
	c.SetHeader("Authorization", "Bearer "+token)
}

// ActiveTimers fetches the tenant's running timers, optionally narrowed to a
// team.
func (c *SnapshotClient) ActiveTimers(ctx context.Context, teamID *int64) ([]presence.ActiveTimerRecord, error) {
	var body struct {
		Timers []presence.ActiveTimerRecord `json:"timers"`
	}
	if err := c.get(ctx, "/api/timers/active", teamID, &body); err != nil {
		return nil, err
	}
	if body.Timers == nil {
		body.Timers = []presence.ActiveTimerRecord{}
	}
	return body.Timers, nil
}

func (c *SnapshotClient) OnlineUsers(ctx context.Context, teamID *int64) ([]int64, error) {
	var body struct {
		Users []int64 `json:"users"`
	}
	if err := c.get(ctx, "/api/users/online", teamID, &body); err != nil {
		return nil, err
	}
	if body.Users == nil {
		body.Users = []int64{}
	}
	return body.Users, nil
}

func (c *SnapshotClient) get(ctx context.Context, endpoint string, teamID *int64, out any) error {
	u := c.baseURL + endpoint
	if teamID != nil {
		u += "?" + url.Values{"team_id": []string{strconv.FormatInt(*teamID, 10)}}.Encode()
	}

	data, err := c.makeRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *SnapshotClient) makeRequest(ctx context.Context, method, u string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.mu.RLock()
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return responseBody, nil
}
