package dal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mooncorn/gsfleet/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrConflict maps HTTP 409: shutting down an already-closed worker or
	// instance.
	ErrConflict = errors.New("dal: state conflict")
	// ErrGone maps HTTP 410: heartbeating a closed worker.
	ErrGone = errors.New("dal: subject closed")
	// ErrNotFound maps HTTP 404.
	ErrNotFound = errors.New("dal: not found")
)

// Client talks to the worker DAL over HTTP. Requests carry a short-lived
// HS256 bearer token signed with the shared service secret; the token is
// re-signed when close to expiry.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secret     []byte
	logger     *zap.Logger

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates a DAL client for baseURL.
func NewClient(baseURL string, secret []byte, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		secret:     secret,
		logger:     logger,
	}
}

// bearerToken returns a valid signed token, re-signing when under a minute
// of validity remains.
func (c *Client) bearerToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Until(c.tokenExp) > time.Minute {
		return c.token, nil
	}

	exp := time.Now().Add(5 * time.Minute)
	claims := jwt.RegisteredClaims{
		Subject:   "worker-agent",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}

	c.token = token
	c.tokenExp = exp
	return token, nil
}

// do sends a JSON request and decodes the JSON response into out (when out
// is non-nil). 409/410/404 map to sentinel errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	token, err := c.bearerToken()
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: unexpected status code %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// CreateWorker registers this process lifetime and returns the new record.
func (c *Client) CreateWorker(ctx context.Context) (*models.Worker, error) {
	var w models.Worker
	if err := c.do(ctx, http.MethodPost, "/worker/create", nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ShutdownWorker marks the worker ended. ErrConflict if already closed.
func (c *Client) ShutdownWorker(ctx context.Context, workerID int64) error {
	return c.do(ctx, http.MethodPut, "/worker/shutdown", map[string]int64{"worker_id": workerID}, nil)
}

// CloseOtherWorkers closes every other open worker and returns the closed
// ids. The DAL emits a synthetic COMPLETE status for each.
func (c *Client) CloseOtherWorkers(ctx context.Context, workerID int64) ([]int64, error) {
	var resp struct {
		ClosedWorkerIDs []int64 `json:"closed_worker_ids"`
	}
	err := c.do(ctx, http.MethodPut, "/worker/shutdown/other", map[string]int64{"worker_id": workerID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.ClosedWorkerIDs, nil
}

// WorkerHeartbeat updates the worker's heartbeat. ErrGone if closed.
func (c *Client) WorkerHeartbeat(ctx context.Context, workerID int64) error {
	return c.do(ctx, http.MethodPost, "/worker/heartbeat", map[string]int64{"worker_id": workerID}, nil)
}

// CreateInstance registers a server supervision lifetime.
func (c *Client) CreateInstance(ctx context.Context, configID, workerID int64) (*models.GameServerInstance, error) {
	body := map[string]int64{
		"game_server_config_id": configID,
		"worker_id":             workerID,
	}
	var inst models.GameServerInstance
	if err := c.do(ctx, http.MethodPost, "/server/instance/create", body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ShutdownInstance marks the instance ended. ErrConflict if already closed.
func (c *Client) ShutdownInstance(ctx context.Context, instanceID int64) error {
	return c.do(ctx, http.MethodPut, "/server/instance/shutdown", map[string]int64{"game_server_instance_id": instanceID}, nil)
}

// InstanceHeartbeat updates the instance's heartbeat.
func (c *Client) InstanceHeartbeat(ctx context.Context, instanceID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/server/instance/heartbeat/%d", instanceID), nil, nil)
}

// GetGameServer fetches a catalog entry.
func (c *Client) GetGameServer(ctx context.Context, gameServerID int64) (*models.GameServer, error) {
	var gs models.GameServer
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/server/%d", gameServerID), nil, &gs); err != nil {
		return nil, err
	}
	return &gs, nil
}

// GetGameServerConfig fetches a launch configuration.
func (c *Client) GetGameServerConfig(ctx context.Context, configID int64) (*models.GameServerConfig, error) {
	var cfg models.GameServerConfig
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/server/config/%d", configID), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetInstance fetches an instance record.
func (c *Client) GetInstance(ctx context.Context, instanceID int64) (*models.GameServerInstance, error) {
	var inst models.GameServerInstance
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/server/instance/%d", instanceID), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}
