// Package restclient talks to the sync server's REST endpoints on behalf of
// queue handlers and the conflict engine.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrNotFound means the server has no such entity; callers create
	// instead of update.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// APIError is a problem response the server returned for a status that has
// no sentinel.
type APIError struct {
	Status int    `json:"status"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Title)
}

// Client is an HTTP client for the sync server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client. baseURL includes the API prefix, e.g.
// "https://sync.example.com/api/v1".
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// EntityResponse is the server's view of one stored entity.
type EntityResponse struct {
	Kind      types.EntityKind `json:"kind"`
	ID        string           `json:"id"`
	Entity    types.Entity     `json:"entity"`
	Version   int64            `json:"version"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Record is one locally pending entity pushed through Sync.
type Record struct {
	Kind   types.EntityKind `json:"kind"`
	Entity types.Entity     `json:"entity"`
}

// SyncRequest is the bulk push body.
type SyncRequest struct {
	PushID  string   `json:"pushId"`
	Records []Record `json:"records"`
}

// Accepted acknowledges one stored record.
type Accepted struct {
	Kind    types.EntityKind `json:"kind"`
	ID      string           `json:"id"`
	Version int64            `json:"version"`
}

// RecordConflict reports a pushed record the server holds a newer,
// different copy of.
type RecordConflict struct {
	Kind   types.EntityKind `json:"kind"`
	ID     string           `json:"id"`
	Server types.Entity     `json:"server"`
	Reason string           `json:"reason,omitempty"`
}

// SyncResponse is the bulk push result.
type SyncResponse struct {
	Accepted  []Accepted       `json:"accepted"`
	Conflicts []RecordConflict `json:"conflicts"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Rooms   int    `json:"rooms"`
}

// Health checks server liveness. It does not send the token.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEntity fetches the server copy of an entity; ErrNotFound when absent.
func (c *Client) GetEntity(ctx context.Context, kind types.EntityKind, id string) (*EntityResponse, error) {
	var resp EntityResponse
	if err := c.do(ctx, http.MethodGet, entityPath(kind, id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutEntity updates an existing entity; ErrNotFound when the server has none.
func (c *Client) PutEntity(ctx context.Context, kind types.EntityKind, entity types.Entity) (*EntityResponse, error) {
	var resp EntityResponse
	if err := c.do(ctx, http.MethodPut, entityPath(kind, entity.ID()), entity, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostEntity creates an entity; ErrConflict when it already exists.
func (c *Client) PostEntity(ctx context.Context, kind types.EntityKind, entity types.Entity) (*EntityResponse, error) {
	var resp EntityResponse
	if err := c.do(ctx, http.MethodPost, entityPath(kind, entity.ID()), entity, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveEntity updates the entity, creating it when the server reports it
// absent.
func (c *Client) SaveEntity(ctx context.Context, kind types.EntityKind, entity types.Entity) (*EntityResponse, error) {
	resp, err := c.PutEntity(ctx, kind, entity)
	if errors.Is(err, ErrNotFound) {
		return c.PostEntity(ctx, kind, entity)
	}
	return resp, err
}

// Sync pushes a batch of pending records. pushID makes retries of the same
// batch idempotent on the server.
func (c *Client) Sync(ctx context.Context, pushID string, records []Record) (*SyncResponse, error) {
	var resp SyncResponse
	req := SyncRequest{PushID: pushID, Records: records}
	if err := c.do(ctx, http.MethodPost, "/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteEntity removes the server copy; ErrNotFound when absent.
func (c *Client) DeleteEntity(ctx context.Context, kind types.EntityKind, id string) error {
	return c.do(ctx, http.MethodDelete, entityPath(kind, id), nil, nil)
}

// Change is one server change log row.
type Change struct {
	Sequence  int64            `json:"sequence"`
	Kind      types.EntityKind `json:"kind"`
	EntityID  string           `json:"entityId"`
	Operation string           `json:"operation"`
	Payload   types.Entity     `json:"payload,omitempty"`
	SourceID  string           `json:"sourceId"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ChangesResponse is one page of the change log.
type ChangesResponse struct {
	Changes        []Change `json:"changes"`
	LastSequence   int64    `json:"lastSequence"`
	LatestSequence int64    `json:"latestSequence"`
	HasMore        bool     `json:"hasMore"`
}

// Changes returns change log rows after the given sequence. A zero limit
// uses the server default.
func (c *Client) Changes(ctx context.Context, after int64, limit int) (*ChangesResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp ChangesResponse
	if err := c.do(ctx, http.MethodGet, "/changes?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomSnapshot downloads the encoded document of a room, for seeding a
// device that has no local copy.
func (c *Client) RoomSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/rooms/"+url.PathEscape(roomID)+"/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func entityPath(kind types.EntityKind, id string) string {
	return "/entities/" + url.PathEscape(string(kind)) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func statusError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Title: http.StatusText(status)}
	_ = json.Unmarshal(body, apiErr)
	apiErr.Status = status

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Detail)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Detail)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Detail)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, apiErr.Detail)
	default:
		return apiErr
	}
}
