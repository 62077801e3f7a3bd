// Package client talks to the collections API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/pkg/response"
)

// ErrNotFound is returned for unknown collections and unknown or expired
// operations.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response carrying the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, %s): %s", e.Status, e.Code, e.Message)
}

// Client handles communication with the collections API
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client for the API at baseURL.
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// ListCollections returns every collection with its member count.
func (c *Client) ListCollections(ctx context.Context) ([]model.CollectionSummary, error) {
	var out []model.CollectionSummary
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BulkMove submits a bulk move job.
func (c *Client) BulkMove(ctx context.Context, req *model.BulkMoveRequest) (*model.BulkMoveResponse, error) {
	var out model.BulkMoveResponse
	if err := c.do(ctx, http.MethodPost, "/collections/bulk-move", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BulkMoveStatus polls a job. Unknown or expired operations return ErrNotFound.
func (c *Client) BulkMoveStatus(ctx context.Context, operationID string) (*model.BulkMoveStatusResponse, error) {
	var out model.BulkMoveStatusResponse
	if err := c.do(ctx, http.MethodGet, "/collections/bulk-move-status/"+operationID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(respBody)}
		var envelope response.ErrorResponse
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
