// Package statestore provides a typed HTTP client for the state store.
//
// Every operation is one POST with a JSON body and a bearer token header.
// Empty inputs short-circuit to success without a network call.
package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/missionctl/bridge/internal/common/errors"
	"github.com/missionctl/bridge/internal/common/logger"
	v1 "github.com/missionctl/bridge/pkg/api/v1"
)

// Fixed endpoint paths.
const (
	pathIngestEvents        = "/events/ingest"
	pathUpdateStatus        = "/agents/update-status"
	pathAgentMetadata       = "/agents/metadata"
	pathPendingNotification = "/notifications/pending"
	pathMarkDelivered       = "/notifications/mark-delivered"
	pathRecordAttempt       = "/notifications/attempt"
)

const (
	requestTimeout   = 15 * time.Second
	maxErrorBodySize = 512
)

// Client is a stateless HTTP client for the state store. Safe for concurrent use.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *logger.Logger
}

// New creates a state-store client. The base URL is normalized: trailing
// slashes are stripped and a legacy ".cloud" domain suffix is rewritten to
// ".site".
func New(baseURL, secret string, log *logger.Logger) *Client {
	return &Client{
		baseURL: NormalizeBaseURL(baseURL),
		secret:  secret,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  log.WithFields(zap.String("component", "statestore")),
	}
}

// NormalizeBaseURL strips a trailing slash and rewrites a ".cloud" host suffix
// to ".site".
func NormalizeBaseURL(raw string) string {
	url := strings.TrimRight(raw, "/")
	if idx := strings.Index(url, ".cloud"); idx >= 0 {
		rest := url[idx+len(".cloud"):]
		if rest == "" || strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, ":") {
			url = url[:idx] + ".site" + rest
		}
	}
	return url
}

// IngestEvents delivers a micro-batch of bridge events.
func (c *Client) IngestEvents(ctx context.Context, events []v1.BridgeEvent) error {
	if len(events) == 0 {
		return nil
	}
	return c.post(ctx, pathIngestEvents, events, nil)
}

// UpdateAgentStatuses posts a batch of materialized agent statuses.
func (c *Client) UpdateAgentStatuses(ctx context.Context, updates []v1.AgentStatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return c.post(ctx, pathUpdateStatus, updates, nil)
}

// SyncAgentMetadata refreshes the store's agent registry records.
func (c *Client) SyncAgentMetadata(ctx context.Context, records []v1.AgentMetadata) error {
	if len(records) == 0 {
		return nil
	}
	return c.post(ctx, pathAgentMetadata, records, nil)
}

// ListPendingNotifications fetches undelivered notifications for a recipient type.
func (c *Client) ListPendingNotifications(ctx context.Context, limit int, recipientType string) ([]v1.PendingNotification, error) {
	body := map[string]interface{}{}
	if limit > 0 {
		body["limit"] = limit
	}
	if recipientType != "" {
		body["recipientType"] = recipientType
	}
	var result []v1.PendingNotification
	if err := c.post(ctx, pathPendingNotification, body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkNotificationDelivered records a successful delivery.
func (c *Client) MarkNotificationDelivered(ctx context.Context, notificationID string, deliveredAt time.Time) error {
	body := map[string]interface{}{
		"notificationId": notificationID,
	}
	if !deliveredAt.IsZero() {
		body["deliveredAt"] = deliveredAt.UTC().Format(time.RFC3339)
	}
	return c.post(ctx, pathMarkDelivered, body, nil)
}

// RecordNotificationAttempt records a failed delivery attempt.
func (c *Client) RecordNotificationAttempt(ctx context.Context, notificationID, attemptError string) error {
	body := map[string]interface{}{
		"notificationId": notificationID,
	}
	if attemptError != "" {
		body["error"] = attemptError
	}
	return c.post(ctx, pathRecordAttempt, body, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Transport("state store request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Debug("state store returned error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return apperrors.Remote(
			fmt.Sprintf("state store %s returned %d: %s", path, resp.StatusCode, string(snippet)),
			nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode state store response: %w", err)
		}
	}
	return nil
}
