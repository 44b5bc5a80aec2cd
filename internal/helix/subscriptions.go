package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SubscriptionRecord is a learned EventSub subscription as returned by
// sub_list.
type SubscriptionRecord struct {
	ID              string
	Status          string
	BroadcasterID   string
	UserID          string
}

type subCreateRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

type subCreateResponse struct {
	Data []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// CreateSubscription creates a channel.chat.message v1 subscription over
// the given EventSub websocket session. A 409 (already exists) is treated
// as an idempotent success.
func (c *Client) CreateSubscription(ctx context.Context, accessToken, clientID, broadcasterID, userID, sessionID string) (string, error) {
	payload := subCreateRequest{
		Type:    "channel.chat.message",
		Version: "1",
		Condition: map[string]string{
			"broadcaster_user_id": broadcasterID,
			"user_id":             userID,
		},
	}
	payload.Transport.Method = "websocket"
	payload.Transport.SessionID = sessionID

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("helix: encode sub_create payload: %w", err)
	}

	endpoint := strings.TrimSuffix(HelixBaseURL, "/") + eventSubPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("helix: build sub_create request: %w", err)
	}
	authHeader(req, accessToken, clientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, "sub_create", req)
	if err != nil {
		return "", err
	}
	respBody := readLimited(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusCreated:
		var parsed subCreateResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return "", fmt.Errorf("helix: decode sub_create response: %w", err)
		}
		c.IncOutcome("sub_create", "success")
		if len(parsed.Data) == 0 {
			return "", fmt.Errorf("helix: sub_create returned no subscription")
		}
		return parsed.Data[0].ID, nil
	case http.StatusConflict:
		c.IncOutcome("sub_create", "already_exists")
		return "", nil
	case http.StatusUnauthorized:
		c.IncOutcome("sub_create", "token_invalid")
		return "", ErrTokenInvalid
	case http.StatusForbidden:
		c.IncOutcome("sub_create", "missing_scopes")
		return "", ErrMissingScopes
	default:
		c.IncOutcome("sub_create", "error")
		return "", fmt.Errorf("helix: sub_create status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

type subListResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Condition struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
			UserID            string `json:"user_id"`
		} `json:"condition"`
	} `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// ListSubscriptions returns every channel.chat.message subscription owned
// by userID, following pagination cursors.
func (c *Client) ListSubscriptions(ctx context.Context, accessToken, clientID, userID string) ([]SubscriptionRecord, error) {
	var out []SubscriptionRecord
	cursor := ""

	for {
		q := url.Values{}
		q.Set("user_id", userID)
		q.Set("type", "channel.chat.message")
		if cursor != "" {
			q.Set("after", cursor)
		}

		endpoint := strings.TrimSuffix(HelixBaseURL, "/") + eventSubPath + "?" + q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("helix: build sub_list request: %w", err)
		}
		authHeader(req, accessToken, clientID)

		resp, err := c.do(ctx, "sub_list", req)
		if err != nil {
			return nil, err
		}
		body := readLimited(resp.Body)

		if resp.StatusCode == http.StatusUnauthorized {
			c.IncOutcome("sub_list", "token_invalid")
			return nil, ErrTokenInvalid
		}
		if resp.StatusCode != http.StatusOK {
			c.IncOutcome("sub_list", "error")
			return nil, fmt.Errorf("helix: sub_list status %d", resp.StatusCode)
		}

		var parsed subListResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("helix: decode sub_list response: %w", err)
		}
		for _, d := range parsed.Data {
			out = append(out, SubscriptionRecord{
				ID:            d.ID,
				Status:        d.Status,
				BroadcasterID: d.Condition.BroadcasterUserID,
				UserID:        d.Condition.UserID,
			})
		}

		if parsed.Pagination.Cursor == "" {
			break
		}
		cursor = parsed.Pagination.Cursor
	}

	c.IncOutcome("sub_list", "success")
	return out, nil
}

// DeleteSubscription removes a subscription by id. A 404 is treated as
// already-gone and ignored.
func (c *Client) DeleteSubscription(ctx context.Context, accessToken, clientID, subscriptionID string) error {
	endpoint := strings.TrimSuffix(HelixBaseURL, "/") + eventSubPath + "?id=" + url.QueryEscape(subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("helix: build sub_delete request: %w", err)
	}
	authHeader(req, accessToken, clientID)

	resp, err := c.do(ctx, "sub_delete", req)
	if err != nil {
		return err
	}
	_ = readLimited(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		c.IncOutcome("sub_delete", "success")
		return nil
	case http.StatusUnauthorized:
		c.IncOutcome("sub_delete", "token_invalid")
		return ErrTokenInvalid
	default:
		c.IncOutcome("sub_delete", "error")
		return fmt.Errorf("helix: sub_delete status %d", resp.StatusCode)
	}
}
