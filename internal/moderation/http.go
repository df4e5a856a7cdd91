package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

// Compile-time interface check.
var _ Checker = (*HTTPClient)(nil)

// HTTPClient asks the relay's moderation endpoints on behalf of the client
// the token was issued to. The userID arguments are informational; the relay
// trusts only the token.
type HTTPClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (c *HTTPClient) Status(ctx context.Context, _ string) (models.ModerationStatus, error) {
	var st models.ModerationStatus
	req, err := c.request(ctx, http.MethodGet, "/api/moderation/status", nil)
	if err != nil {
		return st, err
	}
	err = transport.DoJSON(c.Client, req, &st)
	return st, err
}

func (c *HTTPClient) MarkConnected(ctx context.Context, _ string, peerID string) error {
	return c.post(ctx, "/api/moderation/connected", models.PresenceRequest{PeerID: peerID})
}

func (c *HTTPClient) MarkDisconnected(ctx context.Context, _ string, peerID string, reason models.DisconnectReason) error {
	return c.post(ctx, "/api/moderation/disconnected", models.PresenceRequest{PeerID: peerID, Reason: string(reason)})
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := c.request(ctx, http.MethodPost, path, data)
	if err != nil {
		return err
	}
	return transport.DoJSON(c.Client, req, nil)
}

func (c *HTTPClient) request(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var req *http.Request
	var err error
	url := strings.TrimSuffix(c.BaseURL, "/") + path
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	return req, nil
}
