// Package rest is the HTTP side of the chat API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/chaterr"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/models"
)

// Client provides REST API access to the chat backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a new REST API client. baseURL is the API root,
// e.g. "https://chat.example.com".
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetToken sets the user token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SendMessage posts a new message to cid.
func (c *Client) SendMessage(ctx context.Context, cid string, m *models.Message) (*models.Message, error) {
	typ, id, err := models.ParseCID(cid)
	if err != nil {
		return nil, chaterr.Precondition("%v", err)
	}
	var resp messageResponse
	path := fmt.Sprintf("/channels/%s/%s/message", url.PathEscape(typ), url.PathEscape(id))
	if err := c.do(ctx, http.MethodPost, path, messageRequest{Message: m}, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// UpdateMessage replaces the text and extra data of an existing message.
func (c *Client) UpdateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	var resp messageResponse
	path := "/messages/" + url.PathEscape(m.ID)
	if err := c.do(ctx, http.MethodPost, path, messageRequest{Message: m}, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// SendReaction adds r to its message.
func (c *Client) SendReaction(ctx context.Context, r *models.Reaction) (*models.Message, error) {
	var resp messageResponse
	path := fmt.Sprintf("/messages/%s/reaction", url.PathEscape(r.MessageID))
	if err := c.do(ctx, http.MethodPost, path, reactionRequest{Reaction: r}, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// DeleteReaction removes the current user's reaction of typ.
func (c *Client) DeleteReaction(ctx context.Context, messageID, typ string) (*models.Message, error) {
	var resp messageResponse
	path := fmt.Sprintf("/messages/%s/reaction/%s", url.PathEscape(messageID), url.PathEscape(typ))
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// CreateChannel creates ch on the server. Channels without an id are
// created from their member list and get a server assigned id.
func (c *Client) CreateChannel(ctx context.Context, ch *models.Channel) (*models.Channel, error) {
	path := "/channels/" + url.PathEscape(ch.Type)
	if ch.ID != "" && !strings.HasPrefix(ch.ID, models.LocalChannelIDPrefix) {
		path += "/" + url.PathEscape(ch.ID)
	}
	req := channelRequest{Data: channelData{Members: make([]string, 0, len(ch.Members)), Name: ch.Name}}
	for id := range ch.Members {
		req.Data.Members = append(req.Data.Members, id)
	}
	var resp channelResponse
	if err := c.do(ctx, http.MethodPost, path+"/query", req, &resp); err != nil {
		return nil, err
	}
	return resp.Channel, nil
}

// QueryEventsSince returns the events the given channels received after since.
func (c *Client) QueryEventsSince(ctx context.Context, cids []string, since time.Time) ([]events.Event, error) {
	var resp syncResponse
	req := syncRequest{ChannelCIDs: cids, LastSyncAt: since.UTC()}
	if err := c.do(ctx, http.MethodPost, "/sync", req, &resp); err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(resp.Events))
	for _, raw := range resp.Events {
		ev, err := events.Parse(raw)
		if err != nil {
			c.logger.Warn("skipping unparseable sync event", zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// SyncEvents lets the client serve as the reconciler's event source.
func (c *Client) SyncEvents(ctx context.Context, cids []string, since time.Time) ([]events.Event, error) {
	return c.QueryEventsSince(ctx, cids, since)
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var bodyReader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + path + "?api_key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", token)
		req.Header.Set("Stream-Auth-Type", "jwt")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return chaterr.WrapNetwork(0, "http request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return chaterr.WrapNetwork(0, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp errorResponse
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Message != "" {
			return chaterr.NetworkError(errResp.Code, resp.StatusCode, errResp.Message)
		}
		return chaterr.NetworkError(0, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if dest != nil && len(data) > 0 {
		if err := json.Unmarshal(data, dest); err != nil {
			return chaterr.WrapNetwork(chaterr.CodeParserFailure, "unmarshal response", err)
		}
	}
	return nil
}
