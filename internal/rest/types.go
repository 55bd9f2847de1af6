package rest

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatkit/internal/models"
)

type messageRequest struct {
	Message *models.Message `json:"message"`
}

type messageResponse struct {
	Message *models.Message `json:"message"`
}

type reactionRequest struct {
	Reaction *models.Reaction `json:"reaction"`
}

type channelData struct {
	Members []string `json:"members,omitempty"`
	Name    string   `json:"name,omitempty"`
}

type channelRequest struct {
	Data channelData `json:"data"`
}

type channelResponse struct {
	Channel *models.Channel `json:"channel"`
}

type syncRequest struct {
	ChannelCIDs []string  `json:"channel_cids"`
	LastSyncAt  time.Time `json:"last_sync_at"`
}

type syncResponse struct {
	Events []json.RawMessage `json:"events"`
}

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"StatusCode"`
}
