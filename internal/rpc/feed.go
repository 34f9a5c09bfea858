package rpc

import (
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/models"
)

// ChangesPath is the websocket endpoint of the change feed.
const ChangesPath = "/v1/changes"

type FeedMessageType string

const (
	FeedChanges FeedMessageType = "changes"
	FeedPing    FeedMessageType = "ping"
)

// FeedMessage is one frame of the change feed.
type FeedMessage struct {
	Type      FeedMessageType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ChangesPayload announces new change-log entries. Cursor is the highest seq.
type ChangesPayload struct {
	Cursor  int64           `json:"cursor"`
	Changes []models.Change `json:"changes"`
}

func NewFeedMessage(t FeedMessageType, payload any) (*FeedMessage, error) {
	m := &FeedMessage{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = b
	}
	return m, nil
}

func (m *FeedMessage) UnmarshalPayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
