package model

import (
	"encoding/json"
	"time"
)

// Stream event types emitted by the backend push endpoint.
const (
	EventConnected     = "connected"
	EventSyncStarted   = "sync:started"
	EventSyncProgress  = "sync:progress"
	EventSyncCompleted = "sync:completed"
	EventSyncError     = "sync:error"
	EventDataUpdated   = "data:updated"
)

// StreamEvent is the envelope carried by every push event. Data is decoded
// per Type by the event channel.
type StreamEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type SyncStartedData struct {
	Platform  Platform `json:"platform"`
	AccountID string   `json:"accountId"`
}

type SyncProgressData struct {
	Platform  Platform `json:"platform"`
	AccountID string   `json:"accountId"`
	Progress  int      `json:"progressPercent"`
	Message   string   `json:"message,omitempty"`
}

type SyncCompletedData struct {
	Platform      Platform `json:"platform"`
	AccountID     string   `json:"accountId"`
	RecordsSynced int      `json:"recordsSynced"`
	Duration      int64    `json:"duration"` // milliseconds
}

type SyncErrorData struct {
	Platform     Platform `json:"platform"`
	AccountID    string   `json:"accountId"`
	ErrorMessage string   `json:"errorMessage"`
	Retryable    bool     `json:"retryable"`
}

type DataUpdatedData struct {
	Affected []string `json:"affected"`
}
