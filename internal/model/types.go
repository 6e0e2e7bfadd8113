package model

import (
	"fmt"
	"time"
)

// Platform is a third-party advertising network whose account data is synced.
type Platform string

const (
	PlatformMeta     Platform = "meta"
	PlatformGoogle   Platform = "google"
	PlatformTikTok   Platform = "tiktok"
	PlatformShopee   Platform = "shopee"
	PlatformLinkedIn Platform = "linkedin"
)

func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformMeta, PlatformGoogle, PlatformTikTok, PlatformShopee, PlatformLinkedIn:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

type AccountStatus string

const (
	StatusActive       AccountStatus = "active"
	StatusError        AccountStatus = "error"
	StatusExpired      AccountStatus = "expired"
	StatusSyncing      AccountStatus = "syncing"
	StatusDisconnected AccountStatus = "disconnected"
)

type ErrorType string

const (
	ErrTokenExpired     ErrorType = "token_expired"
	ErrPermissionDenied ErrorType = "permission_denied"
	ErrAPIError         ErrorType = "api_error"
	ErrRateLimit        ErrorType = "rate_limit"
	ErrAccountSuspended ErrorType = "account_suspended"
)

// AccountError is only present while the account status is error or expired.
type AccountError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
	Retryable  bool      `json:"retryable"`
}

type DataFreshness string

const (
	FreshnessFresh    DataFreshness = "fresh"
	FreshnessStale    DataFreshness = "stale"
	FreshnessOutdated DataFreshness = "outdated"
)

// ConnectedAccount is one linked third-party ad account.
type ConnectedAccount struct {
	ID                  string        `json:"id"`
	Platform            Platform      `json:"platform"`
	PlatformAccountID   string        `json:"platformAccountId"`
	PlatformAccountName string        `json:"platformAccountName"`
	Status              AccountStatus `json:"status"`
	Error               *AccountError `json:"error,omitempty"`
	TokenExpiresAt      *time.Time    `json:"tokenExpiresAt,omitempty"`
	LastSyncAt          *time.Time    `json:"lastSyncAt,omitempty"`
	LastSuccessfulSync  *time.Time    `json:"lastSuccessfulSyncAt,omitempty"`
	ConnectedAt         time.Time     `json:"connectedAt"`
	ConnectedBy         string        `json:"connectedBy"`
	SyncFrequency       int           `json:"syncFrequency"` // minutes
}

// Freshness derives how current the account's data is from the last
// successful sync and the configured sync interval. Within one interval is
// fresh, within three is stale, beyond that (or never synced) is outdated.
func (a ConnectedAccount) Freshness(now time.Time) DataFreshness {
	if a.LastSuccessfulSync == nil || a.SyncFrequency <= 0 {
		return FreshnessOutdated
	}
	interval := time.Duration(a.SyncFrequency) * time.Minute
	age := now.Sub(*a.LastSuccessfulSync)
	switch {
	case age <= interval:
		return FreshnessFresh
	case age <= 3*interval:
		return FreshnessStale
	default:
		return FreshnessOutdated
	}
}

type SyncState string

const (
	SyncIdle      SyncState = "idle"
	SyncSyncing   SyncState = "syncing"
	SyncCompleted SyncState = "completed"
	SyncFailed    SyncState = "failed"
)

// SyncStatus tracks the in-flight or most recent sync for one account.
type SyncStatus struct {
	AccountID     string     `json:"accountId"`
	Platform      Platform   `json:"platform"`
	State         SyncState  `json:"status"`
	Progress      int        `json:"progress"` // 0-100
	Message       string     `json:"message,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	SyncedRecords int        `json:"syncedRecords,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Key identifies the account a sync status or stream event belongs to.
// The list cache may lag behind the stream, so events are located by this
// pair rather than by a cached account pointer.
func Key(platform Platform, accountID string) string {
	return string(platform) + "|" + accountID
}
