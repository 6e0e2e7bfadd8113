package store

import (
	"context"
	"net/http"
	"net/url"

	"adsync/internal/model"
	"adsync/internal/rpc"
)

// OAuthRedirect is the backend-issued authorization URL plus anti-forgery
// state for an OAuth round-trip. The caller navigates the browser to AuthURL.
type OAuthRedirect struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

// Connect requests an authorization URL for linking a new account. No local
// state changes here; the account appears once the OAuth callback completes
// server-side and the list is refetched.
func (s *Store) Connect(ctx context.Context, platform model.Platform) (OAuthRedirect, error) {
	var redirect OAuthRedirect
	err := s.client.Request(ctx, http.MethodPost, "/accounts/connect/"+string(platform), nil, &redirect)
	if err != nil {
		return OAuthRedirect{}, err
	}
	return redirect, nil
}

// Disconnect removes the account optimistically from every cached list, then
// confirms with the backend. On failure the removal is rolled back so reads
// never show an account as gone that the backend still has.
func (s *Store) Disconnect(ctx context.Context, accountID string) error {
	removed := s.removeFromLists(accountID)

	if err := s.client.Request(ctx, http.MethodDelete, "/accounts/"+accountID, nil, nil); err != nil {
		s.restoreToLists(removed)
		return err
	}

	s.mu.Lock()
	for key, status := range s.statuses {
		if status.AccountID == accountID {
			delete(s.statuses, key)
		}
	}
	s.mu.Unlock()

	s.notifyInvalidate([]string{RegionDashboardSummary})
	return nil
}

type removedAccount struct {
	listKey string
	index   int
	account model.ConnectedAccount
}

func (s *Store) removeFromLists(accountID string) []removedAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []removedAccount
	for key, entry := range s.lists {
		for i, acc := range entry.accounts {
			if acc.ID != accountID {
				continue
			}
			removed = append(removed, removedAccount{listKey: key, index: i, account: acc})
			entry.accounts = append(entry.accounts[:i], entry.accounts[i+1:]...)
			break
		}
	}
	return removed
}

func (s *Store) restoreToLists(removed []removedAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range removed {
		entry, cached := s.lists[r.listKey]
		if !cached {
			continue
		}
		if r.index > len(entry.accounts) {
			entry.accounts = append(entry.accounts, r.account)
			continue
		}
		entry.accounts = append(entry.accounts[:r.index],
			append([]model.ConnectedAccount{r.account}, entry.accounts[r.index:]...)...)
	}
}

// Sync asks the backend to enqueue a sync job. On acceptance the cached
// account is optimistically marked syncing; authoritative progress and the
// terminal outcome arrive over the event channel, not from this call.
func (s *Store) Sync(ctx context.Context, accountID string) (model.SyncStatus, error) {
	var status model.SyncStatus
	if err := s.client.Request(ctx, http.MethodPost, "/accounts/"+accountID+"/sync", nil, &status); err != nil {
		return model.SyncStatus{}, err
	}
	s.acceptProvisional(status)
	return status, nil
}

// SyncAll enqueues a sync for every connected account.
func (s *Store) SyncAll(ctx context.Context) ([]model.SyncStatus, error) {
	var statuses []model.SyncStatus
	if err := s.client.Request(ctx, http.MethodPost, "/accounts/sync-all", nil, &statuses); err != nil {
		return nil, err
	}
	for _, status := range statuses {
		s.acceptProvisional(status)
	}
	return statuses, nil
}

// acceptProvisional records the command response as a local guess. A status
// the event channel already reconciled as syncing is authoritative and kept.
func (s *Store) acceptProvisional(status model.SyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.Key(status.Platform, status.AccountID)
	if existing, known := s.statuses[key]; !known || existing.State != model.SyncSyncing {
		s.statuses[key] = status
	}
	s.setAccountStatusLocked(status.AccountID, model.StatusSyncing)
}

// Reconnect requests a fresh authorization URL scoped to repairing an
// existing connection, used when the stored platform token has expired. The
// platform rides along so the backend can validate it against the account.
func (s *Store) Reconnect(ctx context.Context, accountID string, platform model.Platform) (OAuthRedirect, error) {
	path := "/accounts/" + accountID + "/reconnect"
	if platform != "" {
		path += "?platform=" + string(platform)
	}
	var redirect OAuthRedirect
	if err := s.client.Request(ctx, http.MethodPost, path, nil, &redirect); err != nil {
		return OAuthRedirect{}, err
	}
	return redirect, nil
}

// Platforms lists the platforms the backend can link.
func (s *Store) Platforms(ctx context.Context) ([]model.Platform, error) {
	var platforms []model.Platform
	if err := s.client.Request(ctx, http.MethodGet, "/accounts/platforms", nil, &platforms); err != nil {
		return nil, err
	}
	return platforms, nil
}

// CallbackResult is the query-parameter contract of the OAuth redirect
// target.
type CallbackResult struct {
	Success   bool
	Error     string
	Platform  model.Platform
	Message   string
	AccountID string
}

// ParseCallback extracts the callback contract from redirect query values.
func ParseCallback(values url.Values) CallbackResult {
	platform, _ := model.ParsePlatform(values.Get("platform"))
	return CallbackResult{
		Success:   values.Get("success") == "true",
		Error:     values.Get("error"),
		Platform:  platform,
		Message:   values.Get("message"),
		AccountID: values.Get("account_id"),
	}
}

// HandleOAuthCallback refreshes the list after a completed OAuth round-trip
// and, when the callback names the linked account, triggers its first sync.
func (s *Store) HandleOAuthCallback(ctx context.Context, cb CallbackResult) error {
	if !cb.Success {
		msg := cb.Message
		if msg == "" {
			msg = cb.Error
		}
		return &rpc.APIError{Code: rpc.CodeOAuthFailed, Message: msg, Platform: cb.Platform}
	}

	if _, err := s.fetchList(ctx, Filter{}); err != nil {
		return err
	}
	if cb.AccountID != "" {
		if _, err := s.Sync(ctx, cb.AccountID); err != nil {
			return err
		}
	}
	return nil
}
