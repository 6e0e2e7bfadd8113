package store

import (
	"time"

	"adsync/internal/model"
)

// Reconciliation entry points, driven by the live event channel. Events for
// a (platform, accountId) pair the store has never seen create a status
// entry rather than being dropped: the list cache may simply not have been
// refetched yet.

// ApplySyncStarted resets the account's sync tracking for a new attempt. A
// later start always supersedes whatever was in progress for the key.
func (s *Store) ApplySyncStarted(d model.SyncStartedData) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[model.Key(d.Platform, d.AccountID)] = model.SyncStatus{
		AccountID: d.AccountID,
		Platform:  d.Platform,
		State:     model.SyncSyncing,
		Progress:  0,
		StartedAt: &now,
	}
	s.setAccountStatusLocked(d.AccountID, model.StatusSyncing)
}

// ApplySyncProgress advances the progress of an in-flight sync. Progress is
// monotonic within one attempt; regressing or out-of-state updates are
// dropped.
func (s *Store) ApplySyncProgress(d model.SyncProgressData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.Key(d.Platform, d.AccountID)
	status, known := s.statuses[key]
	if !known {
		status = model.SyncStatus{AccountID: d.AccountID, Platform: d.Platform, State: model.SyncSyncing}
	}
	if status.State != model.SyncSyncing {
		return
	}
	progress := d.Progress
	if progress > 100 {
		progress = 100
	}
	if progress < status.Progress {
		return
	}
	status.Progress = progress
	status.Message = d.Message
	s.statuses[key] = status
}

// ApplySyncCompleted finalizes the attempt at 100% regardless of the last
// progress value seen, marks the account active, and invalidates the
// aggregate views built on top of synced data.
func (s *Store) ApplySyncCompleted(d model.SyncCompletedData) {
	now := s.now()

	s.mu.Lock()
	key := model.Key(d.Platform, d.AccountID)
	status, known := s.statuses[key]
	if !known {
		status = model.SyncStatus{AccountID: d.AccountID, Platform: d.Platform}
	}
	status.State = model.SyncCompleted
	status.Progress = 100
	status.CompletedAt = &now
	status.SyncedRecords = d.RecordsSynced
	status.Error = ""
	s.statuses[key] = status

	for _, entry := range s.lists {
		for i := range entry.accounts {
			if entry.accounts[i].ID != d.AccountID {
				continue
			}
			entry.accounts[i].Status = model.StatusActive
			entry.accounts[i].Error = nil
			t := now
			entry.accounts[i].LastSyncAt = &t
			entry.accounts[i].LastSuccessfulSync = &t
		}
	}
	s.mu.Unlock()

	s.notifyInvalidate([]string{RegionDashboardSummary, RegionCampaigns})
}

// ApplySyncError finalizes the attempt as failed with progress reset, and
// flags the account.
func (s *Store) ApplySyncError(d model.SyncErrorData) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.Key(d.Platform, d.AccountID)
	status, known := s.statuses[key]
	if !known {
		status = model.SyncStatus{AccountID: d.AccountID, Platform: d.Platform}
	}
	status.State = model.SyncFailed
	status.Progress = 0
	status.Error = d.ErrorMessage
	s.statuses[key] = status

	for _, entry := range s.lists {
		for i := range entry.accounts {
			if entry.accounts[i].ID != d.AccountID {
				continue
			}
			entry.accounts[i].Status = model.StatusError
			entry.accounts[i].Error = &model.AccountError{
				Type:       model.ErrAPIError,
				Message:    d.ErrorMessage,
				OccurredAt: now,
				Retryable:  d.Retryable,
			}
			t := now
			entry.accounts[i].LastSyncAt = &t
		}
	}
}

// InvalidateRegions handles a data:updated event: the accounts region drops
// the list caches here, everything else is forwarded to the listener.
func (s *Store) InvalidateRegions(regions []string) {
	for _, region := range regions {
		if region == RegionAccounts {
			s.mu.Lock()
			s.lists = make(map[string]*listEntry)
			s.mu.Unlock()
		}
	}
	s.notifyInvalidate(regions)
}

// InvalidateAccounts is the coarse invalidation used by the polling
// fallback while the stream is down: every cached list is marked stale so
// the next read refetches, without per-event reconciliation.
func (s *Store) InvalidateAccounts() {
	s.mu.Lock()
	for _, entry := range s.lists {
		entry.fetchedAt = time.Time{}
	}
	s.mu.Unlock()

	s.notifyInvalidate([]string{RegionAccounts})
}

func (s *Store) setAccountStatusLocked(accountID string, status model.AccountStatus) {
	for _, entry := range s.lists {
		for i := range entry.accounts {
			if entry.accounts[i].ID == accountID {
				entry.accounts[i].Status = status
				if status == model.StatusSyncing {
					entry.accounts[i].Error = nil
				}
			}
		}
	}
}
