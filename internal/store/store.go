// Package store is the authoritative client-side cache of connected
// advertising accounts and their sync state. All account lifecycle commands
// go through it; the event channel reconciles asynchronous backend progress
// into it.
package store

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"adsync/internal/model"
	"adsync/internal/rpc"
)

const defaultListTTL = 2 * time.Minute

// Cache regions invalidated when a sync completes, consumed by whatever
// renders aggregates on top of this store.
const (
	RegionAccounts         = "accounts"
	RegionDashboardSummary = "dashboard-summary"
	RegionCampaigns        = "campaigns"
)

// Filter narrows a cached account list. Each distinct filter has its own
// cache entry.
type Filter struct {
	Platform model.Platform
	Status   model.AccountStatus
}

func (f Filter) key() string {
	return string(f.Platform) + "|" + string(f.Status)
}

type listEntry struct {
	accounts  []model.ConnectedAccount
	fetchedAt time.Time
}

type Options struct {
	// ListTTL is the staleness window for cached lists. Past it, reads still
	// serve the cache but trigger a background refetch.
	ListTTL time.Duration

	// OnInvalidate is notified with the names of cache regions that dependent
	// views should refetch. Invoked outside the store lock.
	OnInvalidate func(regions []string)
}

type Store struct {
	client  *rpc.Client
	listTTL time.Duration
	now     func() time.Time

	onInvalidate func(regions []string)

	mu         sync.Mutex
	lists      map[string]*listEntry
	statuses   map[string]model.SyncStatus // model.Key -> latest status
	refreshing map[string]bool             // filter key -> background refetch in flight
}

func New(client *rpc.Client) *Store {
	return NewWithOptions(client, Options{})
}

func NewWithOptions(client *rpc.Client, opts Options) *Store {
	ttl := opts.ListTTL
	if ttl <= 0 {
		ttl = defaultListTTL
	}
	return &Store{
		client:       client,
		listTTL:      ttl,
		now:          time.Now,
		onInvalidate: opts.OnInvalidate,
		lists:        make(map[string]*listEntry),
		statuses:     make(map[string]model.SyncStatus),
		refreshing:   make(map[string]bool),
	}
}

type accountsPage struct {
	Accounts []model.ConnectedAccount `json:"accounts"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	Limit    int                      `json:"limit"`
}

// List returns the accounts matching the filter. A fresh cache entry is
// served as is; a stale one is served immediately while a background refetch
// replaces it; a missing one blocks on the fetch.
func (s *Store) List(ctx context.Context, filter Filter) ([]model.ConnectedAccount, error) {
	key := filter.key()

	s.mu.Lock()
	entry, cached := s.lists[key]
	if cached {
		accounts := cloneAccounts(entry.accounts)
		stale := s.now().Sub(entry.fetchedAt) >= s.listTTL
		if stale && !s.refreshing[key] {
			s.refreshing[key] = true
			go s.backgroundRefresh(filter)
		}
		s.mu.Unlock()
		return accounts, nil
	}
	s.mu.Unlock()

	return s.fetchList(ctx, filter)
}

func (s *Store) backgroundRefresh(filter Filter) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.fetchList(ctx, filter); err != nil {
		log.Printf("store: background refresh failed: %v", err)
	}

	s.mu.Lock()
	delete(s.refreshing, filter.key())
	s.mu.Unlock()
}

func (s *Store) fetchList(ctx context.Context, filter Filter) ([]model.ConnectedAccount, error) {
	query := url.Values{}
	if filter.Platform != "" {
		query.Set("platform", string(filter.Platform))
	}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	query.Set("limit", "200")

	var page accountsPage
	if err := s.client.Request(ctx, http.MethodGet, "/accounts?"+query.Encode(), nil, &page); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lists[filter.key()] = &listEntry{accounts: cloneAccounts(page.Accounts), fetchedAt: s.now()}
	s.mu.Unlock()

	return page.Accounts, nil
}

// Account finds one account across the cached lists.
func (s *Store) Account(id string) (model.ConnectedAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.lists {
		for _, acc := range entry.accounts {
			if acc.ID == id {
				return acc, true
			}
		}
	}
	return model.ConnectedAccount{}, false
}

// ActiveCount is derived from the cached lists on every read, never stored.
func (s *Store) ActiveCount() int {
	return s.countWhere(func(acc model.ConnectedAccount) bool {
		return acc.Status == model.StatusActive
	})
}

// ErrorCount counts accounts in error or expired state.
func (s *Store) ErrorCount() int {
	return s.countWhere(func(acc model.ConnectedAccount) bool {
		return acc.Status == model.StatusError || acc.Status == model.StatusExpired
	})
}

func (s *Store) countWhere(match func(model.ConnectedAccount) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The unfiltered list is the complete view when cached. Otherwise count
	// across the filtered entries, deduplicating accounts that appear in
	// more than one.
	if entry, cached := s.lists[Filter{}.key()]; cached {
		n := 0
		for _, acc := range entry.accounts {
			if match(acc) {
				n++
			}
		}
		return n
	}

	seen := make(map[string]struct{})
	n := 0
	for _, entry := range s.lists {
		for _, acc := range entry.accounts {
			if _, dup := seen[acc.ID]; dup {
				continue
			}
			seen[acc.ID] = struct{}{}
			if match(acc) {
				n++
			}
		}
	}
	return n
}

// Status returns the latest known sync status for an account.
func (s *Store) Status(platform model.Platform, accountID string) (model.SyncStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, known := s.statuses[model.Key(platform, accountID)]
	return status, known
}

// Statuses returns every tracked sync status, ordered by account id.
func (s *Store) Statuses() []model.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]model.SyncStatus, 0, len(s.statuses))
	for _, status := range s.statuses {
		result = append(result, status)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result
}

func cloneAccounts(accounts []model.ConnectedAccount) []model.ConnectedAccount {
	cloned := make([]model.ConnectedAccount, len(accounts))
	copy(cloned, accounts)
	return cloned
}

func (s *Store) notifyInvalidate(regions []string) {
	if s.onInvalidate != nil && len(regions) > 0 {
		s.onInvalidate(regions)
	}
}
