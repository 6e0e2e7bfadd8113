package backendtest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"adsync/internal/auth"
	"adsync/internal/model"
)

// CreateUser registers a user directly and returns its id.
func (b *Backend) CreateUser(email, password string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if uid, exists := b.userIDs[email]; exists {
		return uid
	}
	uid := uuid.NewString()
	b.users[email] = password
	b.userIDs[email] = uid
	b.emails[uid] = email
	return uid
}

// IssueTokens mints an access/refresh pair for a user without going through
// the login endpoint.
func (b *Backend) IssueTokens(userID string) (access, refresh string, err error) {
	return b.IssueTokensWithTTL(userID, b.TokenCfg.Expiry)
}

// IssueTokensWithTTL mints a pair whose access token expires after ttl.
// Tests use short TTLs to land inside the proactive-refresh window.
func (b *Backend) IssueTokensWithTTL(userID string, ttl time.Duration) (access, refresh string, err error) {
	cfg := b.TokenCfg
	cfg.Expiry = ttl
	access, err = auth.CreateToken(userID, cfg)
	if err != nil {
		return "", "", err
	}
	refresh = uuid.NewString()

	b.mu.Lock()
	b.refreshTokens[refresh] = userID
	b.mu.Unlock()
	return access, refresh, nil
}

// RevokeAccessToken makes one specific access token invalid, forcing a 401
// on its next use while freshly minted tokens keep working.
func (b *Backend) RevokeAccessToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revokedAccess[token] = struct{}{}
}

// Seed inserts accounts directly into the backend state.
func (b *Backend) Seed(accounts ...model.ConnectedAccount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, acc := range accounts {
		b.accounts[acc.ID] = acc
	}
}

// Account returns the backend's copy of an account.
func (b *Backend) Account(id string) (model.ConnectedAccount, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, exists := b.accounts[id]
	return acc, exists
}

// RefreshCalls reports how many times /auth/refresh was hit.
func (b *Backend) RefreshCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

// SetRateLimit enables rate limiting on the sync endpoint.
func (b *Backend) SetRateLimit(limit int, window time.Duration) {
	b.limiter = newRateLimiter(limit, window)
}

// DropStreams force-closes every live stream connection. Clients see a
// transport failure and are expected to reconnect on their own.
func (b *Backend) DropStreams() {
	b.Hub.CloseAll()
}

// Emit pushes a stream event to every live connection of the user.
func (b *Backend) Emit(userID, eventType string, data any) {
	b.Hub.Publish(userID, newEvent(eventType, data))
}

// EmitAll pushes a stream event to every live connection.
func (b *Backend) EmitAll(eventType string, data any) {
	b.Hub.PublishAll(newEvent(eventType, data))
}

func newEvent(eventType string, data any) model.StreamEvent {
	raw, _ := json.Marshal(data)
	return model.StreamEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
}
