// Package backendtest is an in-process stand-in for the dashboard backend.
// It implements the REST surface and the websocket stream so tests and the
// stubapi command exercise the real client path end to end.
package backendtest

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"adsync/internal/auth"
	"adsync/internal/hub"
	"adsync/internal/model"
)

type Backend struct {
	TokenCfg auth.TokenConfig
	Hub      *hub.Hub

	// AutoSync drives a scripted started/progress/completed event sequence
	// after each accepted sync command. Used by cmd/stubapi for demos; tests
	// leave it off and emit events themselves.
	AutoSync         bool
	AutoSyncInterval time.Duration

	router *gin.Engine

	mu            sync.Mutex
	users         map[string]string // email -> password
	userIDs       map[string]string // email -> user id
	emails        map[string]string // user id -> email
	refreshTokens map[string]string // refresh token -> user id
	revokedAccess map[string]struct{}
	accounts      map[string]model.ConnectedAccount
	statuses      map[string]model.SyncStatus // model.Key -> status
	refreshCalls  int
	scripted      map[string][]Failure
	delays        map[string][]time.Duration
	limiter       *rateLimiter
}

// Failure is a scripted error the backend returns for a matching route.
type Failure struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int
	Platform   string
	Details    map[string]string
}

func New() *Backend {
	gin.SetMode(gin.TestMode)

	tokenCfg := auth.DefaultTokenConfig("test-secret")
	tokenCfg.Issuer = "stubapi"

	b := &Backend{
		TokenCfg:      tokenCfg,
		Hub:           hub.New(),
		users:         make(map[string]string),
		userIDs:       make(map[string]string),
		emails:        make(map[string]string),
		refreshTokens: make(map[string]string),
		revokedAccess: make(map[string]struct{}),
		accounts:      make(map[string]model.ConnectedAccount),
		statuses:      make(map[string]model.SyncStatus),
		scripted:      make(map[string][]Failure),
		delays:        make(map[string][]time.Duration),
	}
	b.router = b.buildRouter()
	return b
}

func (b *Backend) Handler() http.Handler { return b.router }

func (b *Backend) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(b.scriptedDelays())
	r.Use(b.scriptedFailures())

	r.POST("/auth/login", b.login)
	r.POST("/auth/register", b.register)
	r.POST("/auth/refresh", b.refresh)

	protected := r.Group("/")
	protected.Use(b.requireAuth())
	protected.POST("/auth/logout", b.logout)
	protected.GET("/auth/session", b.session)

	protected.GET("/accounts", b.listAccounts)
	protected.POST("/accounts/connect/:platform", b.connect)
	protected.DELETE("/accounts/:id", b.disconnect)
	protected.POST("/accounts/:id/sync", b.sync)
	protected.POST("/accounts/sync-all", b.syncAll)
	protected.GET("/accounts/:id/sync-status", b.syncStatus)
	protected.GET("/accounts/sync-status", b.allSyncStatuses)
	protected.POST("/accounts/:id/reconnect", b.reconnect)
	protected.GET("/accounts/platforms", b.platforms)

	r.GET("/stream", b.serveStream)
	return r
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	failWith(c, Failure{Status: status, Code: code, Message: message})
}

func failWith(c *gin.Context, f Failure) {
	body := gin.H{"code": f.Code, "message": f.Message}
	if f.RetryAfter > 0 {
		body["retry_after"] = f.RetryAfter
	}
	if f.Platform != "" {
		body["platform"] = f.Platform
	}
	if len(f.Details) > 0 {
		body["details"] = f.Details
	}
	c.AbortWithStatusJSON(f.Status, gin.H{"success": false, "error": body})
}

// FailNext scripts the next n requests matching method and route pattern
// (gin form, e.g. "/accounts/:id/sync") to fail as described. Scripted
// failures apply before authentication so 401 sequences can be forced.
func (b *Backend) FailNext(method, route string, n int, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := method + " " + route
	for i := 0; i < n; i++ {
		b.scripted[key] = append(b.scripted[key], f)
	}
}

func (b *Backend) scriptedFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Method + " " + c.FullPath()

		b.mu.Lock()
		queue := b.scripted[key]
		var next *Failure
		if len(queue) > 0 {
			next = &queue[0]
			b.scripted[key] = queue[1:]
		}
		b.mu.Unlock()

		if next != nil {
			failWith(c, *next)
			return
		}
		c.Next()
	}
}

// DelayNext makes the next n requests matching method and route pattern
// sleep before being handled. Used to hold a refresh in flight or trip the
// client timeout.
func (b *Backend) DelayNext(method, route string, n int, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := method + " " + route
	for i := 0; i < n; i++ {
		b.delays[key] = append(b.delays[key], d)
	}
}

func (b *Backend) scriptedDelays() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Method + " " + c.FullPath()

		b.mu.Lock()
		queue := b.delays[key]
		var d time.Duration
		if len(queue) > 0 {
			d = queue[0]
			b.delays[key] = queue[1:]
		}
		b.mu.Unlock()

		if d > 0 {
			time.Sleep(d)
		}
		c.Next()
	}
}

const userIDContextKey = "userID"

func (b *Backend) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing authentication token")
			return
		}
		userID, err := b.verifyAccess(token)
		if err != nil {
			fail(c, http.StatusUnauthorized, "TOKEN_INVALID", "Invalid authentication token")
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}

func (b *Backend) verifyAccess(token string) (string, error) {
	b.mu.Lock()
	_, revoked := b.revokedAccess[token]
	b.mu.Unlock()
	if revoked {
		return "", errRevoked
	}
	claims, err := auth.VerifyToken(token, b.TokenCfg)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

var errRevoked = &revokedError{}

type revokedError struct{}

func (*revokedError) Error() string { return "token revoked" }

func userID(c *gin.Context) string {
	v, _ := c.Get(userIDContextKey)
	s, _ := v.(string)
	return s
}

// --- auth handlers ---

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (b *Backend) login(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid request")
		return
	}

	b.mu.Lock()
	password, exists := b.users[body.Email]
	uid := b.userIDs[body.Email]
	b.mu.Unlock()

	if !exists || password != body.Password {
		fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials")
		return
	}
	b.issueTokens(c, uid)
}

func (b *Backend) register(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Email == "" || body.Password == "" {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Email and password are required")
		return
	}

	b.mu.Lock()
	if _, exists := b.users[body.Email]; exists {
		b.mu.Unlock()
		fail(c, http.StatusConflict, "CONFLICT", "Account already exists")
		return
	}
	uid := uuid.NewString()
	b.users[body.Email] = body.Password
	b.userIDs[body.Email] = uid
	b.emails[uid] = body.Email
	b.mu.Unlock()

	b.issueTokens(c, uid)
}

func (b *Backend) issueTokens(c *gin.Context, uid string) {
	access, err := auth.CreateToken(uid, b.TokenCfg)
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Token creation failed")
		return
	}
	refresh := uuid.NewString()

	b.mu.Lock()
	b.refreshTokens[refresh] = uid
	b.mu.Unlock()

	ok(c, gin.H{
		"token":        access,
		"refreshToken": refresh,
		"expiresIn":    int(b.TokenCfg.Expiry.Seconds()),
	})
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

func (b *Backend) refresh(c *gin.Context) {
	var body refreshBody
	if err := c.ShouldBindJSON(&body); err != nil || body.RefreshToken == "" {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid request")
		return
	}

	b.mu.Lock()
	b.refreshCalls++
	uid, known := b.refreshTokens[body.RefreshToken]
	if known {
		delete(b.refreshTokens, body.RefreshToken)
	}
	b.mu.Unlock()

	if !known {
		fail(c, http.StatusUnauthorized, "TOKEN_INVALID", "Unknown refresh token")
		return
	}
	b.issueTokens(c, uid)
}

func (b *Backend) logout(c *gin.Context) {
	uid := userID(c)

	b.mu.Lock()
	for token, owner := range b.refreshTokens {
		if owner == uid {
			delete(b.refreshTokens, token)
		}
	}
	b.mu.Unlock()

	ok(c, gin.H{"loggedOut": true})
}

func (b *Backend) session(c *gin.Context) {
	uid := userID(c)

	b.mu.Lock()
	email := b.emails[uid]
	b.mu.Unlock()

	ok(c, gin.H{"userId": uid, "email": email})
}

// --- account handlers ---

type accountsPage struct {
	Accounts []model.ConnectedAccount `json:"accounts"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	Limit    int                      `json:"limit"`
}

func (b *Backend) listAccounts(c *gin.Context) {
	platform := c.Query("platform")
	status := c.Query("status")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	b.mu.Lock()
	all := make([]model.ConnectedAccount, 0, len(b.accounts))
	for _, acc := range b.accounts {
		if platform != "" && string(acc.Platform) != platform {
			continue
		}
		if status != "" && string(acc.Status) != status {
			continue
		}
		all = append(all, acc)
	}
	b.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	ok(c, accountsPage{Accounts: all[start:end], Total: total, Page: page, Limit: limit})
}

func (b *Backend) connect(c *gin.Context) {
	platform, err := model.ParsePlatform(c.Param("platform"))
	if err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unsupported platform")
		return
	}
	state := uuid.NewString()
	ok(c, gin.H{
		"authUrl": "https://auth.example.com/" + string(platform) + "/authorize?state=" + state,
		"state":   state,
	})
}

func (b *Backend) disconnect(c *gin.Context) {
	id := c.Param("id")

	b.mu.Lock()
	acc, exists := b.accounts[id]
	if exists {
		delete(b.accounts, id)
		delete(b.statuses, model.Key(acc.Platform, id))
	}
	b.mu.Unlock()

	if !exists {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Account not found")
		return
	}
	ok(c, gin.H{"disconnected": true})
}

func (b *Backend) sync(c *gin.Context) {
	id := c.Param("id")
	uid := userID(c)

	if b.limiter != nil {
		if allowed, retryAfter := b.limiter.allow(uid); !allowed {
			failWith(c, Failure{
				Status:     http.StatusTooManyRequests,
				Code:       "RATE_LIMITED",
				Message:    "Too many sync requests",
				RetryAfter: int(retryAfter.Seconds()) + 1,
			})
			return
		}
	}

	b.mu.Lock()
	acc, exists := b.accounts[id]
	b.mu.Unlock()
	if !exists {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Account not found")
		return
	}

	status := b.acceptSync(acc)
	if b.AutoSync {
		go b.runAutoSync(uid, acc)
	}
	ok(c, status)
}

func (b *Backend) syncAll(c *gin.Context) {
	uid := userID(c)

	b.mu.Lock()
	accs := make([]model.ConnectedAccount, 0, len(b.accounts))
	for _, acc := range b.accounts {
		accs = append(accs, acc)
	}
	b.mu.Unlock()

	statuses := make([]model.SyncStatus, 0, len(accs))
	for _, acc := range accs {
		statuses = append(statuses, b.acceptSync(acc))
		if b.AutoSync {
			go b.runAutoSync(uid, acc)
		}
	}
	ok(c, statuses)
}

func (b *Backend) acceptSync(acc model.ConnectedAccount) model.SyncStatus {
	now := time.Now()
	status := model.SyncStatus{
		AccountID: acc.ID,
		Platform:  acc.Platform,
		State:     model.SyncSyncing,
		Progress:  0,
		StartedAt: &now,
	}

	b.mu.Lock()
	b.statuses[model.Key(acc.Platform, acc.ID)] = status
	b.mu.Unlock()
	return status
}

func (b *Backend) syncStatus(c *gin.Context) {
	id := c.Param("id")

	b.mu.Lock()
	acc, exists := b.accounts[id]
	var status model.SyncStatus
	if exists {
		var known bool
		status, known = b.statuses[model.Key(acc.Platform, id)]
		if !known {
			status = model.SyncStatus{AccountID: id, Platform: acc.Platform, State: model.SyncIdle}
		}
	}
	b.mu.Unlock()

	if !exists {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Account not found")
		return
	}
	ok(c, status)
}

func (b *Backend) allSyncStatuses(c *gin.Context) {
	b.mu.Lock()
	statuses := make([]model.SyncStatus, 0, len(b.statuses))
	for _, s := range b.statuses {
		statuses = append(statuses, s)
	}
	b.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].AccountID < statuses[j].AccountID })
	ok(c, statuses)
}

func (b *Backend) reconnect(c *gin.Context) {
	id := c.Param("id")

	b.mu.Lock()
	acc, exists := b.accounts[id]
	b.mu.Unlock()
	if !exists {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Account not found")
		return
	}
	if platform := c.Query("platform"); platform != "" && platform != string(acc.Platform) {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Platform does not match account")
		return
	}

	state := uuid.NewString()
	ok(c, gin.H{
		"authUrl": "https://auth.example.com/" + string(acc.Platform) + "/authorize?state=" + state + "&reconnect=" + id,
		"state":   state,
	})
}

func (b *Backend) platforms(c *gin.Context) {
	ok(c, []model.Platform{
		model.PlatformMeta,
		model.PlatformGoogle,
		model.PlatformTikTok,
		model.PlatformShopee,
		model.PlatformLinkedIn,
	})
}

// runAutoSync emits a canned lifecycle sequence for demo runs.
func (b *Backend) runAutoSync(uid string, acc model.ConnectedAccount) {
	interval := b.AutoSyncInterval
	if interval <= 0 {
		interval = time.Second
	}

	b.Emit(uid, model.EventSyncStarted, model.SyncStartedData{Platform: acc.Platform, AccountID: acc.ID})
	for _, p := range []int{25, 50, 75} {
		time.Sleep(interval)
		b.Emit(uid, model.EventSyncProgress, model.SyncProgressData{
			Platform: acc.Platform, AccountID: acc.ID, Progress: p,
		})
	}
	time.Sleep(interval)
	b.Emit(uid, model.EventSyncCompleted, model.SyncCompletedData{
		Platform: acc.Platform, AccountID: acc.ID,
		RecordsSynced: 1200, Duration: (4 * interval).Milliseconds(),
	})
}
