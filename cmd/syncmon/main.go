// Command syncmon watches a user's connected ad accounts: it keeps the
// account cache warm, follows the live sync event stream, and logs every
// status change. It is the reference consumer of the adsync client packages.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adsync/internal/config"
	"adsync/internal/events"
	"adsync/internal/metrics"
	"adsync/internal/model"
	"adsync/internal/rpc"
	"adsync/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	collector, err := metrics.New()
	if err != nil {
		log.Fatal(err)
	}

	client, err := rpc.New(rpc.Options{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.RequestTimeout,
		Tokens:  loadTokens(cfg.TokenFile),
		Metrics: collector,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureSession(ctx, client, cfg); err != nil {
		log.Fatal(err)
	}
	saveTokens(cfg.TokenFile, client.Tokens())

	client.Subscribe(rpc.Hooks{
		SessionInvalidated: func() {
			log.Printf("session invalidated, re-authenticating")
			if err := ensureSession(ctx, client, cfg); err != nil {
				log.Printf("re-authentication failed: %v", err)
				stop()
				return
			}
			saveTokens(cfg.TokenFile, client.Tokens())
		},
		RateLimited: func(e *rpc.APIError) {
			log.Printf("rate limited, retry after %s", e.RetryAfter)
		},
		PlatformError: func(e *rpc.APIError) {
			log.Printf("platform %s error: %s", e.Platform, e.UserMessage())
		},
		ServerError: func(e *rpc.APIError) {
			log.Printf("backend error: %s", e.UserMessage())
		},
	})

	st := store.NewWithOptions(client, store.Options{
		OnInvalidate: func(regions []string) {
			log.Printf("cache invalidated: %v", regions)
		},
	})

	channel := events.New(&events.WebsocketDialer{
		URL:   cfg.StreamURL,
		Token: func() string { return client.Tokens().AccessToken },
	}, st, events.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		PollInterval:   cfg.PollInterval,
		Metrics:        collector,
		OnStateChange: func(s events.State) {
			log.Printf("event channel %s", s)
		},
	})
	channel.Enable()
	defer channel.Disable()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, collector)
	}

	logSummary(ctx, st)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			saveTokens(cfg.TokenFile, client.Tokens())
			log.Printf("shutting down")
			return
		case <-ticker.C:
			logSummary(ctx, st)
		}
	}
}

// ensureSession verifies the stored credentials and falls back to a fresh
// login when they are missing or dead.
func ensureSession(ctx context.Context, client *rpc.Client, cfg config.Config) error {
	if client.Tokens().AccessToken != "" {
		if _, err := client.Session(ctx); err == nil {
			return nil
		}
	}
	if cfg.Email == "" || cfg.Password == "" {
		log.Fatal("no stored session and no credentials configured")
	}
	return client.Login(ctx, rpc.Credentials{Email: cfg.Email, Password: cfg.Password})
}

func logSummary(ctx context.Context, st *store.Store) {
	accounts, err := st.List(ctx, store.Filter{})
	if err != nil {
		log.Printf("list accounts: %v", err)
		return
	}
	log.Printf("%d accounts, %d active, %d needing attention",
		len(accounts), st.ActiveCount(), st.ErrorCount())

	for _, status := range st.Statuses() {
		if status.State == model.SyncSyncing {
			log.Printf("sync %s/%s at %d%%", status.Platform, status.AccountID, status.Progress)
		}
	}
}

func loadTokens(path string) rpc.TokenState {
	if path == "" {
		return rpc.TokenState{}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return rpc.TokenState{}
	}
	var ts rpc.TokenState
	if err := json.Unmarshal(raw, &ts); err != nil {
		log.Printf("ignoring unreadable token file %s: %v", path, err)
		return rpc.TokenState{}
	}
	return ts
}

func saveTokens(path string, ts rpc.TokenState) {
	if path == "" {
		return
	}
	raw, err := json.Marshal(ts)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		log.Printf("persist tokens: %v", err)
	}
}

func serveMetrics(addr string, collector *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	log.Printf("metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server: %v", err)
	}
}
