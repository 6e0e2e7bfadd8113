// Command stubapi runs the in-process stub backend as a real HTTP server,
// with auto-sync enabled so connected accounts emit a full sync lifecycle
// over the event stream. Useful for running syncmon against locally.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"adsync/internal/backendtest"
	"adsync/internal/model"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	backend := backendtest.New()
	backend.AutoSync = true
	backend.AutoSyncInterval = 2 * time.Second
	backend.SetRateLimit(30, time.Minute)

	backend.CreateUser("demo@example.com", "demo")
	backend.Seed(
		demoAccount("acc-meta", model.PlatformMeta, "Acme Paid Social", model.StatusActive),
		demoAccount("acc-google", model.PlatformGoogle, "Acme Search", model.StatusActive),
		demoAccount("acc-tiktok", model.PlatformTikTok, "Acme Creators", model.StatusExpired),
	)

	log.Printf("stub backend on :%s (demo@example.com / demo)", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%s", port), backend.Handler()))
}

func demoAccount(id string, platform model.Platform, name string, status model.AccountStatus) model.ConnectedAccount {
	return model.ConnectedAccount{
		ID:                  id,
		Platform:            platform,
		PlatformAccountID:   "ext-" + id,
		PlatformAccountName: name,
		Status:              status,
		ConnectedAt:         time.Now().Add(-30 * 24 * time.Hour),
		ConnectedBy:         "demo@example.com",
		LastSyncAt:          timePtr(time.Now().Add(-2 * time.Hour)),
		SyncFrequency:       60,
	}
}

func timePtr(t time.Time) *time.Time { return &t }
