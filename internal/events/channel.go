// Package events maintains the persistent server-push connection delivering
// sync lifecycle events and reconciles them into the connection store. While
// the push connection is down it falls back to periodic coarse cache
// invalidation.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"adsync/internal/metrics"
	"adsync/internal/model"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultPollInterval   = 30 * time.Second
)

// Reconciler is the slice of the connection store the channel drives.
type Reconciler interface {
	ApplySyncStarted(model.SyncStartedData)
	ApplySyncProgress(model.SyncProgressData)
	ApplySyncCompleted(model.SyncCompletedData)
	ApplySyncError(model.SyncErrorData)
	InvalidateRegions(regions []string)
	InvalidateAccounts()
}

type Options struct {
	ReconnectDelay time.Duration
	PollInterval   time.Duration
	Metrics        *metrics.Collector

	// OnStateChange observes every state transition, called synchronously
	// from the channel goroutine.
	OnStateChange func(State)
}

// Channel owns the stream connection lifecycle: dial, read, reconnect after
// a fixed delay, and poll-based fallback until the stream is back. Channel
// errors never surface to callers; they only drive the state machine.
type Channel struct {
	dialer  Dialer
	store   Reconciler
	metrics *metrics.Collector

	reconnectDelay time.Duration
	pollInterval   time.Duration
	onStateChange  func(State)

	mu       sync.Mutex
	state    State
	enabled  bool
	cancel   context.CancelFunc
	conn     Conn
	pollStop chan struct{}

	wg sync.WaitGroup
}

func New(dialer Dialer, store Reconciler, opts Options) *Channel {
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Channel{
		dialer:         dialer,
		store:          store,
		metrics:        opts.Metrics,
		reconnectDelay: reconnectDelay,
		pollInterval:   pollInterval,
		onStateChange:  opts.OnStateChange,
		state:          StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enable starts the channel. Enabling an already-enabled channel is a no-op.
func (c *Channel) Enable() {
	c.mu.Lock()
	if c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(Next(c.state, InputEnable))
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

// Disable stops the channel, clears all timers, and waits for the run loop
// to exit. The backend keeps processing any accepted sync jobs; the client
// merely stops listening.
func (c *Channel) Disable() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	cancel := c.cancel
	conn := c.conn
	c.stopPollingLocked()
	c.setStateLocked(Next(c.state, InputDisable))
	c.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}

func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.dialer.Dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			log.Printf("events: dial failed: %v", err)
			if !c.enterRetry(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		// Disable may have finished between the ctx check and here; the
		// connection must not outlive it.
		if !c.enabled {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.stopPollingLocked()
		c.setStateLocked(Next(c.state, InputOpened))
		c.mu.Unlock()

		readErr := c.readLoop(conn)
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		log.Printf("events: stream dropped: %v", readErr)
		if !c.enterRetry(ctx) {
			return
		}
	}
}

// enterRetry moves to the retrying state, starts the poll fallback, and
// waits out the reconnect delay. It reports false when the channel was
// disabled while waiting.
func (c *Channel) enterRetry(ctx context.Context) bool {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(Next(c.state, InputTransportError))
	c.startPollingLocked()
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.reconnectDelay):
	}

	c.mu.Lock()
	c.setStateLocked(Next(c.state, InputRetryTimer))
	c.mu.Unlock()
	return true
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		event, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		c.apply(event)
	}
}

// apply reconciles one event into the store. Events are applied on the
// single read goroutine, so receipt order per key is preserved.
func (c *Channel) apply(event model.StreamEvent) {
	c.metrics.ObserveEvent(event.Type)

	switch event.Type {
	case model.EventConnected:
		// Already reflected by the open transition; nothing to reconcile.
	case model.EventSyncStarted:
		var data model.SyncStartedData
		if !decode(event, &data) {
			return
		}
		c.store.ApplySyncStarted(data)
	case model.EventSyncProgress:
		var data model.SyncProgressData
		if !decode(event, &data) {
			return
		}
		c.store.ApplySyncProgress(data)
	case model.EventSyncCompleted:
		var data model.SyncCompletedData
		if !decode(event, &data) {
			return
		}
		c.store.ApplySyncCompleted(data)
	case model.EventSyncError:
		var data model.SyncErrorData
		if !decode(event, &data) {
			return
		}
		c.store.ApplySyncError(data)
	case model.EventDataUpdated:
		var data model.DataUpdatedData
		if !decode(event, &data) {
			return
		}
		c.store.InvalidateRegions(data.Affected)
	default:
		log.Printf("events: ignoring unknown event type %q", event.Type)
	}
}

func decode(event model.StreamEvent, out any) bool {
	if err := json.Unmarshal(event.Data, out); err != nil {
		log.Printf("events: bad %s payload: %v", event.Type, err)
		return false
	}
	return true
}

// startPollingLocked begins the coarse invalidation fallback. Idempotent;
// the caller holds c.mu. Never starts a poller on a disabled channel, or
// nothing would close its stop channel and Disable's wait could hang.
func (c *Channel) startPollingLocked() {
	if !c.enabled || c.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	c.pollStop = stop

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.metrics.ObservePoll()
				c.store.InvalidateAccounts()
			}
		}
	}()
}

func (c *Channel) stopPollingLocked() {
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

func (c *Channel) setStateLocked(next State) {
	if !c.enabled && next != StateDisconnected {
		return
	}
	if next == c.state {
		return
	}
	c.state = next
	c.metrics.SetChannelState(int(next))
	if c.onStateChange != nil {
		c.onStateChange(next)
	}
}
