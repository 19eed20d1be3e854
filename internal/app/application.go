// Package app holds the long-lived application container: the loaded
// schedule, the real-time machinery, and the process-wide counters shared by
// every request worker.
package app

import (
	"log/slog"
	"sync"
	"time"

	"tripline.opentransit.org/internal/appconf"
	"tripline.opentransit.org/internal/clock"
	"tripline.opentransit.org/internal/metrics"
	"tripline.opentransit.org/internal/realtime"
	"tripline.opentransit.org/internal/reconcile"
	"tripline.opentransit.org/internal/schedule"
)

// Application is the dependency container built once in main and injected
// everywhere. Nothing else synthesizes these values.
type Application struct {
	Config     *appconf.Config
	Static     *schedule.Store
	Buffer     *realtime.Buffer
	Heartbeat  *realtime.Heartbeat
	Refresher  *realtime.Refresher
	Reconciler *reconcile.Reconciler
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	StartedAt  time.Time

	mu            sync.Mutex
	processedReqs int64
}

// RequestEntered is the single per-request hook: it bumps the processed
// counter and stamps the real-time heartbeat.
func (a *Application) RequestEntered() {
	a.mu.Lock()
	a.processedReqs++
	a.mu.Unlock()
	if a.Heartbeat != nil {
		a.Heartbeat.Touch(a.Clock.Now())
		if a.Buffer != nil && a.Buffer.ActiveSide() == realtime.SideIdle {
			a.Buffer.Resume()
		}
	}
}

// ProcessedRequests returns the number of requests handled so far.
func (a *Application) ProcessedRequests() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processedReqs
}

// Snapshot returns the active real-time store for this request, or nil when
// none is published.
func (a *Application) Snapshot() *realtime.Store {
	if a.Buffer == nil {
		return nil
	}
	return a.Buffer.Snapshot()
}

// UptimeSeconds reports how long the process has served requests.
func (a *Application) UptimeSeconds() int64 {
	return int64(a.Clock.Now().Sub(a.StartedAt).Seconds())
}
