package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gtfs "github.com/OneBusAway/go-gtfs"

	"tripline.opentransit.org/internal/clock"
	"tripline.opentransit.org/internal/logging"
	"tripline.opentransit.org/internal/metrics"
	"tripline.opentransit.org/internal/schedule"
)

// idleAfterIntervals is how many update intervals may pass without a client
// transaction before the refresher parks the buffer and stops fetching.
const idleAfterIntervals = 10

// Refresher periodically downloads the realtime feed, builds a fresh Store in
// the inactive buffer slot, and flips the active side. One refresher
// goroutine exists per process.
type Refresher struct {
	buffer    *Buffer
	fetcher   *Fetcher
	static    *schedule.Store
	opts      Options
	interval  time.Duration
	clock     clock.Clock
	heartbeat *Heartbeat
	metrics   *metrics.Metrics
	logger    *slog.Logger

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	mu          sync.Mutex
	lastAttempt time.Time
	lastError   string
	refreshes   int64
	failures    int64
}

func NewRefresher(
	buffer *Buffer,
	fetcher *Fetcher,
	static *schedule.Store,
	opts Options,
	interval time.Duration,
	clk clock.Clock,
	heartbeat *Heartbeat,
	m *metrics.Metrics,
) *Refresher {
	return &Refresher{
		buffer:       buffer,
		fetcher:      fetcher,
		static:       static,
		opts:         opts,
		interval:     interval,
		clock:        clk,
		heartbeat:    heartbeat,
		metrics:      m,
		logger:       slog.Default().With(slog.String("component", "realtime_refresher")),
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the background refresh loop.
func (r *Refresher) Start() {
	r.wg.Add(1)
	go r.run()
}

// Shutdown stops the loop and waits for it to exit.
func (r *Refresher) Shutdown() {
	r.shutdownOnce.Do(func() {
		close(r.shutdownChan)
		r.wg.Wait()
	})
}

func (r *Refresher) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.shouldIdle() {
				if r.buffer.ActiveSide() != SideIdle {
					logging.LogOperation(r.logger, "no recent transactions, idling realtime refresh")
					r.buffer.Idle()
				}
				continue
			}
			if err := r.RefreshNow(context.Background()); err != nil {
				logging.LogError(r.logger, "realtime refresh failed", err)
			}
		case <-r.shutdownChan:
			logging.LogOperation(r.logger, "shutting down realtime refresh")
			return
		}
	}
}

// shouldIdle reports whether no client transaction has arrived for long
// enough that refreshing is wasted work. A heartbeat that was never touched
// does not idle the refresher; the server may simply not have traffic yet.
func (r *Refresher) shouldIdle() bool {
	last := r.heartbeat.Last()
	if last.IsZero() {
		return false
	}
	return r.clock.Now().Sub(last) > time.Duration(idleAfterIntervals)*r.interval
}

// RefreshNow performs one download-parse-publish cycle. On failure the active
// side is set to NONE, except in local-file mode where the last good slot is
// kept.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	r.mu.Lock()
	r.lastAttempt = r.clock.Now()
	r.mu.Unlock()

	store, err := r.build(ctx)
	if err != nil {
		r.recordFailure(err)
		if !r.fetcher.IsLocalFile() {
			r.buffer.Clear()
		}
		if r.metrics != nil {
			r.metrics.RefreshFailures.Inc()
			r.metrics.ActiveSide.Set(float64(r.buffer.ActiveSide()))
		}
		return err
	}

	r.buffer.Publish(store)
	r.recordSuccess()
	if r.metrics != nil {
		r.metrics.RefreshDownloadSeconds.Observe(float64(store.DownloadMillis) / 1000)
		r.metrics.RefreshBuildSeconds.Observe(float64(store.BuildMillis) / 1000)
		r.metrics.RealtimeEntities.Set(float64(store.EntityCount()))
		r.metrics.ActiveSide.Set(float64(r.buffer.ActiveSide()))
	}
	return nil
}

func (r *Refresher) build(ctx context.Context) (*Store, error) {
	downloadStart := time.Now()
	b, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	downloadMillis := time.Since(downloadStart).Milliseconds()

	if len(b) == 0 {
		return nil, fmt.Errorf("realtime feed returned an empty payload")
	}

	buildStart := time.Now()
	feed, err := gtfs.ParseRealtime(b, &gtfs.ParseRealtimeOptions{Timezone: r.static.Location()})
	if err != nil {
		return nil, fmt.Errorf("parsing realtime feed: %w", err)
	}

	store := NewStore(feed, r.static, r.opts)
	store.DownloadMillis = downloadMillis
	store.BuildMillis = time.Since(buildStart).Milliseconds()
	store.FetchedAt = r.clock.Now()
	return store, nil
}

func (r *Refresher) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	r.lastError = ""
}

func (r *Refresher) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.lastError = err.Error()
}

// Diagnostics is the refresh state reported by the RDS verb.
type Diagnostics struct {
	FeedLocation string
	IsLocalFile  bool
	ActiveSide   string
	Interval     time.Duration
	LastAttempt  time.Time
	Refreshes    int64
	Failures     int64
	LastError    string
}

// Diagnostics snapshots the refresher state.
func (r *Refresher) Diagnostics() Diagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Diagnostics{
		FeedLocation: r.fetcher.location,
		IsLocalFile:  r.fetcher.IsLocalFile(),
		ActiveSide:   r.buffer.ActiveSide().String(),
		Interval:     r.interval,
		LastAttempt:  r.lastAttempt,
		Refreshes:    r.refreshes,
		Failures:     r.failures,
		LastError:    r.lastError,
	}
}
