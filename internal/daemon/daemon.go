package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Syncer starts background sync passes. *sync.Manager satisfies it.
type Syncer interface {
	Trigger(ctx context.Context) bool
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a sync pass is triggered.
	SyncInterval time.Duration

	// DebounceInterval is how long change notifications must be quiet
	// before they trigger a pass. This batches rapid updates together.
	DebounceInterval time.Duration

	// ConfigPath, when set, is watched for changes.
	ConfigPath string

	// Reload re-reads the configuration after ConfigPath changes and returns
	// the new sync interval.
	Reload func() (time.Duration, error)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts daemon activity.
type Stats struct {
	Triggers      int64         `json:"triggers" yaml:"triggers"`
	Skipped       int64         `json:"skipped" yaml:"skipped"`
	Notifications int64         `json:"notifications" yaml:"notifications"`
	Reloads       int64         `json:"reloads" yaml:"reloads"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
}

// Daemon triggers sync passes from a ticker, change notifications and
// config reloads.
type Daemon struct {
	syncer   Syncer
	notifier Notifier
	config   *Config
	watcher  *ConfigWatcher

	intervalCh chan time.Duration

	mu         sync.Mutex
	lastChange time.Time
	pending    bool
	running    bool
	stats      Stats

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon. notifier may be nil when no change feed is
// configured.
func New(syncer Syncer, notifier Notifier, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %s", config.SyncInterval)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	d := &Daemon{
		syncer:     syncer,
		notifier:   notifier,
		config:     config,
		intervalCh: make(chan time.Duration, 1),
		stats:      Stats{Interval: config.SyncInterval},
	}

	if config.ConfigPath != "" {
		w, err := NewConfigWatcher(config.ConfigPath)
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start begins the daemon's operation. It triggers one pass immediately and
// blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.config.Logger.Printf("Starting daemon (interval %s)", d.config.SyncInterval)

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.setStopped()
			return fmt.Errorf("failed to watch config: %w", err)
		}
		d.config.Logger.Printf("Watching config: %s", d.config.ConfigPath)
		d.wg.Add(1)
		go d.watchConfig()
	}

	d.trigger("startup")

	d.wg.Add(2)
	go d.periodicSync()
	go d.processChangeQueue()
	if d.notifier != nil {
		d.wg.Add(1)
		go d.watchNotifications()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	if !d.IsRunning() {
		return nil
	}
	d.stopOnce.Do(d.shutdown)
	return nil
}

func (d *Daemon) shutdown() {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing config watcher: %v", err)
		}
	}
	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil {
			d.config.Logger.Printf("Error closing notifier: %v", err)
		}
	}

	d.wg.Wait()
	d.setStopped()
	d.config.Logger.Println("Daemon stopped")
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// IsRunning returns true between Start and Stop.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stats returns a snapshot of the daemon's counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// SetInterval changes the sync interval of a running daemon.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	d.stats.Interval = interval
	d.mu.Unlock()

	// Keep only the newest value.
	select {
	case <-d.intervalCh:
	default:
	}
	d.intervalCh <- interval
}

func (d *Daemon) trigger(reason string) bool {
	started := d.syncer.Trigger(d.ctx)
	d.mu.Lock()
	if started {
		d.stats.Triggers++
	} else {
		d.stats.Skipped++
	}
	d.mu.Unlock()
	if started {
		d.config.Logger.Printf("Sync triggered (%s)", reason)
	}
	return started
}

// periodicSync triggers a pass every interval.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case interval := <-d.intervalCh:
			ticker.Reset(interval)
			d.config.Logger.Printf("Sync interval changed to %s", interval)

		case <-ticker.C:
			d.trigger("interval")
		}
	}
}

// watchNotifications queues backend change notifications.
func (d *Daemon) watchNotifications() {
	defer d.wg.Done()

	events := d.notifier.Events()
	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			d.queueChange(ev)
		}
	}
}

// queueChange records a change notification for debouncing.
func (d *Daemon) queueChange(ev ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Notifications++
	d.pending = true
	d.lastChange = time.Now()
}

// processChangeQueue triggers one pass once notifications have been quiet
// for the debounce interval. If a pass is already running the change stays
// pending and is retried on the next tick.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.mu.Lock()
			ready := d.pending && time.Since(d.lastChange) >= d.config.DebounceInterval
			d.mu.Unlock()
			if !ready {
				continue
			}
			if d.trigger("change feed") {
				d.mu.Lock()
				d.pending = false
				d.mu.Unlock()
			}
		}
	}
}

// watchConfig applies config changes.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.reload()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Config watcher error: %v", err)
		}
	}
}

func (d *Daemon) reload() {
	d.mu.Lock()
	d.stats.Reloads++
	d.mu.Unlock()

	if d.config.Reload == nil {
		return
	}
	interval, err := d.config.Reload()
	if err != nil {
		d.config.Logger.Printf("Error reloading config: %v", err)
		return
	}
	d.config.Logger.Printf("Config reloaded")
	if interval > 0 && interval != d.Stats().Interval {
		d.SetInterval(interval)
	}
}
