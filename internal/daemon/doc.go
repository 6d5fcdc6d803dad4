// Package daemon keeps the local cache fresh in the background.
//
// The daemon:
//  1. Triggers a sync pass on a fixed interval
//  2. Triggers a sync pass when the backend announces a change (redis pub/sub),
//     debouncing bursts of notifications into one pass
//  3. Watches the config file and applies a new sync interval without restart
//  4. Handles graceful shutdown
//
// A failed pass is never retried by the daemon itself; the next tick or
// notification starts a fresh one.
//
// Example:
//
//	cfg := daemon.DefaultConfig()
//	cfg.ConfigPath = "/home/me/.voxsync/config.toml"
//	cfg.Reload = func() (time.Duration, error) { return loadInterval() }
//	d, err := daemon.New(manager, notifier, cfg)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
package daemon
