// Package sync reconciles the local cache with the remote API.
//
// A Manager runs one sync pass at a time. A pass pulls conversations the
// backend changed since the last pull cursor, merges them into the cache,
// pushes queued local mutations, and records the sync time:
//
//	manager := sync.New(cache, api, sync.WithLogger(logger))
//	status := manager.StartSync(ctx)
//	if status.Err != nil {
//	    // the cache keeps everything merged before the failure
//	}
//
// Conflicts are resolved by the backend's updated_at, never by client clocks.
// Message read flags only move forward, so a locally read message that the
// backend has not seen yet stays read after a pull.
//
// Starting a pass while another is running returns the running pass's status
// instead of queueing a second pass. A failed pass is recorded in Status and
// is not retried automatically; the daemon or the user triggers the next one.
package sync
