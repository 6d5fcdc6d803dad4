// Package schema defines the conversation, message and profile records shared
// by the cache, the sync manager, the remote backends and the HTTP API.
//
// Records travel as camelCase JSON (the remote tables' wire form). Parsing is
// lenient where remote data is known to be sloppy: a conversation whose
// messages field is absent or malformed still parses, with an empty message
// list and a warning the caller is expected to log.
//
// Timestamps are accepted either as RFC3339 strings or as unix milliseconds.
package schema
