// Package runtime opens the configured store backend and owns its lifecycle
// for a single server process.
package runtime
