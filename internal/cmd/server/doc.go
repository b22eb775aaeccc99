// Package serverrun boots a single dispatch server process: store backend,
// provider router, worker pool, sweeper and HTTP API, wired from one Config.
package serverrun
