// Package dispatch sits between the store and the worker pool. It decides
// which lane a claim serves next, stamps leases with the configured duration,
// and runs the sweeper that recovers jobs whose workers stopped renewing.
package dispatch
