// Package redisq implements queue.Store on Redis for deployments where
// several dispatcher processes share one queue. Lane membership lives in
// sorted sets scored by sequence and leases in a sorted set scored by expiry;
// every multi-step transition runs as a server-side script so claims stay
// linearizable across processes.
package redisq
