// Package queue implements the durable priority job queue: the job envelope,
// the Store interface, and its Pebble-backed canonical implementation.
//
// Jobs live in one of three lanes (high, default, low), ordered within a lane
// by a store-assigned sequence. Workers take jobs through time-bounded leases:
// Claim leases the oldest eligible job, Renew keeps the lease alive while the
// job executes, and Release reports the outcome. A lease that is neither
// renewed nor released eventually expires and ReclaimExpired returns the job
// to its lane at its original position, so a crashed worker delays a job but
// never loses or reorders it.
package queue
