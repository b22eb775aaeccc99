// Package worker runs the executor pool. Each worker claims a job, holds its
// lease with heartbeat renewals while the generation runs, and releases the
// job with the classified outcome. A worker that loses its lease abandons the
// attempt without reporting, leaving the job to whoever holds the new lease.
package worker
