// Package httpserver exposes the producer-facing HTTP API: submitting jobs,
// reading status, requesting cancellation, listing with CEL filters, and the
// stats and health endpoints.
package httpserver
