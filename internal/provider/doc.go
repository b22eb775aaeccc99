// Package provider routes generation requests to a closed set of upstream
// model providers. Each call is bounded by a hard timeout, failures are
// classified as retryable or fatal, and retryable primary failures fail over
// through a configured provider order.
package provider
