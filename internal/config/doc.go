// Package config loads server configuration from defaults, an optional JSON
// file, and DISPATCH_* environment variables, in that order.
package config
