package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure for retry purposes.
type ErrorKind int

const (
	// KindRetryable covers timeouts, rate limits and server errors. The
	// attempt may succeed on another provider or a later retry.
	KindRetryable ErrorKind = iota
	// KindFatal covers malformed requests and other errors that no retry
	// will fix.
	KindFatal
)

// Error wraps a failure from a named provider.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownProvider means the request named a provider outside the
// configured set.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Request is one generation call.
type Request struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Result is a completed generation.
type Result struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Text     string `json:"text"`
}

// Invoker is one upstream model provider.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}

func retryable(name string, err error) *Error {
	return &Error{Kind: KindRetryable, Provider: name, Err: err}
}

func fatal(name string, err error) *Error {
	return &Error{Kind: KindFatal, Provider: name, Err: err}
}
