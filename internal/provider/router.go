package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Payload is the provider-facing half of a job payload.
type Payload struct {
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	Prompt        string  `json:"prompt"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	AllowFallback *bool   `json:"allow_fallback,omitempty"`
}

// RouterOptions configures routing defaults.
type RouterOptions struct {
	// DefaultProvider serves payloads that name no provider.
	DefaultProvider string
	// DefaultModel serves payloads that name no model.
	DefaultModel string
	// FailoverOrder lists providers tried after the primary fails with a
	// retryable error. Entries equal to the primary are skipped.
	FailoverOrder []string
	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration
}

// Router owns the configured provider set and applies failover.
type Router struct {
	invokers map[string]Invoker
	opts     RouterOptions
	logger   *zap.Logger
}

func NewRouter(invokers []Invoker, opts RouterOptions, logger *zap.Logger) (*Router, error) {
	if len(invokers) == 0 {
		return nil, fmt.Errorf("provider: no providers configured")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Invoker, len(invokers))
	for _, inv := range invokers {
		if _, dup := byName[inv.Name()]; dup {
			return nil, fmt.Errorf("provider: duplicate provider %q", inv.Name())
		}
		byName[inv.Name()] = inv
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = invokers[0].Name()
	}
	if _, ok := byName[opts.DefaultProvider]; !ok {
		return nil, fmt.Errorf("provider: default provider %q not configured", opts.DefaultProvider)
	}
	for _, name := range opts.FailoverOrder {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("provider: failover provider %q not configured", name)
		}
	}
	return &Router{invokers: byName, opts: opts, logger: logger.Named("provider")}, nil
}

// Known reports whether name is in the configured provider set. The empty
// name means the default and is always known.
func (r *Router) Known(name string) bool {
	if name == "" {
		return true
	}
	_, ok := r.invokers[name]
	return ok
}

// Generate decodes the payload and runs it against the selected provider,
// failing over in the configured order on retryable errors. Returned errors
// are always *Error so the caller can classify the attempt.
func (r *Router) Generate(ctx context.Context, payload []byte) (*Result, error) {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fatal("router", fmt.Errorf("malformed payload: %w", err))
	}
	if p.Prompt == "" {
		return nil, fatal("router", fmt.Errorf("payload has no prompt"))
	}
	primary := p.Provider
	if primary == "" {
		primary = r.opts.DefaultProvider
	}
	if _, ok := r.invokers[primary]; !ok {
		return nil, fatal("router", fmt.Errorf("%w: %q", ErrUnknownProvider, primary))
	}
	model := p.Model
	if model == "" {
		model = r.opts.DefaultModel
	}
	req := Request{
		Model:       model,
		Prompt:      p.Prompt,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}

	order := []string{primary}
	if p.AllowFallback == nil || *p.AllowFallback {
		for _, name := range r.opts.FailoverOrder {
			if name != primary {
				order = append(order, name)
			}
		}
	}

	var lastErr error
	for i, name := range order {
		res, err := r.invoke(ctx, r.invokers[name], req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var perr *Error
		if errors.As(err, &perr) && perr.Kind == KindFatal {
			return nil, err
		}
		if i < len(order)-1 {
			r.logger.Warn("provider failed, trying next",
				zap.String("provider", name),
				zap.String("next", order[i+1]),
				zap.Error(err))
		}
	}
	return nil, lastErr
}

func (r *Router) invoke(ctx context.Context, inv Invoker, req Request) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	res, err := inv.Invoke(callCtx, req)
	if err == nil {
		return res, nil
	}
	var perr *Error
	if !errors.As(err, &perr) {
		err = retryable(inv.Name(), err)
	}
	return nil, err
}
