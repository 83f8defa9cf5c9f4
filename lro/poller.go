package lro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shogotsuneto/go-resumable"
)

// Poller tracks a single operation and decodes its final result into T.
type Poller[T any] struct {
	engine *Engine
	handle *Handle
}

// NewPoller wraps an existing handle.
func NewPoller[T any](engine *Engine, h *Handle) *Poller[T] {
	return &Poller[T]{engine: engine, handle: h}
}

// NewPollerFromResumeToken rebuilds a poller from a token produced by ResumeToken.
func NewPollerFromResumeToken[T any](engine *Engine, token string) (*Poller[T], error) {
	h, err := Resume(token)
	if err != nil {
		return nil, err
	}
	return NewPoller[T](engine, h), nil
}

// Handle returns the last observed handle.
func (p *Poller[T]) Handle() *Handle {
	return p.handle
}

// Done reports whether the operation has reached a terminal state.
func (p *Poller[T]) Done() bool {
	return p.handle.Done()
}

// Poll performs one status check. Transient failures are returned but leave the poller usable.
func (p *Poller[T]) Poll(ctx context.Context) error {
	next, err := p.engine.Poll(ctx, p.handle)
	if next != nil {
		p.handle = next
	}
	return err
}

// ResumeToken serializes the poller's current state.
func (p *Poller[T]) ResumeToken() (string, error) {
	return p.handle.ResumeToken()
}

// Result decodes the final result. It fails if the operation is not done or did not succeed.
func (p *Poller[T]) Result() (T, error) {
	var zero T
	if !p.handle.Done() {
		return zero, fmt.Errorf("operation '%s' is not done: %s", p.handle.TargetURL, p.handle.Status)
	}
	if err := terminalError(p.handle); err != nil {
		return zero, err
	}
	if len(p.handle.Result) == 0 {
		return zero, nil
	}
	var out T
	if err := json.Unmarshal(p.handle.Result, &out); err != nil {
		return zero, fmt.Errorf("failed to decode result of '%s': %w", p.handle.TargetURL, err)
	}
	return out, nil
}

// PollUntilDone waits for the operation and decodes its result.
func (p *Poller[T]) PollUntilDone(ctx context.Context, policy WaitPolicy) (T, error) {
	h, err := p.engine.WaitUntilDone(ctx, p.handle, policy)
	if h != nil {
		p.handle = h
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return p.Result()
}

// BeginAndWait starts an operation and waits for its result.
func BeginAndWait[T any](ctx context.Context, engine *Engine, req *resumable.Request, policy WaitPolicy) (T, error) {
	var zero T
	h, err := engine.Begin(ctx, req)
	if err != nil {
		return zero, err
	}
	return NewPoller[T](engine, h).PollUntilDone(ctx, policy)
}

// IsTransient reports whether err is a retryable single-poll failure.
func IsTransient(err error) bool {
	var t *resumable.TransientPollError
	return errors.As(err, &t)
}
