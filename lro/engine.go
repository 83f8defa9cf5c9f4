package lro

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dapr/kit/logger"

	"github.com/shogotsuneto/go-resumable"
	"github.com/shogotsuneto/go-resumable/metrics"
)

const (
	// DefaultPollInterval is the first delay of the default wait policy.
	DefaultPollInterval = 1 * time.Second
	// DefaultMaxPollInterval caps the delays of the default wait policy.
	DefaultMaxPollInterval = 30 * time.Second
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// PollInterval is the initial delay of the default wait policy
	PollInterval time.Duration
	// MaxPollInterval caps the default wait policy
	MaxPollInterval time.Duration
	Logger          logger.Logger
	Metrics         *metrics.Collector
}

// Engine polls operation handles through a transport.
// An Engine holds no per-operation state and may be shared between goroutines.
type Engine struct {
	transport       resumable.Transport
	pollInterval    time.Duration
	maxPollInterval time.Duration
	logger          logger.Logger
	metrics         *metrics.Collector
}

// NewEngine creates a polling engine. opts may be nil.
func NewEngine(t resumable.Transport, opts *EngineOptions) *Engine {
	e := &Engine{
		transport:       t,
		pollInterval:    DefaultPollInterval,
		maxPollInterval: DefaultMaxPollInterval,
		logger:          log,
	}
	if opts != nil {
		if opts.PollInterval > 0 {
			e.pollInterval = opts.PollInterval
		}
		if opts.MaxPollInterval > 0 {
			e.maxPollInterval = opts.MaxPollInterval
		}
		if e.maxPollInterval < e.pollInterval {
			e.maxPollInterval = e.pollInterval
		}
		if opts.Logger != nil {
			e.logger = opts.Logger
		}
		e.metrics = opts.Metrics
	}
	return e
}

// Begin initiates an operation with the engine's transport, logger and metrics.
func (e *Engine) Begin(ctx context.Context, req *resumable.Request) (*Handle, error) {
	return Initiate(ctx, e.transport, req, &InitiateOptions{Logger: e.logger, Metrics: e.metrics})
}

// Poll performs exactly one status check and returns the updated handle.
// The handle passed in is never modified. A terminal handle is returned as is without a request.
// Transport failures and retryable status codes return the unchanged handle and a *resumable.TransientPollError.
func (e *Engine) Poll(ctx context.Context, h *Handle) (*Handle, error) {
	if h == nil {
		return nil, errors.New("poll operation: nil handle")
	}
	if h.Status.IsTerminal() {
		return h, nil
	}
	if err := ctx.Err(); err != nil {
		e.metrics.PollObserved(metrics.OutcomeCancelled)
		return h, cancelled(h, err)
	}
	if h.settled {
		next := h.clone()
		next.Status = resumable.StatusSucceeded
		next.Result = nonEmpty(h.completedBody)
		e.metrics.PollObserved(metrics.OutcomeOK)
		e.metrics.OperationFinished(string(next.Status))
		e.logger.Infof("Operation %s completed synchronously", next.TargetURL)
		return next, nil
	}

	resp, err := e.transport.Do(ctx, &resumable.Request{Method: http.MethodGet, URL: h.TargetURL})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.metrics.PollObserved(metrics.OutcomeCancelled)
			return h, cancelled(h, ctxErr)
		}
		e.metrics.PollObserved(metrics.OutcomeTransient)
		return h, &resumable.TransientPollError{Err: err}
	}
	if transientStatus(resp.StatusCode) {
		e.metrics.PollObserved(metrics.OutcomeTransient)
		next := h.clone()
		next.retryAfter = resp.RetryAfter()
		return next, &resumable.TransientPollError{StatusCode: resp.StatusCode, RetryAfter: next.retryAfter}
	}

	next := h.clone()
	next.retryAfter = resp.RetryAfter()

	switch h.mode {
	case modeOperationLocation:
		err = e.pollOperationLocation(ctx, next, resp)
	case modeResourceLocation:
		err = pollResourceLocation(next, resp)
	default:
		err = pollBody(next, resp)
	}
	if err != nil {
		var transient *resumable.TransientPollError
		if errors.As(err, &transient) {
			e.metrics.PollObserved(metrics.OutcomeTransient)
			unchanged := h.clone()
			unchanged.retryAfter = transient.RetryAfter
			return unchanged, err
		}
		var cancelErr *resumable.OperationCancelledError
		if errors.As(err, &cancelErr) {
			e.metrics.PollObserved(metrics.OutcomeCancelled)
		}
		return h, err
	}

	e.metrics.PollObserved(metrics.OutcomeOK)
	e.logger.Debugf("Polled %s: %s", next.TargetURL, next.Status)
	if next.Status.IsTerminal() {
		e.metrics.OperationFinished(string(next.Status))
		e.logger.Infof("Operation %s reached terminal state %s", next.TargetURL, next.Status)
	}
	return next, nil
}

// WaitUntilDone polls until the operation reaches a terminal state, sleeping between polls as the policy says.
// A nil policy uses exponential backoff between the engine's poll intervals.
// Cancelling ctx stops waiting and returns the last observed handle with a *resumable.OperationCancelledError;
// the server-side operation is left untouched.
func (e *Engine) WaitUntilDone(ctx context.Context, h *Handle, policy WaitPolicy) (*Handle, error) {
	if h == nil {
		return nil, errors.New("wait for operation: nil handle")
	}
	if policy == nil {
		policy = NewExponentialWaitPolicy(e.pollInterval, e.maxPollInterval)
	}

	current := h
	for attempt := 1; ; attempt++ {
		if current.Status.IsTerminal() {
			return current, terminalError(current)
		}
		if err := ctx.Err(); err != nil {
			return current, cancelled(current, err)
		}

		next, err := e.Poll(ctx, current)
		var transient *resumable.TransientPollError
		switch {
		case err == nil:
			current = next
		case errors.As(err, &transient):
			current = next
			e.logger.Warnf("Transient failure polling %s (attempt %d): %v", current.TargetURL, attempt, err)
		default:
			return current, err
		}

		if current.Status.IsTerminal() {
			return current, terminalError(current)
		}

		delay := policy(attempt, current.retryAfter)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return current, cancelled(current, ctx.Err())
		case <-timer.C:
		}
	}
}

func (e *Engine) pollOperationLocation(ctx context.Context, h *Handle, resp *resumable.Response) error {
	if !resp.IsSuccess() {
		return failFromResponse(h, resp)
	}
	sb, ok := parseStatusBody(resp.Body)
	if !ok || sb.Status == "" {
		return fmt.Errorf("operation status missing from response of %s", h.TargetURL)
	}

	switch status := resumable.ParseStatus(sb.Status); status {
	case resumable.StatusSucceeded:
		resourceURL := h.resourceURL
		if sb.ResourceLocation != "" {
			resourceURL = sb.ResourceLocation
		}
		if resourceURL == "" || h.method == http.MethodDelete {
			h.Status = status
			h.Result = nonEmpty(resp.Body)
			return nil
		}
		final, err := e.transport.Do(ctx, &resumable.Request{Method: http.MethodGet, URL: resourceURL})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return cancelled(h, ctxErr)
			}
			return &resumable.TransientPollError{Err: err}
		}
		if transientStatus(final.StatusCode) {
			return &resumable.TransientPollError{StatusCode: final.StatusCode, RetryAfter: final.RetryAfter()}
		}
		if !final.IsSuccess() {
			return failFromResponse(h, final)
		}
		h.Status = status
		h.Result = nonEmpty(final.Body)
	case resumable.StatusFailed:
		h.Status = status
		h.Error = sb.Error
		if h.Error == nil {
			h.Error = &resumable.Fault{Code: "OperationFailed", Message: "operation failed without error details"}
		}
	default:
		h.Status = status
	}
	return nil
}

func pollResourceLocation(h *Handle, resp *resumable.Response) error {
	switch {
	case resp.StatusCode == http.StatusAccepted:
		h.Status = resumable.StatusRunning
		if loc := resp.Header.Get("Location"); loc != "" {
			target, err := resolveURL(h.TargetURL, loc)
			if err != nil {
				return err
			}
			h.TargetURL = target
		}
	case resp.IsSuccess():
		h.Status = resumable.StatusSucceeded
		h.Result = nonEmpty(resp.Body)
	default:
		return failFromResponse(h, resp)
	}
	return nil
}

func pollBody(h *Handle, resp *resumable.Response) error {
	switch {
	case resp.StatusCode == http.StatusAccepted:
		h.Status = resumable.StatusRunning
	case resp.StatusCode == http.StatusNotFound && h.method == http.MethodDelete:
		h.Status = resumable.StatusSucceeded
	case resp.IsSuccess():
		sb, _ := parseStatusBody(resp.Body)
		state := sb.state()
		if state == "" {
			h.Status = resumable.StatusSucceeded
			h.Result = nonEmpty(resp.Body)
			return nil
		}
		switch status := resumable.ParseStatus(state); status {
		case resumable.StatusSucceeded:
			h.Status = status
			h.Result = nonEmpty(resp.Body)
		case resumable.StatusFailed:
			h.Status = status
			h.Error = sb.Error
			if h.Error == nil {
				h.Error = &resumable.Fault{Code: "OperationFailed", Message: fmt.Sprintf("provisioning state %s", state)}
			}
		default:
			h.Status = status
		}
	default:
		return failFromResponse(h, resp)
	}
	return nil
}

// failFromResponse marks h Failed for a non-retryable 4xx. Other codes are reported as errors.
func failFromResponse(h *Handle, resp *resumable.Response) error {
	if resp.StatusCode < 400 || resp.StatusCode >= 500 {
		return fmt.Errorf("unexpected status %d polling %s", resp.StatusCode, h.TargetURL)
	}
	h.Status = resumable.StatusFailed
	h.Result = nil
	h.Error = resumable.ParseFault(resp.Body)
	if h.Error == nil {
		h.Error = &resumable.Fault{Code: http.StatusText(resp.StatusCode), Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return nil
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func nonEmpty(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	return append([]byte(nil), body...)
}

func cancelled(h *Handle, err error) error {
	return &resumable.OperationCancelledError{TargetURL: h.TargetURL, LastStatus: h.Status, Err: err}
}

func terminalError(h *Handle) error {
	if h.Status == resumable.StatusSucceeded {
		return nil
	}
	return &resumable.OperationFailedError{TargetURL: h.TargetURL, Status: h.Status, Fault: h.Error}
}
