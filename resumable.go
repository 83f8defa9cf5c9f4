// Package resumable provides the shared contracts for driving long-running operations to completion
// and for walking resumable, chunked or paginated data streams.
package resumable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a long-running operation.
type Status string

const (
	StatusNotStarted Status = "NotStarted"
	StatusRunning    Status = "Running"
	StatusSucceeded  Status = "Succeeded"
	StatusFailed     Status = "Failed"
	StatusCanceled   Status = "Canceled"
)

// IsTerminal reports whether no further polling can change the status.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// ParseStatus maps a server-reported status string to a Status.
// Unknown non-empty values are treated as in progress.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "canceled", "cancelled":
		return StatusCanceled
	case "notstarted":
		return StatusNotStarted
	default:
		return StatusRunning
	}
}

// Request is a single outbound HTTP-like request.
type Request struct {
	// Method is the HTTP verb
	Method string
	// URL is the absolute target URL
	URL string
	// Header holds request headers; may be nil
	Header http.Header
	// Body is the request payload; may be nil
	Body []byte
}

// Response is the result of a request that reached the server.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON unmarshals the response body into the given target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// RetryAfter returns the server-suggested delay before the next request, or zero if none was given.
// Millisecond headers take precedence over Retry-After, which may be seconds or an HTTP date.
func (r *Response) RetryAfter() time.Duration {
	if r == nil || r.Header == nil {
		return 0
	}
	for _, h := range []string{"retry-after-ms", "x-ms-retry-after-ms"} {
		if v := r.Header.Get(h); v != "" {
			if d, ok := parseDelay(v, time.Millisecond); ok && d > 0 {
				return d
			}
		}
	}
	v := r.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if d, ok := parseDelay(v, time.Second); ok {
		return d
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// parseDelay reads a non-negative integer count of unit. Counts beyond the range of time.Duration
// saturate to the longest duration.
func parseDelay(v string, unit time.Duration) (time.Duration, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(strings.TrimSpace(v), "-") {
		return math.MaxInt64, true
	}
	if err != nil {
		return 0, false
	}
	if n <= 0 {
		return 0, true
	}
	if n > math.MaxInt64/int64(unit) {
		return math.MaxInt64, true
	}
	return time.Duration(n) * unit, true
}

// Transport issues requests on behalf of the engines in this module.
// Implementations retry transient network failures before returning; an error means the transport
// gave up. Non-2xx responses are returned as responses, not errors.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f(ctx, req).
func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Fault is a server-reported error object.
type Fault struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Target  string  `json:"target,omitempty"`
	Details []Fault `json:"details,omitempty"`
}

func (f *Fault) String() string {
	if f == nil {
		return ""
	}
	if f.Code == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// ParseFault extracts the fault from a `{"error": {...}}` body. It returns nil if the body carries none.
func ParseFault(body []byte) *Fault {
	if len(body) == 0 {
		return nil
	}
	var envelope struct {
		Error *Fault `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	return envelope.Error
}

// Common error types for poller and walker operations.

// InitiationError indicates that the call starting an operation failed terminally. No poller is created.
type InitiationError struct {
	StatusCode int
	Fault      *Fault
	Err        error
}

func (e *InitiationError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("initiate operation: %v", e.Err)
	case e.Fault != nil:
		return fmt.Sprintf("initiate operation: status %d: %s", e.StatusCode, e.Fault)
	default:
		return fmt.Sprintf("initiate operation: status %d", e.StatusCode)
	}
}

func (e *InitiationError) Unwrap() error {
	return e.Err
}

// TransientPollError indicates that a single status check failed for transport-level reasons.
// The operation status is left unchanged and the check may be retried.
type TransientPollError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientPollError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient poll failure: %v", e.Err)
	}
	return fmt.Sprintf("transient poll failure: status %d", e.StatusCode)
}

func (e *TransientPollError) Unwrap() error {
	return e.Err
}

// Retryable is always true for a TransientPollError.
func (e *TransientPollError) Retryable() bool {
	return true
}

// OperationFailedError indicates that the server reported a terminal failure (or cancellation)
// for the tracked operation.
type OperationFailedError struct {
	TargetURL string
	Status    Status
	Fault     *Fault
}

func (e *OperationFailedError) Error() string {
	if e.Fault != nil {
		return fmt.Sprintf("operation '%s' %s: %s", e.TargetURL, strings.ToLower(string(e.Status)), e.Fault)
	}
	return fmt.Sprintf("operation '%s' %s", e.TargetURL, strings.ToLower(string(e.Status)))
}

// OperationCancelledError indicates that the caller cancelled waiting on an operation.
// The server-side operation is not cancelled; LastStatus is the last observed status.
type OperationCancelledError struct {
	TargetURL  string
	LastStatus Status
	Err        error
}

func (e *OperationCancelledError) Error() string {
	return fmt.Sprintf("waiting on operation '%s' cancelled in state %s: %v", e.TargetURL, e.LastStatus, e.Err)
}

func (e *OperationCancelledError) Unwrap() error {
	return e.Err
}

// ChunkNotFoundError indicates that a resumed cursor references a chunk that is no longer listed.
type ChunkNotFoundError struct {
	ShardPath string
	ChunkPath string
}

func (e *ChunkNotFoundError) Error() string {
	return fmt.Sprintf("chunk '%s' not found in shard '%s'", e.ChunkPath, e.ShardPath)
}

// ShardNotFoundError indicates that a resumed cursor references a shard the walker was not given.
type ShardNotFoundError struct {
	ShardPath string
}

func (e *ShardNotFoundError) Error() string {
	return fmt.Sprintf("shard '%s' not found", e.ShardPath)
}

// Sentinel errors for common conditions.
var (
	// ErrDone is returned by iterators when no more items are available.
	ErrDone = errors.New("no more items")
	// ErrCheckpointNotFound is returned by a CheckpointStore when the key has no checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrInvalidResumeToken is returned when a resume token cannot be decoded.
	ErrInvalidResumeToken = errors.New("invalid resume token")
	// ErrBlobNotFound is returned by a BlobReader when the path does not exist.
	ErrBlobNotFound = errors.New("blob not found")
)
