// Package lro drives long-running operations to a terminal state.
//
// An operation is started with Initiate, which returns a Handle describing where its status can be
// polled. An Engine polls the handle, one status check at a time (Poll) or until completion
// (WaitUntilDone). Handles can be turned into resume tokens and rebuilt in another process; polling is
// side-effect free, so resuming never repeats the initiating call.
package lro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dapr/kit/logger"

	"github.com/shogotsuneto/go-resumable"
	"github.com/shogotsuneto/go-resumable/metrics"
)

var log = logger.NewLogger("resumable.lro")

// pollMode selects how status responses are interpreted.
type pollMode string

const (
	// modeOperationLocation polls a dedicated status monitor that reports `status` in its body.
	modeOperationLocation pollMode = "operation-location"
	// modeResourceLocation polls a location that answers 202 until the operation completes.
	modeResourceLocation pollMode = "resource-location"
	// modeBody polls the resource itself and reads its provisioning state.
	modeBody pollMode = "body"
)

func (m pollMode) valid() bool {
	return m == modeOperationLocation || m == modeResourceLocation || m == modeBody
}

// Handle describes one in-flight server operation.
// Result and Error are mutually exclusive and both empty until the status is terminal.
type Handle struct {
	// TargetURL is the URL status checks are issued against
	TargetURL string
	// Status is the last observed operation status
	Status resumable.Status
	// Result is the final response body; set only when Status is Succeeded
	Result json.RawMessage
	// Error is the server-reported fault; set only when Status is Failed
	Error *resumable.Fault

	mode        pollMode
	method      string
	initialURL  string
	resourceURL string
	retryAfter  time.Duration
	// settled marks an action that completed in its initiating response; completedBody is that response's body
	settled       bool
	completedBody json.RawMessage
}

// Done reports whether the handle is in a terminal state.
func (h *Handle) Done() bool {
	return h.Status.IsTerminal()
}

// RetryAfter is the delay suggested by the server in its last response, or zero.
func (h *Handle) RetryAfter() time.Duration {
	return h.retryAfter
}

func (h *Handle) clone() *Handle {
	c := *h
	if h.Result != nil {
		c.Result = append(json.RawMessage(nil), h.Result...)
	}
	return &c
}

// resumeToken is the serialized form of a Handle.
type resumeToken struct {
	TargetURL   string           `json:"targetUrl"`
	Status      resumable.Status `json:"status"`
	Mode        pollMode         `json:"mode"`
	Method      string           `json:"method,omitempty"`
	InitialURL  string           `json:"initialUrl,omitempty"`
	ResourceURL string           `json:"resourceUrl,omitempty"`
	Settled     bool             `json:"settled,omitempty"`
	Body        []byte           `json:"body,omitempty"`
}

// ResumeToken serializes the handle so that polling can continue in another process.
func (h *Handle) ResumeToken() (string, error) {
	if h.TargetURL == "" {
		return "", fmt.Errorf("handle has no target URL")
	}
	data, err := json.Marshal(resumeToken{
		TargetURL:   h.TargetURL,
		Status:      h.Status,
		Mode:        h.mode,
		Method:      h.method,
		InitialURL:  h.initialURL,
		ResourceURL: h.resourceURL,
		Settled:     h.settled,
		Body:        h.completedBody,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal resume token: %w", err)
	}
	return string(data), nil
}

// Resume rebuilds a handle from a token produced by ResumeToken.
// Terminal statuses are reset to Running because the token does not carry the result or fault;
// the next poll observes the terminal state again.
func Resume(token string) (*Handle, error) {
	var rt resumeToken
	if err := json.Unmarshal([]byte(token), &rt); err != nil {
		return nil, fmt.Errorf("%w: %v", resumable.ErrInvalidResumeToken, err)
	}
	if rt.TargetURL == "" {
		return nil, fmt.Errorf("%w: missing target URL", resumable.ErrInvalidResumeToken)
	}
	if !rt.Mode.valid() {
		return nil, fmt.Errorf("%w: unknown polling mode '%s'", resumable.ErrInvalidResumeToken, rt.Mode)
	}
	status := rt.Status
	if status == "" || status.IsTerminal() {
		status = resumable.StatusRunning
	}
	return &Handle{
		TargetURL:   rt.TargetURL,
		Status:      status,
		mode:        rt.Mode,
		method:      rt.Method,
		initialURL:  rt.InitialURL,
		resourceURL: rt.ResourceURL,

		settled:       rt.Settled,
		completedBody: rt.Body,
	}, nil
}

// InitiateOptions configures Initiate.
type InitiateOptions struct {
	Logger  logger.Logger
	Metrics *metrics.Collector
}

// Initiate sends the request that starts an operation and returns a handle for polling it.
// A non-2xx answer or a transport failure is returned as *resumable.InitiationError.
func Initiate(ctx context.Context, t resumable.Transport, req *resumable.Request, opts *InitiateOptions) (*Handle, error) {
	if req == nil || req.URL == "" {
		return nil, fmt.Errorf("initiate operation: request URL is required")
	}
	l := log
	if opts != nil && opts.Logger != nil {
		l = opts.Logger
	}

	resp, err := t.Do(ctx, req)
	if err != nil {
		return nil, &resumable.InitiationError{Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &resumable.InitiationError{
			StatusCode: resp.StatusCode,
			Fault:      resumable.ParseFault(resp.Body),
		}
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	h := &Handle{
		Status:     resumable.StatusRunning,
		method:     method,
		initialURL: req.URL,
		retryAfter: resp.RetryAfter(),
	}

	opLoc := resp.Header.Get("Azure-AsyncOperation")
	if opLoc == "" {
		opLoc = resp.Header.Get("Operation-Location")
	}
	location := resp.Header.Get("Location")

	switch {
	case opLoc != "":
		h.mode = modeOperationLocation
		if h.TargetURL, err = resolveURL(req.URL, opLoc); err != nil {
			return nil, &resumable.InitiationError{StatusCode: resp.StatusCode, Err: err}
		}
		if location != "" {
			if h.resourceURL, err = resolveURL(req.URL, location); err != nil {
				return nil, &resumable.InitiationError{StatusCode: resp.StatusCode, Err: err}
			}
		} else if method == http.MethodPut || method == http.MethodPatch {
			h.resourceURL = req.URL
		}
	case location != "":
		h.mode = modeResourceLocation
		if h.TargetURL, err = resolveURL(req.URL, location); err != nil {
			return nil, &resumable.InitiationError{StatusCode: resp.StatusCode, Err: err}
		}
	default:
		h.mode = modeBody
		h.TargetURL = req.URL
		// An action URL only accepts POST, so a POST answered without 202 has already completed.
		if method == http.MethodPost && resp.StatusCode != http.StatusAccepted {
			h.settled = true
			h.completedBody = nonEmpty(resp.Body)
		}
	}

	if sb, ok := parseStatusBody(resp.Body); ok && sb.state() != "" {
		if resumable.ParseStatus(sb.state()) == resumable.StatusNotStarted {
			h.Status = resumable.StatusNotStarted
		}
	}

	l.Debugf("Initiated %s %s: polling %s in %s mode", method, req.URL, h.TargetURL, h.mode)
	return h, nil
}

// resolveURL resolves ref against base so relative monitor URLs work.
func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid request URL '%s': %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid polling URL '%s': %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// statusBody is the subset of status and resource bodies the engine reads.
type statusBody struct {
	Status     string `json:"status"`
	Properties *struct {
		ProvisioningState string `json:"provisioningState"`
	} `json:"properties"`
	Error            *resumable.Fault `json:"error"`
	ResourceLocation string           `json:"resourceLocation"`
}

func (b statusBody) state() string {
	if b.Properties != nil && b.Properties.ProvisioningState != "" {
		return b.Properties.ProvisioningState
	}
	return b.Status
}

func parseStatusBody(body []byte) (statusBody, bool) {
	var sb statusBody
	if len(body) == 0 {
		return sb, false
	}
	if err := json.Unmarshal(body, &sb); err != nil {
		return sb, false
	}
	return sb, true
}
