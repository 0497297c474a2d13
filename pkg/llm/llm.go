// Package llm provides text completion through an ordered chain of LLM
// providers with fallback on quota, rate limit, auth and transport failures.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

// Provider failure kinds.
const (
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindRateLimited    Kind = "rate_limited"
	KindAuth           Kind = "auth_error"
	KindTransport      Kind = "transport_error"
	KindTimeout        Kind = "timeout"
	KindInvalidRequest Kind = "invalid_request"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 4 << 20

// Prompt is one completion request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	// JSON asks the provider for a JSON response where it supports that.
	JSON bool
}

// Provider produces a completion for a prompt.
type Provider interface {
	ID() string
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// Completion is a successful chain result.
type Completion struct {
	ProviderID string
	Text       string
}

// ProviderError is a classified failure of a single provider call.
type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Fallback reports whether the chain should move on to the next provider.
func (e *ProviderError) Fallback() bool {
	return e.Kind != KindInvalidRequest
}

// UnavailableError is returned when no provider produced a completion.
type UnavailableError struct {
	Reason   string
	Attempts []*ProviderError
}

func (e *UnavailableError) Error() string {
	return "llm unavailable: " + e.Reason
}

// Unwrap exposes every attempt to errors.Is and errors.As.
func (e *UnavailableError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}

	return errs
}

// IsUnavailable reports whether err is an *UnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError

	return errors.As(err, &unavailable)
}

var quotaMarkers = []string{
	"insufficient_quota",
	"resource_exhausted",
	"quota",
}

// classifyStatus maps an HTTP error response onto a failure kind.
func classifyStatus(status int, body string) Kind {
	lower := strings.ToLower(body)

	switch {
	case status == http.StatusTooManyRequests:
		for _, marker := range quotaMarkers {
			if strings.Contains(lower, marker) {
				return KindQuotaExceeded
			}
		}

		return KindRateLimited
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusBadRequest && strings.Contains(lower, "api_key_invalid"):
		return KindAuth
	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindTransport
	}
}

// apiError is the error envelope shared by the supported provider APIs.
type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// postJSON sends body to url and decodes a 2xx response into out. Every
// failure comes back as a *ProviderError.
func postJSON(
	ctx context.Context,
	client *http.Client,
	provider, url string,
	headers map[string]string,
	body, out any,
) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: provider, Kind: KindInvalidRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Provider: provider, Kind: KindInvalidRequest, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return transportError(ctx, provider, err)
	}

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(ctx, provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{
			Provider:   provider,
			Kind:       classifyStatus(resp.StatusCode, string(raw)),
			StatusCode: resp.StatusCode,
		}

		var envelope apiError
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			perr.Message = envelope.Error.Message
		} else {
			perr.Message = truncate(strings.TrimSpace(string(raw)), 200)
		}

		return perr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{
			Provider:   provider,
			Kind:       KindTransport,
			StatusCode: resp.StatusCode,
			Message:    "decoding response",
			Err:        err,
		}
	}

	return nil
}

func transportError(ctx context.Context, provider string, err error) *ProviderError {
	kind := KindTransport
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}

	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
