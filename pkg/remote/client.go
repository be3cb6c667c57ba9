package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/remote"

// HTTPClient abstracts the HTTP client used to reach the remote authority.
// The standard [http.Client] satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the remote authority client. It is safe for concurrent use.
type Client struct {
	baseURL string
	secret  Secret
	timeout time.Duration
	http    HTTPClient
	tracer  trace.Tracer
}

// NewClient validates cfg and creates a Client.
//
// Error codes returned:
//   - [sserr.CodeValidationRequired], [sserr.CodeValidationFormat],
//     [sserr.CodeValidationRange]: invalid configuration
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/") + "/" + cfg.APIVersion,
		secret:  cfg.SecretKey,
		timeout: timeout,
		http:    httpClient,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

// HandshakePayload is the result of a handshake nonce lookup: a list of
// Set-Cookie directive strings the application must apply to its response.
type HandshakePayload struct {
	Directives []string `json:"directives"`
}

// MachineToken is the verified-token resource returned by the machine
// token verification endpoints. The same shape serves API keys, M2M tokens
// and OAuth access tokens.
type MachineToken struct {
	Object     string         `json:"object"`
	ID         string         `json:"id"`
	Type       string         `json:"type,omitempty"`
	Name       string         `json:"name,omitempty"`
	Subject    string         `json:"subject"`
	ClientID   string         `json:"client_id,omitempty"`
	Scopes     []string       `json:"scopes,omitempty"`
	Claims     map[string]any `json:"claims,omitempty"`
	Revoked    bool           `json:"revoked"`
	Expired    bool           `json:"expired"`
	Expiration *int64         `json:"expiration,omitempty"`
	CreatedAt  int64          `json:"created_at,omitempty"`
}

// apiErrorResponse is the error envelope returned by the remote authority.
type apiErrorResponse struct {
	Errors []struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		LongMessage string `json:"long_message"`
	} `json:"errors"`
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// FetchJWKS fetches the instance's full signing key set and returns the raw
// JWKS document.
//
// Error codes returned:
//   - [sserr.CodeInternalConfiguration]: no secret key configured
//   - [sserr.CodeKeyInvalidCredential]: the secret key was rejected (401/403)
//   - [sserr.CodeUnavailableDependency]: retryable status (429, 5xx) or
//     network failure
//   - [sserr.CodeTimeoutDependency]: the call exceeded its deadline
//   - [sserr.CodeKeyRemoteFailed]: any other non-200 status
func (c *Client) FetchJWKS(ctx context.Context) ([]byte, error) {
	status, body, err := c.do(ctx, "FetchJWKS", http.MethodGet, "/jwks", nil, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		return body, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, statusError(sserr.CodeKeyInvalidCredential, "remote: secret key was rejected while fetching JWKS", status, body)
	case isRetryableStatus(status):
		return nil, statusError(sserr.CodeUnavailableDependency, "remote: JWKS endpoint is unavailable", status, body)
	default:
		return nil, statusError(sserr.CodeKeyRemoteFailed, "remote: JWKS endpoint returned an unexpected status", status, body)
	}
}

// HandshakePayload fetches the directives stored for a handshake nonce.
//
// Error codes returned:
//   - [sserr.CodeInternalConfiguration]: no secret key configured
//   - [sserr.CodeHandshakePayloadInvalid]: non-200 status or undecodable body
//   - [sserr.CodeUnavailableDependency], [sserr.CodeTimeoutDependency]
func (c *Client) HandshakePayload(ctx context.Context, nonce string) (*HandshakePayload, error) {
	query := url.Values{"nonce": {nonce}}
	status, body, err := c.do(ctx, "HandshakePayload", http.MethodGet, "/clients/handshake_payload", query, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(sserr.CodeHandshakePayloadInvalid, "remote: handshake payload lookup failed", status, body)
	}
	var payload HandshakePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeHandshakePayloadInvalid, "remote: failed to decode handshake payload")
	}
	return &payload, nil
}

// VerifyM2MToken verifies a machine-to-machine token.
func (c *Client) VerifyM2MToken(ctx context.Context, secret string) (*MachineToken, error) {
	return c.verifyMachine(ctx, "VerifyM2MToken", http.MethodPost, "/m2m_tokens/verify", nil,
		map[string]string{"token": secret})
}

// VerifyOAuthToken verifies an OAuth access token.
func (c *Client) VerifyOAuthToken(ctx context.Context, accessToken string) (*MachineToken, error) {
	return c.verifyMachine(ctx, "VerifyOAuthToken", http.MethodPost, "/oauth_applications/access_tokens/verify", nil,
		map[string]string{"access_token": accessToken})
}

// VerifyAPIKey verifies an API key secret.
func (c *Client) VerifyAPIKey(ctx context.Context, secret string) (*MachineToken, error) {
	return c.verifyMachine(ctx, "VerifyAPIKey", http.MethodGet, "/api_keys/verify",
		url.Values{"secret": {secret}}, nil)
}

// verifyMachine performs a machine token verification call and maps the
// status to a machine-token error code:
//   - 401: [sserr.CodeMachineTokenInvalid]
//   - 404: [sserr.CodeMachineTokenNotFound]
//   - anything else: [sserr.CodeMachineTokenUnexpected]
func (c *Client) verifyMachine(ctx context.Context, op, method, path string, query url.Values, payload any) (*MachineToken, error) {
	status, body, err := c.do(ctx, op, method, path, query, payload)
	if err != nil {
		if sserr.IsFatal(err) {
			return nil, err
		}
		return nil, sserr.Wrap(err, sserr.CodeMachineTokenUnexpected, "remote: machine token verification failed")
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, statusError(sserr.CodeMachineTokenInvalid, "remote: machine token is invalid", status, body)
	case http.StatusNotFound:
		return nil, statusError(sserr.CodeMachineTokenNotFound, "remote: machine token not found", status, body)
	default:
		return nil, statusError(sserr.CodeMachineTokenUnexpected, "remote: unexpected machine token verification response", status, body)
	}
	var tok MachineToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeMachineTokenUnexpected, "remote: failed to decode machine token resource")
	}
	return &tok, nil
}

// do executes a request against the remote authority and returns the
// status and body. Transport failures are classified as timeout or
// unavailable; HTTP statuses are left to the caller.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload any) (int, []byte, error) {
	if c.secret.Value() == "" {
		return 0, nil, sserr.Configuration("remote: secret key is not configured; set AUTHGATE_SECRET_KEY")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.startSpan(ctx, op, method, path)
	var retErr error
	defer func() { finishSpan(span, retErr) }()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			retErr = sserr.Wrap(err, sserr.CodeInternal, "remote: failed to encode request body")
			return 0, nil, retErr
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		retErr = sserr.Wrap(err, sserr.CodeInternal, "remote: failed to create request")
		return 0, nil, retErr
	}
	req.Header.Set("Authorization", "Bearer "+c.secret.Value())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		retErr = wrapTransportError(err, fmt.Sprintf("remote: %s %s failed", method, path))
		return 0, nil, retErr
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		retErr = wrapTransportError(err, "remote: failed to read response body")
		return 0, nil, retErr
	}
	return resp.StatusCode, body, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// isRetryableStatus reports whether an HTTP status is worth retrying.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// statusError builds an error for a non-success status, appending the
// remote authority's own error message when the body carries one.
func statusError(code sserr.Code, message string, status int, body []byte) *sserr.Error {
	var envelope apiErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		detail := first.LongMessage
		if detail == "" {
			detail = first.Message
		}
		return sserr.Newf(code, "%s (status %d): %s", message, status, detail).
			WithDetails(map[string]any{"status": status, "remote_code": first.Code})
	}
	return sserr.Newf(code, "%s (status %d)", message, status).WithDetail("status", status)
}

// wrapTransportError classifies a transport failure. A deadline is a
// retryable timeout; caller cancellation is not retryable.
func wrapTransportError(err error, message string) *sserr.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, message)
	case errors.Is(err, context.Canceled):
		return sserr.Wrap(err, sserr.CodeInternal, message)
	default:
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
	}
}

// startSpan creates a client span for a remote authority call.
func (c *Client) startSpan(ctx context.Context, op, method, path string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	)
	return ctx, span
}

// finishSpan records err on the span (if any) and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
