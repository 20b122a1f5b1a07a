package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/observability"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "gridfarm-worker-agent"
)

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	// BaseURL is the farm service endpoint, e.g. "https://farm.gridfarm.io".
	BaseURL string

	// Credentials signs every request. Defaults to AnonymousCredentials.
	Credentials CredentialsProvider

	// Logger receives request-level debug logging.
	Logger *zap.Logger

	// Events receives API request/response events; nil disables them.
	Events *observability.EventStream

	// Timeout bounds each individual HTTP exchange.
	Timeout time.Duration

	// UserAgent overrides the default User-Agent header.
	UserAgent string

	// TLS customizes transport security, for endpoints behind a private CA
	// or a gateway requiring mutual TLS. Nil uses system defaults.
	TLS *tls.Config
}

// Validate checks required fields and fills in defaults.
func (c *HTTPClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Credentials == nil {
		c.Credentials = AnonymousCredentials{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return nil
}

// HTTPClient implements WorkerService against the farm service's REST API.
// Each call is a single HTTP exchange; retry loops live with the callers,
// which know which failures are worth retrying for their operation.
type HTTPClient struct {
	rest   *resty.Client
	creds  CredentialsProvider
	logger *zap.Logger
	events *observability.EventStream
}

var _ WorkerService = (*HTTPClient)(nil)

// NewHTTPClient creates a WorkerService client over the given endpoint.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	c := &HTTPClient{
		creds:  cfg.Credentials,
		logger: cfg.Logger,
		events: cfg.Events,
	}

	c.rest = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Content-Type", "application/json")

	if cfg.TLS != nil {
		c.rest.SetTLSClientConfig(cfg.TLS)
	}

	c.rest.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		creds, err := c.creds.Retrieve(req.Context())
		if err != nil {
			return fmt.Errorf("retrieve request credentials: %w", err)
		}
		if creds.SessionToken != "" {
			req.SetHeader("Authorization", "Bearer "+creds.SessionToken)
			req.SetHeader("X-Gridfarm-Access-Key-Id", creds.AccessKeyID)
		}
		return nil
	})

	return c, nil
}

// CreateWorker implements WorkerService. A client token is generated when the
// request carries none, so bootstrap retries stay idempotent.
func (c *HTTPClient) CreateWorker(ctx context.Context, req *CreateWorkerRequest) (*CreateWorkerResponse, error) {
	body := *req
	if body.ClientToken == "" {
		body.ClientToken = uuid.New().String()
	}

	path := fmt.Sprintf("/farms/%s/fleets/%s/workers", req.FarmID, req.FleetID)
	var out CreateWorkerResponse
	if err := c.do(ctx, "CreateWorker", http.MethodPost, path, &body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AssumeFleetRoleForWorker implements WorkerService.
func (c *HTTPClient) AssumeFleetRoleForWorker(ctx context.Context, req *AssumeFleetRoleForWorkerRequest) (*AssumeFleetRoleForWorkerResponse, error) {
	path := fmt.Sprintf("/farms/%s/fleets/%s/workers/%s/fleet-role", req.FarmID, req.FleetID, req.WorkerID)
	var out AssumeFleetRoleForWorkerResponse
	if err := c.do(ctx, "AssumeFleetRoleForWorker", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AssumeQueueRoleForWorker implements WorkerService.
func (c *HTTPClient) AssumeQueueRoleForWorker(ctx context.Context, req *AssumeQueueRoleForWorkerRequest) (*AssumeQueueRoleForWorkerResponse, error) {
	path := fmt.Sprintf("/farms/%s/fleets/%s/workers/%s/queues/%s/role", req.FarmID, req.FleetID, req.WorkerID, req.QueueID)
	var out AssumeQueueRoleForWorkerResponse
	if err := c.do(ctx, "AssumeQueueRoleForWorker", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateWorker implements WorkerService.
func (c *HTTPClient) UpdateWorker(ctx context.Context, req *UpdateWorkerRequest) (*UpdateWorkerResponse, error) {
	path := fmt.Sprintf("/farms/%s/fleets/%s/workers/%s", req.FarmID, req.FleetID, req.WorkerID)
	var out UpdateWorkerResponse
	if err := c.do(ctx, "UpdateWorker", http.MethodPatch, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateWorkerSchedule implements WorkerService. A nil update map is sent as
// an empty object; the field must always be present on the wire.
func (c *HTTPClient) UpdateWorkerSchedule(ctx context.Context, req *UpdateWorkerScheduleRequest) (*UpdateWorkerScheduleResponse, error) {
	body := *req
	if body.UpdatedSessionActions == nil {
		body.UpdatedSessionActions = map[string]UpdatedSessionAction{}
	}

	path := fmt.Sprintf("/farms/%s/fleets/%s/workers/%s/schedule", req.FarmID, req.FleetID, req.WorkerID)
	var out UpdateWorkerScheduleResponse
	if err := c.do(ctx, "UpdateWorkerSchedule", http.MethodPatch, path, &body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchGetJobEntity implements WorkerService. Identifier pages larger than
// MaxBatchEntityIdentifiers are rejected locally without a round trip.
func (c *HTTPClient) BatchGetJobEntity(ctx context.Context, req *BatchGetJobEntityRequest) (*BatchGetJobEntityResponse, error) {
	if len(req.Identifiers) > MaxBatchEntityIdentifiers {
		return nil, &RequestError{
			Operation: "BatchGetJobEntity",
			Kind:      KindValidation,
			Message:   fmt.Sprintf("too many identifiers: %d exceeds the maximum of %d", len(req.Identifiers), MaxBatchEntityIdentifiers),
		}
	}

	path := fmt.Sprintf("/farms/%s/fleets/%s/workers/%s/batchGetJobEntity", req.FarmID, req.FleetID, req.WorkerID)
	var out BatchGetJobEntityResponse
	if err := c.do(ctx, "BatchGetJobEntity", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorker implements WorkerService.
func (c *HTTPClient) DeleteWorker(ctx context.Context, req *DeleteWorkerRequest) (*DeleteWorkerResponse, error) {
	path := fmt.Sprintf("/farms/%s/fleets/%s/workers/%s", req.FarmID, req.FleetID, req.WorkerID)
	var out DeleteWorkerResponse
	if err := c.do(ctx, "DeleteWorker", http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// errorEnvelope is the service's error response body.
type errorEnvelope struct {
	Code              string            `json:"code"`
	Message           string            `json:"message"`
	Reason            string            `json:"reason,omitempty"`
	ResourceID        string            `json:"resourceId,omitempty"`
	Context           map[string]string `json:"context,omitempty"`
	RetryAfterSeconds int               `json:"retryAfterSeconds,omitempty"`
}

// do executes one HTTP exchange and maps the outcome onto the error taxonomy.
func (c *HTTPClient) do(ctx context.Context, operation, method, path string, body, result interface{}) error {
	if observability.GetRequestID(ctx) == "" {
		ctx = observability.WithRequestID(ctx, observability.GenerateRequestID())
	}

	ctx, span := observability.StartSpan(ctx, "gridfarm.api", operation,
		trace.WithAttributes(
			attribute.String("rpc.method", operation),
			attribute.String("http.method", method),
		),
	)
	defer span.End()

	c.events.RecordEvent(ctx, observability.NewAPIRequestEvent(operation, nil))

	req := c.rest.R().
		SetContext(ctx).
		SetHeader("X-Request-Id", observability.GetRequestID(ctx)).
		SetError(&errorEnvelope{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	elapsed := time.Since(start)
	observability.APIRequestDurationSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())

	if err != nil {
		reqErr := &RequestError{
			Operation: operation,
			Kind:      KindInternalServer,
			Message:   err.Error(),
			Err:       err,
		}
		c.finish(ctx, operation, 0, reqErr, elapsed)
		return reqErr
	}

	if resp.IsError() {
		reqErr := classify(operation, resp)
		c.finish(ctx, operation, resp.StatusCode(), reqErr, elapsed)
		return reqErr
	}

	c.finish(ctx, operation, resp.StatusCode(), nil, elapsed)
	return nil
}

// finish records the per-call metrics, span state, event, and debug log.
func (c *HTTPClient) finish(ctx context.Context, operation string, statusCode int, reqErr *RequestError, elapsed time.Duration) {
	outcome := "success"
	errorKind := ""
	if reqErr != nil {
		outcome = string(reqErr.Kind)
		errorKind = string(reqErr.Kind)
		observability.RecordError(ctx, reqErr)
	}

	observability.APIRequestsTotal.WithLabelValues(operation, outcome).Inc()
	c.events.RecordEvent(ctx, observability.NewAPIResponseEvent(operation, statusCode, errorKind, elapsed))

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.Int("status_code", statusCode),
		zap.Duration("elapsed", elapsed),
		zap.String("request_id", observability.GetRequestID(ctx)),
	}
	if reqErr != nil {
		c.logger.Debug("API request failed", append(fields, zap.Error(reqErr))...)
		return
	}
	c.logger.Debug("API request completed", fields...)
}

// classify maps a non-2xx response onto the closed error taxonomy.
func classify(operation string, resp *resty.Response) *RequestError {
	envelope, _ := resp.Error().(*errorEnvelope)
	if envelope == nil {
		envelope = &errorEnvelope{}
	}

	message := envelope.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode())
	}

	re := &RequestError{
		Operation:  operation,
		Message:    message,
		StatusCode: resp.StatusCode(),
		RetryAfter: retryAfterHint(resp, envelope),
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		re.Kind = KindThrottled
	case resp.StatusCode() >= http.StatusInternalServerError:
		re.Kind = KindInternalServer
	case resp.StatusCode() == http.StatusForbidden:
		re.Kind = KindAccessDenied
	case resp.StatusCode() == http.StatusNotFound:
		re.Kind = KindNotFound
	case resp.StatusCode() == http.StatusConflict:
		re.Kind = KindConflict
		re.Reason = ConflictReason(envelope.Reason)
		re.ResourceID = envelope.ResourceID
		re.Context = envelope.Context
	case envelope.Code == "ThrottlingException":
		re.Kind = KindThrottled
	default:
		re.Kind = KindValidation
	}

	return re
}

// retryAfterHint extracts the service's retry hint. The response body takes
// precedence over the Retry-After header.
func retryAfterHint(resp *resty.Response, envelope *errorEnvelope) time.Duration {
	if envelope.RetryAfterSeconds > 0 {
		return time.Duration(envelope.RetryAfterSeconds) * time.Second
	}
	if h := resp.Header().Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
