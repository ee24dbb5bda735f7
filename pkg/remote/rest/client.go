// Package rest implements remote.Service over the job-execution service's
// HTTP/JSON API.
//
// Every request carries a bearer token and is optionally rate limited per
// instance. Failures are classified into the remote error taxonomy: network
// errors, 5xx and 429 are transient, 404 is not-found, 401/403 is
// access-denied, and undecodable or contract-violating responses are
// protocol errors.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/rexmon/pkg/remote"
)

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Client is a remote.Service backed by HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

var _ remote.Service = (*Client)(nil)

// New creates a client from cfg.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.APIVersion == 0 {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + "/api/" + strconv.Itoa(cfg.APIVersion),
		token:   cfg.Token,
		http:    httpClient,
		log:     cfg.Logger,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// Trigger sends POST /job/{id}/run.
func (c *Client) Trigger(ctx context.Context, jobID string, options, nodeFilters map[string]string) (*remote.ExecutionHandle, error) {
	body := triggerRequest{Options: options, Filter: nodeFilter(nodeFilters)}

	var resp executionResponse
	if err := c.do(ctx, "Trigger", "", http.MethodPost, "/job/"+url.PathEscape(jobID)+"/run", nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &remote.ServiceError{Op: "Trigger", Err: fmt.Errorf("%w: response has no execution id", remote.ErrProtocol)}
	}

	status, err := mapStatus(resp.Status)
	if err != nil {
		return nil, &remote.ServiceError{Op: "Trigger", ExecutionID: string(resp.ID), Err: err}
	}

	link := resp.Permalink
	if link == "" {
		link = resp.Href
	}
	return &remote.ExecutionHandle{ID: string(resp.ID), URL: link, Status: status}, nil
}

// GetStatus sends GET /execution/{id}.
func (c *Client) GetStatus(ctx context.Context, executionID string) (remote.ExecutionStatus, error) {
	var resp executionResponse
	if err := c.do(ctx, "GetStatus", executionID, http.MethodGet, "/execution/"+url.PathEscape(executionID), nil, nil, &resp); err != nil {
		return "", err
	}
	status, err := mapStatus(resp.Status)
	if err != nil {
		return "", &remote.ServiceError{Op: "GetStatus", ExecutionID: executionID, Err: err}
	}
	return status, nil
}

// GetLogPage sends GET /execution/{id}/output. The maxlines parameter is
// omitted for remote.Unbounded.
func (c *Client) GetLogPage(ctx context.Context, executionID string, offset, sinceUnused int64, maxLines int) (*remote.LogPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("lastmod", strconv.FormatInt(sinceUnused, 10))
	if maxLines != remote.Unbounded {
		q.Set("maxlines", strconv.Itoa(maxLines))
	}

	var resp outputResponse
	if err := c.do(ctx, "GetLogPage", executionID, http.MethodGet, "/execution/"+url.PathEscape(executionID)+"/output", q, nil, &resp); err != nil {
		return nil, err
	}
	page, err := resp.logPage()
	if err != nil {
		return nil, &remote.ServiceError{Op: "GetLogPage", ExecutionID: executionID, Err: err}
	}
	return page, nil
}

// Abort sends POST /execution/{id}/abort.
func (c *Client) Abort(ctx context.Context, executionID string) (*remote.AbortResult, error) {
	var resp abortResponse
	if err := c.do(ctx, "Abort", executionID, http.MethodPost, "/execution/"+url.PathEscape(executionID)+"/abort", nil, nil, &resp); err != nil {
		return nil, err
	}

	status := strings.ToLower(resp.Abort.Status)
	return &remote.AbortResult{
		Acknowledged: status == "pending" || status == "aborted",
		Status:       status,
		Reason:       resp.Abort.Reason,
	}, nil
}

// FindJob sends GET /project/{p}/jobs with exact group and name filters.
// An empty group selects top-level jobs.
func (c *Client) FindJob(ctx context.Context, project, group, name string) ([]remote.JobRecord, error) {
	q := url.Values{}
	if group == "" {
		q.Set("groupPathExact", "-")
	} else {
		q.Set("groupPathExact", group)
	}
	q.Set("jobExactFilter", name)

	var resp []jobResponse
	if err := c.do(ctx, "FindJob", "", http.MethodGet, "/project/"+url.PathEscape(project)+"/jobs", q, nil, &resp); err != nil {
		return nil, err
	}

	jobs := make([]remote.JobRecord, 0, len(resp))
	for _, j := range resp {
		jobs = append(jobs, j.record())
	}
	return jobs, nil
}

// GetJobByID sends GET /job/{id}/info.
func (c *Client) GetJobByID(ctx context.Context, id string) (*remote.JobRecord, error) {
	var resp jobResponse
	if err := c.do(ctx, "GetJobByID", "", http.MethodGet, "/job/"+url.PathEscape(id)+"/info", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &remote.ServiceError{Op: "GetJobByID", Err: fmt.Errorf("%w: job %q has no id", remote.ErrProtocol, id)}
	}
	rec := resp.record()
	return &rec, nil
}

// do performs one request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op, executionID, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &remote.ServiceError{Op: op, ExecutionID: executionID, Err: fmt.Errorf("%w: rate limiter: %v", remote.ErrTransient, err)}
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &remote.ServiceError{Op: op, ExecutionID: executionID, Err: fmt.Errorf("%w: request failed: %v", remote.ErrTransient, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &remote.ServiceError{Op: op, ExecutionID: executionID, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: read body: %v", remote.ErrTransient, err)}
	}

	c.log.Debug("Remote request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &remote.ServiceError{
			Op:          op,
			ExecutionID: executionID,
			StatusCode:  resp.StatusCode,
			Err:         fmt.Errorf("%w: %s", classifyStatus(resp.StatusCode), errorMessage(respBody)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &remote.ServiceError{
			Op:          op,
			ExecutionID: executionID,
			StatusCode:  resp.StatusCode,
			Err:         fmt.Errorf("%w: failed to parse response: %v", remote.ErrProtocol, err),
		}
	}
	return nil
}

// classifyStatus maps a non-2xx status code to a sentinel.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return remote.ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return remote.ErrAccessDenied
	case code == http.StatusTooManyRequests || code >= 500:
		return remote.ErrTransient
	default:
		return remote.ErrProtocol
	}
}

// errorMessage extracts the service's error message, falling back to the
// raw body.
func errorMessage(body []byte) string {
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	if msg == "" {
		return "empty response"
	}
	return msg
}

// IsConfigError reports whether err is a configuration validation error.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
