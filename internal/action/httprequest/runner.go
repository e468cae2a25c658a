package httprequest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

var _ action.Runner = &Runner{}

// Runner executes a http request.
type Runner struct {
	*Config
	client *http.Client
}

// NewRunner returns a new Runner struct.
// The HTTPClient of the runner uses a timeout of DefaultHttpClientTimeout.
func NewRunner(cfg *Config) *Runner {
	return &Runner{
		Config: cfg,
		client: &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		},
	}
}

// Run sends the http request.
// Connection errors, 5xx and 429 responses are returned as
// borserr.RetryableError. Other non-2xx responses are returned as
// ErrorHTTPRequest.
func (h *Runner) Run(ctx context.Context) error {
	logger := h.logger.With(h.LogFields()...)

	var body io.Reader
	if h.data != "" {
		body = bytes.NewBufferString(h.data)
	}

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, body)
	if err != nil {
		return err
	}

	if h.user != "" || h.password != "" {
		req.SetBasicAuth(h.user, h.password)
	}
	for k, v := range h.headers {
		req.Header.Add(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return borserr.NewRetryableAnytimeError(err)
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn(
			"reading http response body failed",
			logfields.Event("http_request_reading_response_body_failed"),
			zap.Int("http_response_code", resp.StatusCode),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := &ErrorHTTPRequest{
			Body:   respBody,
			Status: resp.StatusCode,
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return borserr.NewRetryableAnytimeError(reqErr)
		}

		return reqErr
	}

	logger.Debug(
		fmt.Sprintf("http response: %s", string(respBody)),
		logfields.Event("http_request_sent"),
	)

	return nil
}

// LogFields returns fields that should be used when logging messages related
// to the action.
func (h *Runner) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("action", "httprequest"),
		logfields.Builder(h.builder),
		zap.String("http_url", h.url),
		zap.String("http_method", h.method),
	}
}
