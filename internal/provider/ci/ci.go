// Package ci receives build results from CI systems via HTTP.
// The fields of a result are extracted from the JSON request body with
// configurable jq queries, this allows to consume the notification payloads
// of arbitrary CI systems.
package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v59/github"
	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/cfg"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/maputils"
	"github.com/simplesurance/gobors/internal/mergeq"
	"github.com/simplesurance/gobors/internal/store"
)

const loggerName = "ci-event-provider"

// Default queries, they are used when the query is not configured.
const (
	DefRepositoryQuery = ".repository"
	DefNumberQuery     = ".number // 0"
	DefBuilderQuery    = ".builder"
	DefMergeSHAQuery   = ".merge_sha"
	DefOutcomeQuery    = ".result"
	DefURLQuery        = `.url // ""`
)

const (
	fieldRepository = "repository"
	fieldNumber     = "number"
	fieldBuilder    = "builder"
	fieldMergeSHA   = "merge_sha"
	fieldOutcome    = "outcome"
	fieldURL        = "url"
)

// Reporter records build results.
type Reporter interface {
	ReportBuildResult(ctx context.Context, report *mergeq.BuildReport) error
}

// Provider is a HTTP handler for build result callbacks of CI systems.
type Provider struct {
	logger   *zap.Logger
	secret   []byte
	reporter Reporter
	queries  map[string]*gojq.Query
}

// New creates a Provider that forwards the received results to reporter.
// If the Secret of config is set, requests must be signed with a HMAC-SHA256
// signature in the X-Hub-Signature-256 header, like GitHub webhook
// deliveries.
func New(reporter Reporter, config *cfg.CICallback) (*Provider, error) {
	p := Provider{
		logger:   zap.L().Named(loggerName),
		secret:   []byte(config.Secret),
		reporter: reporter,
		queries:  map[string]*gojq.Query{},
	}

	queries := []struct {
		field string
		query string
		def   string
	}{
		{fieldRepository, config.RepositoryQuery, DefRepositoryQuery},
		{fieldNumber, config.NumberQuery, DefNumberQuery},
		{fieldBuilder, config.BuilderQuery, DefBuilderQuery},
		{fieldMergeSHA, config.MergeSHAQuery, DefMergeSHAQuery},
		{fieldOutcome, config.OutcomeQuery, DefOutcomeQuery},
		{fieldURL, config.URLQuery, DefURLQuery},
	}

	for _, q := range queries {
		s := q.query
		if s == "" {
			s = q.def
		}

		parsed, err := gojq.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parsing %s query %q failed: %w", q.field, s, err)
		}

		p.queries[q.field] = parsed
	}

	return &p, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errs []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errs
		}

		if err, isErr := res.(error); isErr {
			errs = append(errs, err)
			continue
		}

		result = append(result, res)
	}
}

// runQuery evaluates q on data, the query must produce exactly one value.
func runQuery(ctx context.Context, q *gojq.Query, data any) (any, error) {
	result, errs := goJQIterToSlice(q.RunWithContext(ctx, data))
	if len(errs) != 0 {
		return nil, fmt.Errorf("query %q failed: %w", q, errors.Join(errs...))
	}

	switch len(result) {
	case 0:
		return nil, fmt.Errorf("query %q returned 0 results, expected 1", q)
	case 1:
		return result[0], nil
	default:
		return nil, fmt.Errorf("query %q returned %d results, expected 1", q, len(result))
	}
}

// ParseOutcome converts the build outcome reported by a CI system to a
// store.Result.
// Booleans are interpreted as success and failure.
func ParseOutcome(v any) (store.Result, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return store.ResultSuccess, nil
		}
		return store.ResultFailure, nil

	case string:
		switch strings.ToLower(val) {
		case "success", "succeeded", "passed", "ok", "fixed":
			return store.ResultSuccess, nil
		case "failure", "failed", "broken", "still failing":
			return store.ResultFailure, nil
		case "error", "errored":
			return store.ResultError, nil
		case "interrupted", "cancelled", "canceled", "aborted":
			return store.ResultInterrupted, nil
		case "pending", "queued", "started", "running":
			return store.ResultPending, nil
		}

		return "", fmt.Errorf("unsupported build outcome %q", val)

	default:
		return "", fmt.Errorf("build outcome has unsupported type %T", v)
	}
}

func parseNumber(v any) (int, error) {
	var n int

	switch val := v.(type) {
	case nil:
		return 0, nil
	case int:
		n = val
	case float64:
		if val != math.Trunc(val) || val > math.MaxInt32 || val < 0 {
			return 0, fmt.Errorf("pull request number %v is not a positive integer", val)
		}
		n = int(val)
	case string:
		if val == "" {
			return 0, nil
		}

		var err error
		n, err = strconv.Atoi(val)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("pull request number has unsupported type %T", v)
	}

	if n < 0 {
		return 0, fmt.Errorf("pull request number %d is negative", n)
	}

	return n, nil
}

// Extract returns the build report that is described by the JSON document
// payload.
func (p *Provider) Extract(ctx context.Context, payload []byte) (*mergeq.BuildReport, error) {
	var data any

	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	vals := make(map[string]any, len(p.queries))
	for field, q := range p.queries {
		v, err := runQuery(ctx, q, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}

		vals[field] = v
	}

	var report mergeq.BuildReport
	var err error

	strFields := []struct {
		field string
		dest  *string
	}{
		{fieldRepository, &report.Repo},
		{fieldBuilder, &report.Builder},
		{fieldMergeSHA, &report.MergeSHA},
		{fieldURL, &report.URL},
	}

	for _, f := range strFields {
		*f.dest, err = maputils.StrVal(vals, f.field)
		if err != nil {
			return nil, err
		}
	}

	if report.Repo == "" {
		return nil, errors.New("repository is empty")
	}

	report.Number, err = parseNumber(vals[fieldNumber])
	if err != nil {
		return nil, err
	}

	report.Result, err = ParseOutcome(vals[fieldOutcome])
	if err != nil {
		return nil, err
	}

	return &report, nil
}

// HTTPHandler validates the request, extracts the build result and reports
// it.
func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	logger := p.logger.With(logfields.EventProvider("ci"))

	logger.Debug("received a http request", logfields.Event("ci_http_request_received"))

	payload, err := github.ValidatePayload(req, p.secret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("ci_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := p.Extract(req.Context(), payload)
	if err != nil {
		logger.Info(
			"received invalid http request, extracting build result failed",
			logfields.Event("ci_build_result_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger = logger.With(
		logfields.Repository(report.Repo),
		logfields.PullRequest(report.Number),
		logfields.Builder(report.Builder),
		logfields.MergeSHA(report.MergeSHA),
		zap.String("ci.result", string(report.Result)),
	)

	err = p.reporter.ReportBuildResult(req.Context(), report)
	if err != nil {
		status := httpStatus(err)
		logger.Info(
			"reporting build result failed",
			logfields.Event("ci_build_result_reporting_failed"),
			zap.Int("http_response_code", status),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), status)
		return
	}

	logger.Debug("build result reported", logfields.Event("ci_build_result_reported"))

	resp.WriteHeader(http.StatusAccepted)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, mergeq.ErrUnknownRepository):
		return http.StatusNotFound
	case errors.Is(err, mergeq.ErrStopped):
		return http.StatusServiceUnavailable
	case borserr.IsRejection(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
