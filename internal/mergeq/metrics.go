package mergeq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/logfields"
)

const metricNamespace = "gobors_mergeq"

const (
	operationsMetricName     = "operations_total"
	transitionsMetricName    = "status_transitions_total"
	attemptsMetricName       = "attempts_started_total"
	staleReportsMetricName   = "stale_reports_total"
	treeClosedMetricName     = "tree_closed_priority"
	githubEventsMetricName   = "processed_github_events_total"
	effectFailuresMetricName = "side_effect_failures_total"
)

const (
	repositoryLabel = "repository"
	operationLabel  = "operation"
	resultLabel     = "result"
	statusLabel     = "status"
	laneLabel       = "lane"
	effectLabel     = "effect"
)

type resultLabelVal string

const (
	resultLabelSuccessVal  resultLabelVal = "success"
	resultLabelRejectedVal resultLabelVal = "rejected"
	resultLabelErrorVal    resultLabelVal = "error"
)

type metricCollector struct {
	logger          *zap.Logger
	operations      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	staleReports    *prometheus.CounterVec
	treeClosed      *prometheus.GaugeVec
	effectFailures  *prometheus.CounterVec
	processedEvents prometheus.Counter
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		operations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      operationsMetricName,
				Help:      "count of executed merge queue operations",
			},
			[]string{repositoryLabel, operationLabel, resultLabel},
		),
		transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      transitionsMetricName,
				Help:      "count of pull request status changes by new status",
			},
			[]string{repositoryLabel, statusLabel},
		),
		attempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      attemptsMetricName,
				Help:      "count of started integration attempts",
			},
			[]string{repositoryLabel, laneLabel},
		),
		staleReports: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      staleReportsMetricName,
				Help:      "count of ignored reports for attempts that are not outstanding",
			},
			[]string{repositoryLabel},
		),
		treeClosed: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      treeClosedMetricName,
				Help:      "priority threshold of the closed tree, 0 if open",
			},
			[]string{repositoryLabel},
		),
		effectFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      effectFailuresMetricName,
				Help:      "count of side effects that failed permanently",
			},
			[]string{repositoryLabel, effectLabel},
		),
		processedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      githubEventsMetricName,
				Help:      "count of processed github webhook events",
			},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) OperationInc(repo, operation string, result resultLabelVal) {
	cnt, err := m.operations.GetMetricWith(prometheus.Labels{
		repositoryLabel: repo,
		operationLabel:  operation,
		resultLabel:     string(result),
	})
	if err != nil {
		m.logGetMetricFailed(operationsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) TransitionInc(repo, status string) {
	cnt, err := m.transitions.GetMetricWith(prometheus.Labels{
		repositoryLabel: repo,
		statusLabel:     status,
	})
	if err != nil {
		m.logGetMetricFailed(transitionsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) AttemptStartedInc(repo, lane string) {
	cnt, err := m.attempts.GetMetricWith(prometheus.Labels{
		repositoryLabel: repo,
		laneLabel:       lane,
	})
	if err != nil {
		m.logGetMetricFailed(attemptsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) StaleReportInc(repo string) {
	cnt, err := m.staleReports.GetMetricWith(prometheus.Labels{repositoryLabel: repo})
	if err != nil {
		m.logGetMetricFailed(staleReportsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) TreeClosedSet(repo string, priority int) {
	g, err := m.treeClosed.GetMetricWith(prometheus.Labels{repositoryLabel: repo})
	if err != nil {
		m.logGetMetricFailed(treeClosedMetricName, err)
		return
	}

	g.Set(float64(priority))
}

func (m *metricCollector) EffectFailureInc(repo, effect string) {
	cnt, err := m.effectFailures.GetMetricWith(prometheus.Labels{
		repositoryLabel: repo,
		effectLabel:     effect,
	})
	if err != nil {
		m.logGetMetricFailed(effectFailuresMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) ProcessedEventsInc() {
	m.processedEvents.Inc()
}
