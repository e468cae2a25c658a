package mergeq

import (
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/logfields"
)

var (
	logEventEventIgnored     = logfields.Event("github_event_ignored")
	logEventOperationFailed  = logfields.Event("operation_failed")
	logEventRejected         = logfields.Event("operation_rejected")
	logEventStaleReport      = logfields.Event("stale_report_ignored")
	logEventStatusChanged    = logfields.Event("status_changed")
	logEventAttemptStarted   = logfields.Event("attempt_started")
	logEventAttemptCancelled = logfields.Event("attempt_cancelled")
	logEventTreeClosed       = logfields.Event("tree_closed")
	logEventTreeOpened       = logfields.Event("tree_opened")
	logEventEffectFailed     = logfields.Event("side_effect_failed")
	logEventEffectDropped    = logfields.Event("side_effect_dropped")
)

func logFieldReason(reason string) zap.Field {
	return zap.String("reason", reason)
}

func prLogFields(repo string, num int) []zap.Field {
	return []zap.Field{
		logfields.Repository(repo),
		logfields.PullRequest(num),
	}
}
