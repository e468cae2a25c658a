package logfields

import "go.uber.org/zap"

func Builder(val string) zap.Field {
	return zap.String("ci.builder", val)
}

func Lane(val string) zap.Field {
	return zap.String("mergeq.lane", val)
}

func Status(val string) zap.Field {
	return zap.String("mergeq.status", val)
}

func AttemptID(val string) zap.Field {
	return zap.String("mergeq.attempt_id", val)
}

func Operation(val string) zap.Field {
	return zap.String("mergeq.operation", val)
}
