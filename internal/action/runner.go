package action

import (
	"context"

	"go.uber.org/zap"
)

// Runner executes a single outbound operation.
type Runner interface {
	Run(ctx context.Context) error
	String() string
	LogFields() []zap.Field
}
