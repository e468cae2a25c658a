package borserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRejection(t *testing.T) {
	assert.True(t, IsRejection(NewValidationError("priority %d exceeds maximum", 10)))
	assert.True(t, IsRejection(fmt.Errorf("approve: %w", &AuthError{Actor: "jane"})))
	assert.True(t, IsRejection(&StaleAttemptError{MergeSHA: "abc"}))

	assert.False(t, IsRejection(&StoreError{Op: "insert", Err: errors.New("disk full")}))
	assert.False(t, IsRejection(NewRetryableAnytimeError(errors.New("503"))))
}

func TestStoreErrorUnwrap(t *testing.T) {
	err := &StoreError{Op: "get pull request", Err: ErrNotFound}
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthErrorMessage(t *testing.T) {
	err := &AuthError{Actor: "jane", Required: "reviewer", Has: "try"}
	assert.Equal(t, "@jane: insufficient privileges, the command requires reviewer rights, you have try rights", err.Error())
}
