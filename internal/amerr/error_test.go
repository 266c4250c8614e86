package amerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryableErrorUnwrap(t *testing.T) {
	orig := errors.New("rate limited")
	err := fmt.Errorf("listing pull requests failed: %w", NewRetryableAnytimeError(orig))

	var retryErr *RetryableError
	assert.ErrorAs(t, err, &retryErr)
	assert.ErrorIs(t, err, orig)
	assert.True(t, retryErr.After.IsZero())
}

func TestRetryableErrorMsgContainsRetryTime(t *testing.T) {
	after := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	err := NewRetryableError(errors.New("err"), after)

	assert.Contains(t, err.Error(), after.String())
}
