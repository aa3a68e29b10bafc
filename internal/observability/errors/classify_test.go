package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

type customErr struct{}

func (customErr) Error() string { return "custom" }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"app error", apperrors.ConcurrencyConflict("lost"), "concurrency_conflict"},
		{"wrapped app error", fmt.Errorf("close: %w", apperrors.NotFound("x")), "not_found"},
		{"plain errors.New", goerrors.New("boom"), "errors_errorstring"},
		{"custom type", fmt.Errorf("wrap: %w", customErr{}), "errors_customerr"},
		{"context deadline", context.DeadlineExceeded, "context_deadlineexceedederror"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
