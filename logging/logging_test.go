package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithContextExtractsFields(t *testing.T) {
	base := NewDefaultLoggerNoColor()

	t.Run("fields carried in context are adopted", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), "logger_fields", Fields{
			"request_id": "r-42",
		})

		logger := base.WithContext(ctx)
		withFields, ok := logger.(*DefaultLogger)
		require.True(t, ok)
		require.Equal(t, "r-42", withFields.fields["request_id"])
	})

	t.Run("plain context returns the logger unchanged", func(t *testing.T) {
		require.Same(t, base, base.WithContext(context.Background()))
	})
}

func TestWithFieldsMerges(t *testing.T) {
	base := NewDefaultLoggerNoColor()

	logger := base.WithFields(Fields{"component": "stft"}).WithFields(Fields{"frames": 12})
	merged, ok := logger.(*DefaultLogger)
	require.True(t, ok)
	require.Equal(t, "stft", merged.fields["component"])
	require.Equal(t, 12, merged.fields["frames"])

	// the base logger keeps its own field set
	require.Empty(t, base.fields)
}

func TestFormatMessageIncludesLevelAndFields(t *testing.T) {
	logger := NewDefaultLoggerNoColor()

	msg := logger.formatMessage(WarnLevel, nil, "window sum near zero", Fields{"bin": 3})
	require.Contains(t, msg, "[WARN]")
	require.Contains(t, msg, "window sum near zero")
	require.Contains(t, msg, "bin")
}
