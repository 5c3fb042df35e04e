package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitializeWithLevel(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			require.NoError(t, InitializeWithLevel(tt.jsonOutput, zapcore.InfoLevel))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)

			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(5))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithRequestID(WithJobID(context.Background(), "job-1"), "req-9")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldJobID, "job-1", FieldRequestID, "req-9"}, fields)
	assert.Empty(t, FieldsFromContext(context.Background()))
	assert.Equal(t, "job-1", JobIDFromContext(ctx))
	assert.Equal(t, "", JobIDFromContext(context.Background()))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := zap.NewExample().Sugar()
	assert.Same(t, l, OrNop(l))
}
