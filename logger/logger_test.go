package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := Logger
			t.Cleanup(func() {
				Logger = prev
				JSONOutput = false
			})

			require.NoError(t, Initialize(tt.jsonOutput))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestSetVerbosity(t *testing.T) {
	t.Cleanup(func() { SetVerbosity(VerbosityInfo) })

	SetVerbosity(VerbosityDebug)
	assert.Equal(t, zapcore.DebugLevel, Level())

	SetVerbosity(VerbosityUser)
	assert.Equal(t, zapcore.WarnLevel, Level())
}

func TestLevelName(t *testing.T) {
	assert.Equal(t, "User", LevelName(0))
	assert.Equal(t, "Debug (-vv)", LevelName(2))
	assert.Equal(t, "Trace (-vvv+)", LevelName(5))
	assert.Equal(t, "Unknown", LevelName(-2))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithComponent(WithRequestID(context.Background(), "req-1"), "mdu")
	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldRequestID, "req-1", FieldComponent, "mdu"}, fields)

	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestSymbolHelpers(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core).Sugar()

	AddMaterialSymbol(base).Infow("posted", FieldFingerprint, "abc")
	AddAgentSymbol(base).Infow("registered")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "⟲", entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "abc", entries[0].ContextMap()[FieldFingerprint])
	assert.Equal(t, "⚙", entries[1].ContextMap()[FieldSymbol])
}

func TestPulseHelpersUseGlobalLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := Logger
	Logger = zap.New(core).Sugar()
	t.Cleanup(func() { Logger = prev })

	PulseOpenInfow("starting")
	PulseCloseInfow("stopping")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "✿", entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "❀", entries[1].ContextMap()[FieldSymbol])
}
