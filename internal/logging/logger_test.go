package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestNewLogger_NoOutputAvailable(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Stdout = false
	cfg.OTEL = true

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	logger := NewTestLogger()

	ctx := WithEntityID(context.Background(), "42")
	ctx = WithRecordID(ctx, "leave_42")
	logger.Info(ctx, "entity indexed", zap.Int("attempt", 1))

	logger.AssertLogged(t, zapcore.InfoLevel, "entity indexed")
	logger.AssertField(t, "entity indexed", "entity_id", "42")
	logger.AssertField(t, "entity indexed", "record_id", "leave_42")
}

func TestContextFields_Trace(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "trace_id", fields[0].Key)
	assert.Equal(t, traceID.String(), fields[0].String)
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestRedactingEncoder(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	red := newRedactingEncoder(base, []string{"Password"})
	buf, err := red.EncodeEntry(zapcore.Entry{Message: "login"}, []zapcore.Field{
		zap.String("password", "hunter2"),
		zap.String("user", "sam"),
	})
	require.NoError(t, err)
	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "sam")
}

func TestSampling_ErrorsAlwaysPass(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	cfg := NewDefaultConfig()
	sampled := zapcore.NewSamplerWithOptions(&maxLevelCore{Core: core, max: zapcore.InfoLevel},
		cfg.Sampling.Tick, 1, 0)
	tee := zapcore.NewTee(&minLevelCore{Core: core, min: zapcore.WarnLevel}, sampled)
	zl := zap.New(tee)

	for i := 0; i < 5; i++ {
		zl.Info("same message")
		zl.Error("same failure")
	}

	assert.Equal(t, 1, observed.FilterMessage("same message").Len())
	assert.Equal(t, 5, observed.FilterMessage("same failure").Len())
}

func TestLogger_SetLevel(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("child")
	ctx := context.Background()

	tl.SetLevel(zapcore.WarnLevel)
	assert.Equal(t, zapcore.WarnLevel, child.Level())

	child.Info(ctx, "dropped")
	child.Warn(ctx, "kept")
	assert.Empty(t, tl.FilterMessage("dropped").All())
	assert.Len(t, tl.FilterMessage("kept").All(), 1)

	tl.SetLevel(zapcore.DebugLevel)
	child.Debug(ctx, "debug now visible")
	assert.Len(t, tl.FilterMessage("debug now visible").All(), 1)
}
