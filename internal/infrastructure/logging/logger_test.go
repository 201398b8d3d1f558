package logging

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestDevelopmentLoggerPanicsOnDPanic(t *testing.T) {
	logger, err := New(Config{Level: "debug", Development: true, OutputPaths: []string{"stderr"}})
	require.NoError(t, err)

	assert.Panics(t, func() { logger.DPanic("strong binding count below zero") })
}

func TestProductionLoggerDoesNotPanic(t *testing.T) {
	logger, err := New(Config{Level: "info", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)

	assert.NotPanics(t, func() { logger.Component("connection").DPanic("strong binding count below zero") })
}

func TestSetLevel(t *testing.T) {
	logger := NewDefault()
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Component("launcher").Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, logger.SetLevel("debug"))
	assert.True(t, logger.Component("launcher").Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, logger.SetLevel("loud"))
}

func TestLevelHandler(t *testing.T) {
	logger := NewDefault()
	handler := logger.Level()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"level":"warn"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNopLogger(t *testing.T) {
	logger := Nop()
	assert.NotPanics(t, func() { logger.Info("discarded") })
	assert.NoError(t, logger.SetLevel("error"))
}
