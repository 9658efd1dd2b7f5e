package logging_test

import (
	"testing"

	"github.com/adred-codev/messagebus/internal/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfoLevelOnBadInput(t *testing.T) {
	logger := logging.New(logging.Config{Level: "not-a-level", Format: "json"})
	assert.NotNil(t, logger)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestRecoverPanicSwallowsPanicWithoutReraising(t *testing.T) {
	logger := logging.New(logging.Config{Level: "error", Format: "json"})

	func() {
		defer logging.RecoverPanic(logger, "test-goroutine", map[string]any{"k": "v"})
		panic("boom")
	}()
	// Reaching here means the panic was recovered, not propagated.
}

func TestRecoverPanicIsNoOpWithoutPanic(t *testing.T) {
	logger := logging.New(logging.Config{Level: "info", Format: "json"})
	func() {
		defer logging.RecoverPanic(logger, "test-goroutine", nil)
	}()
}
