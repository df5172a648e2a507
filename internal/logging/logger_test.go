package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yinz628/email-filter-sub004/internal/config"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		for _, format := range []string{"json", "text", ""} {
			logger, err := New(config.LoggingConfig{Level: level, Format: format})
			require.NoError(t, err)
			require.NotNil(t, logger)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"})
	require.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "binary"})
	require.Error(t, err)
}
