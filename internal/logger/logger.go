// Package logger initializes the zap logger a factory scope logs through.
package logger

import (
	"fmt"
	"os"
	"testing"

	"github.com/veiloq/auditkit/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// InitLogger initializes the zap logger (zaptest or default development).
// It returns the logger and a boolean indicating whether it is a test
// logger.
func InitLogger(t *testing.T, settings *config.Settings) (*zap.Logger, bool, error) {
	if t != nil {
		zaptestOpts := []zaptest.LoggerOption{}
		if settings != nil && settings.ZapTestLevel() != nil {
			zaptestOpts = append(zaptestOpts, zaptest.Level(*settings.ZapTestLevel()))
		}
		logger := zaptest.NewLogger(t, zaptestOpts...)
		if settings != nil && len(settings.ZapOptions()) > 0 {
			logger = logger.WithOptions(settings.ZapOptions()...)
		}
		logger.Debug("Initialized zaptest logger")
		return logger, true, nil
	}

	// Fallback to a default development logger writing under .auditkit/.
	logDir := ".auditkit"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	logFilePath := fmt.Sprintf("%s/LOG", logDir)

	devConfig := zap.NewDevelopmentConfig()
	devConfig.OutputPaths = []string{"stdout", logFilePath}
	devConfig.ErrorOutputPaths = []string{"stderr", logFilePath}

	zapBaseOpts := []zap.Option{zap.AddCallerSkip(1)}
	if settings != nil {
		zapBaseOpts = append(zapBaseOpts, settings.ZapOptions()...)
	}
	logger, err := devConfig.Build(zapBaseOpts...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create default zap logger: %w", err)
	}
	logger.Debug("Initialized default zap development logger (no *testing.T provided)")
	return logger, false, nil
}
