// Package logger provides the process-wide zap logger used by the push delivery
// backend, plus masking helpers so device tokens and credentials never reach logs raw.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.SugaredLogger
	once   sync.Once
)

// IsTest switches the logger to a stdout development config. Tests set it
// before the first GetLogger call.
var IsTest bool

func buildLogger() {
	var (
		zapLogger *zap.Logger
		err       error
	)

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		level = zapcore.InfoLevel
	}

	switch {
	case IsTest:
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stdout"}
		zapLogger, err = cfg.Build()
	case os.Getenv("ENVIRONMENT") == "production":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err = cfg.Build()
	default:
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = cfg.Build()
	}

	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	logger = zapLogger.Sugar()
}

// InitLogger initializes the global logger. Safe to call more than once.
func InitLogger() {
	once.Do(buildLogger)
}

// GetLogger returns the shared sugared logger, initializing it on first use.
func GetLogger() *zap.SugaredLogger {
	once.Do(buildLogger)
	return logger
}

// Named returns a structured (non-sugared) child logger, the form services and
// handlers keep as a field.
func Named(name string) *zap.Logger {
	return GetLogger().Desugar().Named(name)
}

// Close flushes buffered entries. Call it before the process exits.
func Close() error {
	if logger == nil || IsTest {
		return nil
	}
	if err := logger.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
		return err
	}
	return nil
}

// MaskSensitiveString keeps prefixLen leading and suffixLen trailing characters
// and hides the rest. Short inputs are fully starred so their length is the only leak.
func MaskSensitiveString(s string, prefixLen, suffixLen int) string {
	if s == "" {
		return ""
	}
	if len(s) < prefixLen+suffixLen+3 {
		return strings.Repeat("*", len(s))
	}
	return s[:prefixLen] + "..." + s[len(s)-suffixLen:]
}

// MaskToken masks a push device token for logs and API listings.
func MaskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:8] + strings.Repeat("*", 8) + token[len(token)-4:]
}

// MaskEmail hides most of the local part of an address.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return MaskSensitiveString(email, 2, 2)
	}
	return MaskSensitiveString(local, 2, 1) + "@" + domain
}

// MaskConnectionString hides the password in a postgres:// or redis:// URL.
func MaskConnectionString(connStr string) string {
	idx := strings.Index(connStr, "://")
	if idx == -1 {
		return connStr
	}
	rest := connStr[idx+3:]
	at := strings.Index(rest, "@")
	if at == -1 {
		return connStr
	}
	userInfo := rest[:at]
	user, _, hasPass := strings.Cut(userInfo, ":")
	if !hasPass {
		return connStr
	}
	return connStr[:idx+3] + user + ":***" + rest[at:]
}
