package sentry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
)

// Initialize sets up Sentry when a DSN is configured.
func Initialize(cfg config.SentryConfig, release string) error {
	if cfg.DSN == "" {
		return nil
	}

	environment := cfg.Environment
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      environment,
		Release:          release,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return nil
}

func Enabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) {
	if Enabled() {
		sentry.Flush(timeout)
	}
}

// CaptureError reports err with tags and extras attached to its scope.
func CaptureError(err error, tags map[string]string, extras map[string]any) {
	if !Enabled() || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		for k, v := range extras {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Recover reports a panic and swallows it. Use it in detached goroutines
// whose failure must not take the process down.
func Recover(ctx context.Context, extras map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("Recovered from panic", zap.Any("panic", r), zap.Any("extras", extras))
	if Enabled() {
		sentry.WithScope(func(scope *sentry.Scope) {
			for k, v := range extras {
				scope.SetExtra(k, v)
			}
			sentry.CurrentHub().RecoverWithContext(ctx, r)
		})
	}
}
