package sentryutil

import (
	"context"
	"fmt"
	"time"

	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/getsentry/sentry-go"
)

// ReportError sends an error to sentry using the hub on ctx, falling back to the
// global hub.
func ReportError(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

// RecoverAndRaise reports a panic to sentry and re-panics so the process still
// crashes the way it would have without reporting.
func RecoverAndRaise(ctx context.Context) {
	if err := recover(); err != nil {
		hub := sentry.CurrentHub()
		if ctx != nil {
			if ctxHub := sentry.GetHubFromContext(ctx); ctxHub != nil {
				hub = ctxHub
			}
		}
		logger.For(ctx).Errorf("unrecovered panic: %v", err)
		hub.Recover(err)
		hub.Flush(2 * time.Second)
		panic(err)
	}
}

// NewSentryHubContext clones the current hub onto a child context so goroutines
// don't share scope mutations with their parent.
func NewSentryHubContext(ctx context.Context) context.Context {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return sentry.SetHubOnContext(ctx, hub.Clone())
}

// Init configures the global sentry client. A blank DSN disables reporting,
// which is the expected configuration for local runs.
func Init(dsn string, environment string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		TracesSampleRate: 0.2,
	})
	if err != nil {
		return fmt.Errorf("failed to init sentry: %w", err)
	}
	return nil
}
